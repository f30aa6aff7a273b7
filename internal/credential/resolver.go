package credential

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

// KeyringPrefix marks a credential stored in the OS keyring instead of the database.
const KeyringPrefix = "keyring:"

const serviceName = "tecbrain"

// Resolver turns an account's stored credential reference into the plaintext password.
type Resolver struct {
	cipher *Cipher

	mu   sync.Mutex
	ring keyring.Keyring
	open func() (keyring.Keyring, error)
}

type Option func(*Resolver)

// WithKeyring overrides the keyring (tests pass keyring.NewArrayKeyring).
func WithKeyring(k keyring.Keyring) Option {
	return func(r *Resolver) { r.ring = k }
}

// WithKeyringDir sets the directory used by the encrypted file backend.
func WithKeyringDir(dir string) Option {
	return func(r *Resolver) {
		if strings.TrimSpace(dir) == "" {
			return
		}
		r.open = func() (keyring.Keyring, error) { return openKeyring(dir) }
	}
}

// NewResolver builds a resolver. c may be nil when only keyring references are used.
func NewResolver(c *Cipher, opts ...Option) *Resolver {
	r := &Resolver{cipher: c}
	r.open = func() (keyring.Keyring, error) { return openKeyring("~/.config/tecbrain/credentials") }
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Resolve decrypts ref or, for "keyring:<key>", fetches it from the keyring.
func (r *Resolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty credential reference")
	}
	if key, ok := strings.CutPrefix(ref, KeyringPrefix); ok {
		ring, err := r.keyring()
		if err != nil {
			return "", err
		}
		item, err := ring.Get(key)
		if err != nil {
			return "", fmt.Errorf("getting credential %q: %w", key, err)
		}
		return string(item.Data), nil
	}
	if r.cipher == nil {
		return "", ErrBadKey
	}
	return r.cipher.Decrypt(ref)
}

// Store writes secret under key in the keyring and returns the reference to persist.
func (r *Resolver) Store(key, secret string) (string, error) {
	ring, err := r.keyring()
	if err != nil {
		return "", err
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(secret), Label: serviceName + " " + key}); err != nil {
		return "", fmt.Errorf("setting credential %q: %w", key, err)
	}
	return KeyringPrefix + key, nil
}

// Seal encrypts secret for storage in the accounts table.
func (r *Resolver) Seal(secret string) (string, error) {
	if r.cipher == nil {
		return "", ErrBadKey
	}
	return r.cipher.Encrypt(secret)
}

func (r *Resolver) keyring() (keyring.Keyring, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ring != nil {
		return r.ring, nil
	}
	ring, err := r.open()
	if err != nil {
		return nil, err
	}
	r.ring = ring
	return ring, nil
}

func openKeyring(dir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("tecbrain-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}
