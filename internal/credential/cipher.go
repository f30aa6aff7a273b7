package credential

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBadKey        = errors.New("encryption key must be a 64-character hex string (32 bytes)")
	ErrBadCiphertext = errors.New("invalid ciphertext format")
)

// Cipher encrypts source passwords with AES-256-CBC as "ivhex:cipherhex".
type Cipher struct {
	block cipher.Block
}

// NewCipher parses a 64 hex character key.
func NewCipher(hexKey string) (*Cipher, error) {
	hexKey = strings.TrimSpace(hexKey)
	if len(hexKey) != 64 {
		return nil, ErrBadKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return &Cipher{block: block}, nil
}

func (c *Cipher) Encrypt(plain string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("iv: %w", err)
	}
	data := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, data)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

func (c *Cipher) Decrypt(blob string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(strings.TrimSpace(blob), ":")
	if !ok || ivHex == "" || ctHex == "" {
		return "", ErrBadCiphertext
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrBadCiphertext
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrBadCiphertext
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ct)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrBadCiphertext
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}
