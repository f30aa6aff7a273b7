package credential

import (
	"strings"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestCipherRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey)
	require.NoError(t, err)

	for _, plain := range []string{"", "hunter2", "contraseña con ñ", strings.Repeat("x", 16)} {
		blob, err := c.Encrypt(plain)
		require.NoError(t, err)
		iv, ct, ok := strings.Cut(blob, ":")
		require.True(t, ok)
		assert.Len(t, iv, 32)
		assert.Zero(t, len(ct)%32)

		got, err := c.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestCipherRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewCipher("abc")
	require.ErrorIs(t, err, ErrBadKey)
	_, err = NewCipher(strings.Repeat("zz", 32))
	require.ErrorIs(t, err, ErrBadKey)

	c, err := NewCipher(testKey)
	require.NoError(t, err)
	for _, blob := range []string{"", "nocolon", "00:", "zz:00", "000102030405060708090a0b0c0d0e0f:abcd"} {
		_, err := c.Decrypt(blob)
		assert.ErrorIs(t, err, ErrBadCiphertext, blob)
	}
}

func TestResolver(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey)
	require.NoError(t, err)
	ring := keyring.NewArrayKeyring(nil)
	r := NewResolver(c, WithKeyring(ring))

	sealed, err := r.Seal("pw-1")
	require.NoError(t, err)
	got, err := r.Resolve(sealed)
	require.NoError(t, err)
	assert.Equal(t, "pw-1", got)

	ref, err := r.Store("ana@tec", "pw-2")
	require.NoError(t, err)
	assert.Equal(t, "keyring:ana@tec", ref)
	got, err = r.Resolve(ref)
	require.NoError(t, err)
	assert.Equal(t, "pw-2", got)

	_, err = r.Resolve("keyring:missing")
	require.Error(t, err)
	_, err = r.Resolve("  ")
	require.Error(t, err)

	_, err = NewResolver(nil, WithKeyring(ring)).Resolve(sealed)
	require.ErrorIs(t, err, ErrBadKey)
}
