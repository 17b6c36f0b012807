package security_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/samandr77/jacaranda/internal/security"
)

func TestBcryptHasher(t *testing.T) {
	t.Parallel()

	h, err := security.NewBcryptHasher(bcrypt.MinCost)
	require.NoError(t, err)

	hash, err := h.Hash("correct horse")
	require.NoError(t, err)
	require.NotEqual(t, "correct horse", hash)

	ok, err := h.Compare(hash, "correct horse")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.Compare(hash, "wrong horse")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = h.Compare("not-a-hash", "correct horse")
	require.Error(t, err)

	h.CompareDummy("anything")

	// the password policy's upper bound
	_, err = h.Hash(strings.Repeat("a", 72))
	require.NoError(t, err)

	_, err = h.Hash(strings.Repeat("a", 73))
	require.ErrorIs(t, err, bcrypt.ErrPasswordTooLong)
}

func TestContactCodec(t *testing.T) {
	t.Parallel()

	key := [32]byte{1, 2, 3}
	codec := security.NewContactCodec(&key)

	sealed, err := codec.Seal("alice@example.com")
	require.NoError(t, err)
	require.NotContains(t, sealed, "@")

	again, err := codec.Seal("alice@example.com")
	require.NoError(t, err)
	require.NotEqual(t, sealed, again)

	plain, err := codec.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", plain)

	_, err = codec.Open("alice@example.com")
	require.ErrorIs(t, err, security.ErrNotSealed)

	other := [32]byte{9}
	_, err = security.NewContactCodec(&other).Open(sealed)
	require.ErrorIs(t, err, security.ErrNotSealed)

	_, err = security.NewContactCodec(nil).Open(sealed)
	require.ErrorIs(t, err, security.ErrCodecDisabled)
}
