package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScrypt = ScryptParams{N: 1024, R: 8, P: 1, KeyLen: 32}

func TestHashPassword_VerifyRoundtrip(t *testing.T) {
	codec := NewCodec("", testScrypt)

	hash, err := codec.HashPassword("secret1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "scrypt$1024$8$1$"), "hash must embed parameters: %s", hash)

	assert.True(t, codec.VerifyPassword("secret1", hash))
	assert.False(t, codec.VerifyPassword("secret2", hash))
	assert.False(t, codec.VerifyPassword("secret1", "not-a-hash"))
}

func TestVerifyPassword_UsesStoredParameters(t *testing.T) {
	oldCodec := NewCodec("", ScryptParams{N: 512, R: 4, P: 1, KeyLen: 16})
	hash, err := oldCodec.HashPassword("secret1")
	require.NoError(t, err)

	// A codec configured with different cost parameters must still verify
	// hashes produced under the old parameters.
	newCodec := NewCodec("", testScrypt)
	assert.True(t, newCodec.VerifyPassword("secret1", hash))
}

func TestHashToken_WithSecretKey(t *testing.T) {
	codec := NewCodec("super-secret-key-16ch", testScrypt)
	require.True(t, codec.HasSecretKey())

	hashed := codec.HashToken("raw-token")
	assert.True(t, codec.IsTokenHash(hashed))
	assert.NotContains(t, hashed, "raw-token", "raw token must not appear in the hash")

	// Normalizing is idempotent: hashing an already-hashed value is a no-op.
	assert.Equal(t, hashed, codec.NormalizeTokenHash(hashed))
	assert.Equal(t, hashed, codec.NormalizeTokenHash("raw-token"))
	assert.Equal(t, hashed, codec.NormalizeTokenHash("  raw-token  "))
}

func TestHashToken_WithoutSecretKey(t *testing.T) {
	codec := NewCodec("short", testScrypt)
	require.False(t, codec.HasSecretKey(), "keys under 16 chars disable hashing")

	assert.Equal(t, "raw-token", codec.HashToken("raw-token"))
	assert.Equal(t, "raw-token", codec.NormalizeTokenHash(" raw-token "))
	assert.Equal(t, "", codec.NormalizeTokenHash("   "))
}

func TestGenerateToken_Shape(t *testing.T) {
	codec := NewCodec("", testScrypt)
	token := codec.GenerateToken()
	assert.Len(t, token, 32)
	assert.NotContains(t, token, "-")
}

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, ConstantTimeEquals("abc", "abc"))
	assert.False(t, ConstantTimeEquals("abc", "abd"))
	assert.False(t, ConstantTimeEquals("abc", "abcd"))
}
