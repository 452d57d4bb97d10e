package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
)

const (
	tokenHashPrefix    = "hmac$"
	passwordHashPrefix = "scrypt$"
)

// ScryptParams are the KDF cost parameters used for new password hashes.
// Verification always uses the parameters embedded in the stored hash.
type ScryptParams struct {
	N      int
	R      int
	P      int
	KeyLen int
}

// DefaultScryptParams matches the interactive-login cost profile.
var DefaultScryptParams = ScryptParams{N: 16384, R: 8, P: 1, KeyLen: 64}

// Codec hashes and verifies passwords and tokens. When SecretKey is at
// least 16 characters, tokens are stored as keyed HMAC digests and the
// digest is the canonical secret everywhere else in the system; otherwise
// the raw token is canonical.
type Codec struct {
	secretKey string
	scrypt    ScryptParams
}

// NewCodec creates a codec. An empty or short secretKey disables token
// hashing.
func NewCodec(secretKey string, params ScryptParams) *Codec {
	if params.N <= 0 {
		params = DefaultScryptParams
	}
	return &Codec{secretKey: secretKey, scrypt: params}
}

// HasSecretKey reports whether token hashing is enabled.
func (c *Codec) HasSecretKey() bool {
	return len(c.secretKey) >= 16
}

// IsTokenHash reports whether the value is already in canonical hash form.
func (c *Codec) IsTokenHash(value string) bool {
	return strings.HasPrefix(value, tokenHashPrefix)
}

// HashToken returns the canonical form of a raw token.
func (c *Codec) HashToken(value string) string {
	if !c.HasSecretKey() {
		return value
	}
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(value))
	return tokenHashPrefix + hex.EncodeToString(mac.Sum(nil))
}

// NormalizeTokenHash trims a token and converts it to canonical form.
// Returns "" for empty input. Already-hashed values pass through.
func (c *Codec) NormalizeTokenHash(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if !c.HasSecretKey() {
		return trimmed
	}
	if c.IsTokenHash(trimmed) {
		return trimmed
	}
	return c.HashToken(trimmed)
}

// GenerateToken returns a fresh random 128-bit token as 32 hex characters.
func (c *Codec) GenerateToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HashPassword derives a salted scrypt hash in the form
// scrypt$N$r$p$salt$hash so the parameters can evolve without
// invalidating stored hashes.
func (c *Codec) HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)
	derived, err := scrypt.Key([]byte(password), []byte(saltHex), c.scrypt.N, c.scrypt.R, c.scrypt.P, c.scrypt.KeyLen)
	if err != nil {
		return "", fmt.Errorf("derive password hash: %w", err)
	}
	return fmt.Sprintf("%s%d$%d$%d$%s$%s",
		passwordHashPrefix, c.scrypt.N, c.scrypt.R, c.scrypt.P, saltHex, hex.EncodeToString(derived)), nil
}

type parsedPasswordHash struct {
	n    int
	r    int
	p    int
	salt string
	hash string
}

func parsePasswordHash(raw string) (parsedPasswordHash, bool) {
	if !strings.HasPrefix(raw, passwordHashPrefix) {
		return parsedPasswordHash{}, false
	}
	parts := strings.Split(raw, "$")
	if len(parts) != 6 {
		return parsedPasswordHash{}, false
	}
	n, errN := strconv.Atoi(parts[1])
	r, errR := strconv.Atoi(parts[2])
	p, errP := strconv.Atoi(parts[3])
	if errN != nil || errR != nil || errP != nil {
		return parsedPasswordHash{}, false
	}
	if parts[4] == "" || parts[5] == "" {
		return parsedPasswordHash{}, false
	}
	return parsedPasswordHash{n: n, r: r, p: p, salt: parts[4], hash: parts[5]}, true
}

// VerifyPassword recomputes the hash with the stored parameters and
// compares in constant time.
func (c *Codec) VerifyPassword(password, storedHash string) bool {
	parsed, ok := parsePasswordHash(storedHash)
	if !ok {
		return false
	}
	keyLen := len(parsed.hash) / 2
	if keyLen < 1 {
		keyLen = 1
	}
	derived, err := scrypt.Key([]byte(password), []byte(parsed.salt), parsed.n, parsed.r, parsed.p, keyLen)
	if err != nil {
		return false
	}
	return ConstantTimeEquals(hex.EncodeToString(derived), parsed.hash)
}

// ConstantTimeEquals compares two strings without leaking a timing signal.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
