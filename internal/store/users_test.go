package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vimalinx/relay/internal/auth"
	"github.com/vimalinx/relay/internal/model"
)

var testScrypt = auth.ScryptParams{N: 1024, R: 8, P: 1, KeyLen: 32}

func newTestStore(t *testing.T, secretKey string) *UserStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	return NewUserStore(auth.NewCodec(secretKey, testScrypt), path, nil)
}

func readSnapshot(t *testing.T, s *UserStore) model.UsersFile {
	t.Helper()
	raw, err := os.ReadFile(s.writePath)
	require.NoError(t, err)
	var file model.UsersFile
	require.NoError(t, json.Unmarshal(raw, &file))
	return file
}

func TestRegister(t *testing.T) {
	s := newTestStore(t, "")

	user, err := s.Register("alice", "secret1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.True(t, strings.HasPrefix(user.PasswordHash, "scrypt$"))

	t.Run("duplicate", func(t *testing.T) {
		_, err := s.Register("alice", "secret2", "")
		assert.ErrorIs(t, err, ErrUserExists)
	})

	t.Run("invalid id", func(t *testing.T) {
		for _, id := range []string{"", "a", "has space", "UPPER!", strings.Repeat("x", 33)} {
			_, err := s.Register(id, "secret1", "")
			assert.ErrorIs(t, err, ErrInvalidUserID, "id %q must be rejected", id)
		}
	})

	t.Run("id lowercased", func(t *testing.T) {
		user, err := s.Register("Bob-2", "secret1", "")
		require.NoError(t, err)
		assert.Equal(t, "bob-2", user.ID)
	})

	t.Run("invalid password", func(t *testing.T) {
		_, err := s.Register("carol", "short", "")
		assert.ErrorIs(t, err, ErrInvalidPassword)
		_, err = s.Register("carol", strings.Repeat("x", 65), "")
		assert.ErrorIs(t, err, ErrInvalidPassword)
	})

	t.Run("snapshot written before visibility", func(t *testing.T) {
		file := readSnapshot(t, s)
		require.Len(t, file.Users, 2)
		assert.Equal(t, "alice", file.Users[0].ID, "snapshot is sorted by id")
		assert.Empty(t, file.Users[0].Password, "plaintext password never persisted")
		assert.NotEmpty(t, file.Users[0].PasswordHash)
	})
}

func TestRegister_NoWritePath(t *testing.T) {
	s := NewUserStore(auth.NewCodec("", testScrypt), "", nil)
	_, err := s.Register("alice", "secret1", "")
	assert.ErrorIs(t, err, ErrNoWritePath)
	assert.Nil(t, s.Get("alice"), "failed persist must not leave a phantom user")
}

func TestIssueToken(t *testing.T) {
	s := newTestStore(t, "")
	_, err := s.Register("alice", "secret1", "")
	require.NoError(t, err)

	user, token, err := s.IssueToken("alice", "secret1")
	require.NoError(t, err)
	assert.Len(t, token, 32)
	assert.Equal(t, token, s.PrimaryToken(user), "first token is primary")

	_, second, err := s.IssueToken("alice", "secret1")
	require.NoError(t, err)
	assert.NotEqual(t, token, second)
	assert.Equal(t, token, s.PrimaryToken(user), "primary token does not change")

	t.Run("wrong password", func(t *testing.T) {
		_, _, err := s.IssueToken("alice", "wrong-password")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("usage created on grant", func(t *testing.T) {
		usage := s.UsageList(user)
		require.Len(t, usage, 2)
		assert.NotZero(t, usage[0].CreatedAt)
		assert.NotZero(t, usage[0].LastSeenAt)
	})
}

func TestIssueToken_UniqueAcrossUsers(t *testing.T) {
	s := newTestStore(t, "")
	_, err := s.Register("alice", "secret1", "")
	require.NoError(t, err)
	_, err = s.Register("bob-x", "secret2", "")
	require.NoError(t, err)

	seen := make(map[string]string)
	for i := 0; i < 20; i++ {
		for _, creds := range [][2]string{{"alice", "secret1"}, {"bob-x", "secret2"}} {
			_, token, err := s.IssueToken(creds[0], creds[1])
			require.NoError(t, err)
			owner, dup := seen[token]
			require.False(t, dup, "token issued to both %s and %s", owner, creds[0])
			seen[token] = creds[0]
		}
	}
}

func TestVerifyPassword_LegacyPlaintextUpgrade(t *testing.T) {
	s := newTestStore(t, "")
	require.NoError(t, s.LoadInline(`{"users":[{"id":"legacy","password":"oldsecret"}]}`))

	user := s.Get("legacy")
	require.NotNil(t, user)
	assert.Empty(t, user.Password, "plaintext password is hashed on load")
	assert.True(t, strings.HasPrefix(user.PasswordHash, "scrypt$"))

	// Hashing happened exactly once; repeated logins hit the hash path
	// and yield the same result.
	firstHash := user.PasswordHash
	require.NotNil(t, s.VerifyPassword("legacy", "oldsecret"))
	require.NotNil(t, s.VerifyPassword("legacy", "oldsecret"))
	assert.Equal(t, firstHash, user.PasswordHash)
	assert.Nil(t, s.VerifyPassword("legacy", "wrong"))
}

func TestLoad_LegacyTokenMigration(t *testing.T) {
	s := newTestStore(t, "super-secret-key-16ch")
	require.NoError(t, s.LoadInline(`{"users":[{"id":"alice","token":"raw-legacy-token"}]}`))

	user := s.Get("alice")
	require.NotNil(t, user)
	require.Len(t, user.Tokens, 1)
	assert.True(t, strings.HasPrefix(user.Tokens[0], "hmac$"), "legacy raw token is hashed on load")

	// The raw token still authenticates via its canonical hash.
	assert.NotNil(t, s.VerifyToken("alice", "raw-legacy-token"))
	assert.NotNil(t, s.GetByToken("raw-legacy-token"))

	// Migration scheduled a save; the snapshot must hold only the hash.
	require.Eventually(t, func() bool {
		_, err := os.Stat(s.writePath)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond, "migration save must fire")
	file := readSnapshot(t, s)
	require.Len(t, file.Users, 1)
	assert.True(t, strings.HasPrefix(file.Users[0].Token, "hmac$"))
	assert.NotContains(t, file.Users[0].Token, "raw-legacy-token")
}

func TestResolve(t *testing.T) {
	s := newTestStore(t, "")
	_, err := s.Register("alice", "secret1", "")
	require.NoError(t, err)
	_, token, err := s.IssueToken("alice", "secret1")
	require.NoError(t, err)

	t.Run("token with userId", func(t *testing.T) {
		match := s.Resolve("alice", token, false)
		require.NotNil(t, match)
		assert.Equal(t, AuthKindToken, match.Kind)
		assert.Equal(t, "alice", match.User.ID)
	})

	t.Run("token without userId scans all users", func(t *testing.T) {
		match := s.Resolve("", token, false)
		require.NotNil(t, match)
		assert.Equal(t, AuthKindToken, match.Kind)
	})

	t.Run("password only when allowed", func(t *testing.T) {
		assert.Nil(t, s.Resolve("alice", "secret1", false))
		match := s.Resolve("alice", "secret1", true)
		require.NotNil(t, match)
		assert.Equal(t, AuthKindPassword, match.Kind)
		assert.Equal(t, "secret1", match.Secret)
	})

	t.Run("bad secret", func(t *testing.T) {
		assert.Nil(t, s.Resolve("alice", "nope", true))
		assert.Nil(t, s.Resolve("alice", "", true))
	})
}

func TestUpdateTokenUsage(t *testing.T) {
	s := newTestStore(t, "")
	_, err := s.Register("alice", "secret1", "")
	require.NoError(t, err)
	user, token, err := s.IssueToken("alice", "secret1")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	s.UpdateTokenUsage(user, token, UsagePatch{LastSeenAt: now, StreamConnects: 1})
	s.UpdateTokenUsage(user, token, UsagePatch{InboundCount: 1, LastInboundAt: now})
	s.UpdateTokenUsage(user, token, UsagePatch{InboundCount: 1})

	usage := s.UsageList(user)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(1), usage[0].StreamConnects)
	assert.Equal(t, int64(2), usage[0].InboundCount)
	assert.Equal(t, now, usage[0].LastSeenAt)
	assert.Equal(t, now, usage[0].LastInboundAt)
}

func TestSingleAndCount(t *testing.T) {
	s := newTestStore(t, "")
	assert.Nil(t, s.Single())
	assert.Equal(t, 0, s.Count())

	_, err := s.Register("alice", "secret1", "")
	require.NoError(t, err)
	require.NotNil(t, s.Single())
	assert.Equal(t, "alice", s.Single().ID)

	_, err = s.Register("bob-x", "secret2", "")
	require.NoError(t, err)
	assert.Nil(t, s.Single(), "Single only resolves with exactly one user")
	assert.Equal(t, 2, s.Count())
}

func TestSnapshotReload(t *testing.T) {
	s := newTestStore(t, "")
	_, err := s.Register("alice", "secret1", "Alice")
	require.NoError(t, err)
	_, token, err := s.IssueToken("alice", "secret1")
	require.NoError(t, err)

	reloaded := NewUserStore(auth.NewCodec("", testScrypt), s.writePath, nil)
	require.NoError(t, reloaded.LoadFile(s.writePath))

	user := reloaded.Get("alice")
	require.NotNil(t, user)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.NotNil(t, reloaded.VerifyToken("alice", token))
	assert.NotNil(t, reloaded.VerifyPassword("alice", "secret1"))
}
