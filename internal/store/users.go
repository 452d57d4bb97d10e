package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vimalinx/relay/internal/auth"
	"github.com/vimalinx/relay/internal/model"
)

var (
	ErrUserExists      = errors.New("user exists")
	ErrInvalidUserID   = errors.New("invalid user id")
	ErrInvalidPassword = errors.New("invalid password")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNoWritePath     = errors.New("users file path not set; cannot persist registrations")
)

var userIDPattern = regexp.MustCompile(`^[a-z0-9_-]{2,32}$`)

// saveDelay is the coalescing window for background snapshot writes.
const saveDelay = time.Second

// AuthKind distinguishes how a request authenticated.
type AuthKind string

const (
	AuthKindToken    AuthKind = "token"
	AuthKindPassword AuthKind = "password"
)

// AuthMatch is a resolved (user, secret) pair. Secret is the normalized
// token hash for token auth, or the raw password for password auth.
type AuthMatch struct {
	User   *model.UserRecord
	Secret string
	Kind   AuthKind
}

// UserStore holds all user records in memory and persists them as a JSON
// snapshot. Explicit writes (register, token issuance) are synchronous;
// everything else schedules a debounced background save.
type UserStore struct {
	codec     *auth.Codec
	writePath string
	logger    *zap.Logger

	mu          sync.Mutex
	users       map[string]*model.UserRecord
	pendingSave *time.Timer
	didMigrate  bool
}

// NewUserStore creates an empty store. writePath may be empty, in which
// case persistence is disabled and registrations fail.
func NewUserStore(codec *auth.Codec, writePath string, logger *zap.Logger) *UserStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserStore{
		codec:     codec,
		writePath: writePath,
		logger:    logger,
		users:     make(map[string]*model.UserRecord),
	}
}

// LoadInline merges users from an inline JSON document.
func (s *UserStore) LoadInline(raw string) error {
	var file model.UsersFile
	if err := json.Unmarshal([]byte(raw), &file); err != nil {
		return fmt.Errorf("parse inline users: %w", err)
	}
	s.addAll(file.Users)
	return nil
}

// LoadFile merges users from a snapshot file.
func (s *UserStore) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	var file model.UsersFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse users file %s: %w", path, err)
	}
	s.addAll(file.Users)
	return nil
}

// AddBootstrapUser registers a pre-configured user with a raw token.
func (s *UserStore) AddBootstrapUser(id, token string) {
	s.addAll([]model.UserRecord{{ID: id, Token: token}})
}

func (s *UserStore) addAll(entries []model.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range entries {
		normalized, ok := s.normalizeRecord(&entries[i])
		if !ok {
			continue
		}
		s.users[normalized.ID] = normalized
	}
	if s.didMigrate {
		s.scheduleSaveLocked()
	}
}

// normalizeRecord canonicalizes a loaded record: trims the id, hashes
// legacy plaintext tokens and passwords, dedupes tokens, and rebuilds the
// usage map. Sets didMigrate when a legacy value was upgraded.
func (s *UserStore) normalizeRecord(entry *model.UserRecord) (*model.UserRecord, bool) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return nil, false
	}
	rawTokens := append([]string{entry.Token}, entry.Tokens...)
	if s.codec.HasSecretKey() {
		for _, raw := range rawTokens {
			trimmed := strings.TrimSpace(raw)
			if trimmed != "" && !s.codec.IsTokenHash(trimmed) {
				s.didMigrate = true
				break
			}
		}
	}
	tokens := s.normalizeTokens(rawTokens)
	passwordHash := strings.TrimSpace(entry.PasswordHash)
	password := strings.TrimSpace(entry.Password)
	if passwordHash == "" && password != "" {
		hashed, err := s.codec.HashPassword(password)
		if err == nil {
			passwordHash = hashed
			password = ""
			s.didMigrate = true
		}
	}
	record := &model.UserRecord{
		ID:           id,
		Tokens:       tokens,
		PasswordHash: passwordHash,
		Password:     password,
		DisplayName:  strings.TrimSpace(entry.DisplayName),
		GatewayURL:   strings.TrimSpace(entry.GatewayURL),
		GatewayToken: strings.TrimSpace(entry.GatewayToken),
		TokenUsage:   s.normalizeUsage(entry.TokenUsage, tokens),
	}
	if len(tokens) > 0 {
		record.Token = tokens[0]
	}
	return record, true
}

func (s *UserStore) normalizeTokens(values []string) []string {
	tokens := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		normalized := s.codec.NormalizeTokenHash(value)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		tokens = append(tokens, normalized)
	}
	return tokens
}

func (s *UserStore) normalizeUsage(raw map[string]model.TokenUsage, tokens []string) map[string]model.TokenUsage {
	usage := make(map[string]model.TokenUsage, len(tokens))
	for key, entry := range raw {
		token := entry.Token
		if token == "" {
			token = key
		}
		normalized := s.codec.NormalizeTokenHash(token)
		if normalized == "" {
			continue
		}
		entry.Token = normalized
		usage[normalized] = entry
	}
	for _, token := range tokens {
		if _, ok := usage[token]; !ok {
			usage[token] = model.TokenUsage{Token: token}
		}
	}
	return usage
}

// NormalizeUserID lowercases and validates a requested user id.
func NormalizeUserID(value string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if !userIDPattern.MatchString(normalized) {
		return "", false
	}
	return normalized, true
}

// NormalizePassword trims and validates a password.
func NormalizePassword(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) < 6 || len(trimmed) > 64 {
		return "", false
	}
	return trimmed, true
}

// Register creates a new user with a hashed password. The snapshot is
// written before the user becomes visible in memory, so a persistence
// failure leaves no phantom account.
func (s *UserStore) Register(userID, password, displayName string) (*model.UserRecord, error) {
	id, ok := NormalizeUserID(userID)
	if !ok {
		return nil, ErrInvalidUserID
	}
	pw, ok := NormalizePassword(password)
	if !ok {
		return nil, ErrInvalidPassword
	}
	hash, err := s.codec.HashPassword(pw)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[id]; exists {
		return nil, ErrUserExists
	}
	record := &model.UserRecord{
		ID:           id,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(displayName),
		TokenUsage:   map[string]model.TokenUsage{},
	}
	next := s.snapshotLocked()
	next = append(next, *serializeRecord(record))
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })
	if err := s.writeSnapshot(next); err != nil {
		return nil, err
	}
	s.users[id] = record
	return record, nil
}

// IssueToken verifies the password and grants a fresh token, guaranteed
// unique across all users. The raw token is returned to the caller; only
// its canonical form is stored. The mutation is applied before the
// synchronous save, so a save failure surfaces as an error while the
// in-memory grant stands.
func (s *UserStore) IssueToken(userID, password string) (*model.UserRecord, string, error) {
	user := s.VerifyPassword(userID, password)
	if user == nil {
		return nil, "", ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var token string
	for {
		token = s.codec.GenerateToken()
		if !s.tokenInUseLocked(token, user.ID) {
			break
		}
	}
	tokenHash := s.codec.NormalizeTokenHash(token)
	if !containsToken(user.Tokens, tokenHash) {
		user.Tokens = append(user.Tokens, tokenHash)
	}
	if user.Token == "" {
		user.Token = tokenHash
	}
	now := time.Now().UnixMilli()
	s.patchUsageLocked(user, tokenHash, func(u *model.TokenUsage) {
		u.CreatedAt = now
		u.LastSeenAt = now
	})
	if err := s.writeSnapshot(s.snapshotLocked()); err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func containsToken(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}

func (s *UserStore) tokenInUseLocked(token, excludeUserID string) bool {
	hash := s.codec.NormalizeTokenHash(token)
	for _, entry := range s.users {
		if entry.ID == excludeUserID {
			continue
		}
		if containsToken(entry.Tokens, hash) {
			return true
		}
	}
	return false
}

// VerifyPassword returns the user when the password matches. A legacy
// plaintext password is upgraded to a hash in place and a migration save
// is scheduled.
func (s *UserStore) VerifyPassword(userID, password string) *model.UserRecord {
	if userID == "" || password == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.users[userID]
	if !ok {
		return nil
	}
	if entry.PasswordHash != "" {
		if s.codec.VerifyPassword(password, entry.PasswordHash) {
			return entry
		}
		return nil
	}
	if entry.Password != "" && auth.ConstantTimeEquals(entry.Password, password) {
		hashed, err := s.codec.HashPassword(password)
		if err != nil {
			return nil
		}
		entry.PasswordHash = hashed
		entry.Password = ""
		s.scheduleSaveLocked()
		return entry
	}
	return nil
}

// VerifyToken returns the user when the token matches one of theirs.
func (s *UserStore) VerifyToken(userID, token string) *model.UserRecord {
	if userID == "" || token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.users[userID]
	if !ok {
		return nil
	}
	if containsToken(entry.Tokens, s.codec.NormalizeTokenHash(token)) {
		return entry
	}
	return nil
}

// GetByToken scans all users for a token match, supporting clients that
// present only a bearer token.
func (s *UserStore) GetByToken(token string) *model.UserRecord {
	if token == "" {
		return nil
	}
	hash := s.codec.NormalizeTokenHash(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.users {
		if containsToken(entry.Tokens, hash) {
			return entry
		}
	}
	return nil
}

// Resolve authenticates a (userId, secret) pair. With a userId it tries a
// token match, then (when allowPassword) a password match; it finally
// falls back to a secret-only token scan across all users.
func (s *UserStore) Resolve(userID, secret string, allowPassword bool) *AuthMatch {
	userID = strings.TrimSpace(userID)
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	tokenHash := s.codec.NormalizeTokenHash(secret)
	if userID != "" {
		if user := s.VerifyToken(userID, secret); user != nil {
			return &AuthMatch{User: user, Secret: tokenHash, Kind: AuthKindToken}
		}
		if allowPassword {
			if user := s.VerifyPassword(userID, secret); user != nil {
				return &AuthMatch{User: user, Secret: secret, Kind: AuthKindPassword}
			}
		}
	}
	if user := s.GetByToken(secret); user != nil {
		return &AuthMatch{User: user, Secret: tokenHash, Kind: AuthKindToken}
	}
	return nil
}

// Get returns the user with the given id, if any.
func (s *UserStore) Get(userID string) *model.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID]
}

// Count returns the number of registered users.
func (s *UserStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Single returns the only registered user, or nil when there are zero or
// more than one. Supports the single-tenant chat-owner fallback.
func (s *UserStore) Single() *model.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.users) != 1 {
		return nil
	}
	for _, entry := range s.users {
		return entry
	}
	return nil
}

// PrimaryToken returns the first token ever granted to the user.
func (s *UserStore) PrimaryToken(user *model.UserRecord) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(user.Tokens) == 0 {
		return ""
	}
	return user.Tokens[0]
}

// HasToken reports whether the (possibly raw) token belongs to the user.
func (s *UserStore) HasToken(user *model.UserRecord, token string) bool {
	hash := s.codec.NormalizeTokenHash(token)
	if hash == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsToken(user.Tokens, hash)
}

// UsagePatch describes a token-usage update. Zero fields are untouched;
// deltas are added to the counters.
type UsagePatch struct {
	LastSeenAt     int64
	LastInboundAt  int64
	LastOutboundAt int64
	StreamConnects int64
	InboundCount   int64
	OutboundCount  int64
}

// UpdateTokenUsage applies a patch to the usage entry of a token,
// creating the entry lazily, and schedules a background save.
func (s *UserStore) UpdateTokenUsage(user *model.UserRecord, token string, patch UsagePatch) {
	hash := s.codec.NormalizeTokenHash(token)
	if hash == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchUsageLocked(user, hash, func(u *model.TokenUsage) {
		if patch.LastSeenAt != 0 {
			u.LastSeenAt = patch.LastSeenAt
		}
		if patch.LastInboundAt != 0 {
			u.LastInboundAt = patch.LastInboundAt
		}
		if patch.LastOutboundAt != 0 {
			u.LastOutboundAt = patch.LastOutboundAt
		}
		u.StreamConnects += patch.StreamConnects
		u.InboundCount += patch.InboundCount
		u.OutboundCount += patch.OutboundCount
	})
	s.scheduleSaveLocked()
}

func (s *UserStore) patchUsageLocked(user *model.UserRecord, tokenHash string, apply func(*model.TokenUsage)) {
	if user.TokenUsage == nil {
		user.TokenUsage = make(map[string]model.TokenUsage)
	}
	entry, ok := user.TokenUsage[tokenHash]
	if !ok {
		entry = model.TokenUsage{Token: tokenHash, CreatedAt: time.Now().UnixMilli()}
	}
	apply(&entry)
	user.TokenUsage[tokenHash] = entry
}

// UsageList returns the usage entries for all of the user's tokens in
// token grant order, entries for unknown tokens last.
func (s *UserStore) UsageList(user *model.UserRecord) []model.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	usage := s.normalizeUsage(user.TokenUsage, user.Tokens)
	list := make([]model.TokenUsage, 0, len(usage))
	seen := make(map[string]struct{}, len(usage))
	for _, token := range user.Tokens {
		if entry, ok := usage[token]; ok {
			list = append(list, entry)
			seen[token] = struct{}{}
		}
	}
	extra := make([]model.TokenUsage, 0)
	for token, entry := range usage {
		if _, ok := seen[token]; !ok {
			extra = append(extra, entry)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Token < extra[j].Token })
	return append(list, extra...)
}

// serializeRecord produces the persisted form of a record: plaintext
// password dropped, token set canonical, primary token first.
func serializeRecord(entry *model.UserRecord) *model.UserRecord {
	out := *entry
	out.Password = ""
	if len(out.Tokens) > 0 {
		out.Token = out.Tokens[0]
	}
	return &out
}

func (s *UserStore) snapshotLocked() []model.UserRecord {
	entries := make([]model.UserRecord, 0, len(s.users))
	for _, entry := range s.users {
		entries = append(entries, *serializeRecord(entry))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// writeSnapshot rewrites the users file atomically (temp file + rename).
func (s *UserStore) writeSnapshot(entries []model.UserRecord) error {
	if s.writePath == "" {
		return ErrNoWritePath
	}
	if err := os.MkdirAll(filepath.Dir(s.writePath), 0o755); err != nil {
		return fmt.Errorf("create users dir: %w", err)
	}
	data, err := json.MarshalIndent(model.UsersFile{Users: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	tmp := s.writePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write users snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.writePath); err != nil {
		return fmt.Errorf("replace users snapshot: %w", err)
	}
	return nil
}

// scheduleSaveLocked arms the debounced background save. Repeated calls
// inside the coalescing window are merged into one write. Background save
// failures are logged and swallowed; explicit writes report errors.
func (s *UserStore) scheduleSaveLocked() {
	if s.writePath == "" || s.pendingSave != nil {
		return
	}
	s.pendingSave = time.AfterFunc(saveDelay, func() {
		s.mu.Lock()
		s.pendingSave = nil
		err := s.writeSnapshot(s.snapshotLocked())
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("background users save failed", zap.Error(err))
		}
	})
}

// Flush cancels any pending debounced save and writes the snapshot now.
// Used on shutdown.
func (s *UserStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingSave != nil {
		s.pendingSave.Stop()
		s.pendingSave = nil
	}
	if s.writePath == "" {
		return nil
	}
	return s.writeSnapshot(s.snapshotLocked())
}
