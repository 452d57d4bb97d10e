package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the relay server configuration
type Config struct {
	Port     string
	BindHost string
	LogLevel string

	UsersFile      string
	UsersWriteFile string
	UsersInline    string
	DefaultUserID  string
	DefaultToken   string

	ServerToken       string
	AllowRegistration bool
	InviteCodes       []string

	GatewayURL   string
	GatewayToken string
	InboundMode  string

	HMACSecret        string
	SignatureRequired bool
	SignatureTTL      time.Duration

	// SecretKey enables token hashing when at least 16 characters long.
	SecretKey string

	ScryptN      int
	ScryptR      int
	ScryptP      int
	ScryptKeyLen int

	TrustProxy       bool
	RateLimitEnabled bool
}

// HasSecretKey reports whether token hashing is enabled.
func (c *Config) HasSecretKey() bool {
	return len(c.SecretKey) >= 16
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:         "8788", // default port
		BindHost:     "0.0.0.0",
		LogLevel:     "info",
		InboundMode:  "poll",
		SignatureTTL: 5 * time.Minute,
		ScryptN:      16384,
		ScryptR:      8,
		ScryptP:      1,
		ScryptKeyLen: 64,
	}

	if port := strings.TrimSpace(os.Getenv("TEST_SERVER_PORT")); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("TEST_SERVER_PORT must be numeric: %w", err)
		}
		cfg.Port = port
	}
	if host := strings.TrimSpace(os.Getenv("TEST_BIND_HOST")); host != "" {
		cfg.BindHost = host
	}
	if level := strings.TrimSpace(os.Getenv("TEST_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}

	cfg.UsersFile = strings.TrimSpace(os.Getenv("TEST_USERS_FILE"))
	cfg.UsersInline = strings.TrimSpace(os.Getenv("TEST_USERS"))
	cfg.UsersWriteFile = strings.TrimSpace(os.Getenv("TEST_USERS_WRITE_FILE"))
	if cfg.UsersWriteFile == "" {
		cfg.UsersWriteFile = cfg.UsersFile
	}
	cfg.DefaultUserID = strings.TrimSpace(os.Getenv("TEST_DEFAULT_USER_ID"))
	cfg.DefaultToken = strings.TrimSpace(os.Getenv("TEST_DEFAULT_USER_TOKEN"))

	cfg.ServerToken = strings.TrimSpace(os.Getenv("TEST_SERVER_TOKEN"))
	cfg.AllowRegistration = envBool("TEST_ALLOW_REGISTRATION", true)
	inviteRaw := os.Getenv("TEST_INVITE_CODES")
	if inviteRaw == "" {
		inviteRaw = os.Getenv("TEST_INVITE_CODE")
	}
	cfg.InviteCodes = splitInviteCodes(inviteRaw)

	cfg.GatewayURL = strings.TrimSpace(os.Getenv("TEST_GATEWAY_URL"))
	cfg.GatewayToken = strings.TrimSpace(os.Getenv("TEST_GATEWAY_TOKEN"))
	if mode := strings.ToLower(strings.TrimSpace(os.Getenv("TEST_INBOUND_MODE"))); mode != "" {
		if mode != "poll" && mode != "webhook" {
			return nil, fmt.Errorf("TEST_INBOUND_MODE must be poll or webhook, got %q", mode)
		}
		cfg.InboundMode = mode
	}

	cfg.HMACSecret = strings.TrimSpace(os.Getenv("TEST_HMAC_SECRET"))
	// Signing defaults to on when an HMAC secret is configured.
	requireRaw := strings.ToLower(strings.TrimSpace(os.Getenv("TEST_REQUIRE_SIGNATURE")))
	if requireRaw != "" {
		cfg.SignatureRequired = requireRaw == "true"
	} else {
		cfg.SignatureRequired = cfg.HMACSecret != ""
	}
	if ttlRaw := strings.TrimSpace(os.Getenv("TEST_SIGNATURE_TTL_MS")); ttlRaw != "" {
		ttlMs, err := strconv.Atoi(ttlRaw)
		if err != nil || ttlMs <= 0 {
			return nil, fmt.Errorf("TEST_SIGNATURE_TTL_MS must be a positive integer")
		}
		cfg.SignatureTTL = time.Duration(ttlMs) * time.Millisecond
	}

	cfg.SecretKey = strings.TrimSpace(os.Getenv("TEST_SECRET_KEY"))

	var err error
	if cfg.ScryptN, err = envInt("TEST_SCRYPT_N", cfg.ScryptN); err != nil {
		return nil, err
	}
	if cfg.ScryptR, err = envInt("TEST_SCRYPT_R", cfg.ScryptR); err != nil {
		return nil, err
	}
	if cfg.ScryptP, err = envInt("TEST_SCRYPT_P", cfg.ScryptP); err != nil {
		return nil, err
	}
	if cfg.ScryptKeyLen, err = envInt("TEST_SCRYPT_KEY_LEN", cfg.ScryptKeyLen); err != nil {
		return nil, err
	}

	cfg.TrustProxy = envBool("TEST_TRUST_PROXY", false)
	cfg.RateLimitEnabled = envBool("TEST_RATE_LIMIT", true)

	return cfg, nil
}

func envBool(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if raw == "" {
		return fallback
	}
	return raw == "true"
}

func envInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return value, nil
}

// splitInviteCodes parses a comma/semicolon/newline separated code list.
func splitInviteCodes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	codes := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			codes = append(codes, trimmed)
		}
	}
	return codes
}

// InviteCodeValid reports whether the given code satisfies the configured
// allowlist. An empty allowlist makes invites optional.
func (c *Config) InviteCodeValid(code string) bool {
	if len(c.InviteCodes) == 0 {
		return true
	}
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return false
	}
	for _, candidate := range c.InviteCodes {
		if candidate == trimmed {
			return true
		}
	}
	return false
}
