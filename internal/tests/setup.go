package tests

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vimalinx/relay/internal/auth"
	"github.com/vimalinx/relay/internal/config"
	"github.com/vimalinx/relay/internal/gateway"
	httphandler "github.com/vimalinx/relay/internal/http"
	"github.com/vimalinx/relay/internal/http/handlers"
	"github.com/vimalinx/relay/internal/middleware"
	"github.com/vimalinx/relay/internal/relay"
	"github.com/vimalinx/relay/internal/store"
)

// testServer bundles a fully wired relay server for end-to-end tests.
type testServer struct {
	Server *httptest.Server
	Config *config.Config
	Users  *store.UserStore
}

// fastScrypt keeps password hashing cheap in tests.
var fastScrypt = auth.ScryptParams{N: 1024, R: 8, P: 1, KeyLen: 32}

// newTestServer builds a server around the given config. Zero-value
// fields get test defaults: registrations allowed, rate limiting off,
// users persisted to a per-test temp file.
func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.UsersWriteFile == "" {
		cfg.UsersWriteFile = filepath.Join(t.TempDir(), "users.json")
	}
	if cfg.InboundMode == "" {
		cfg.InboundMode = "poll"
	}
	if cfg.SignatureTTL == 0 {
		cfg.SignatureTTL = 5 * time.Minute
	}
	cfg.AllowRegistration = true
	cfg.ScryptN = fastScrypt.N
	cfg.ScryptR = fastScrypt.R
	cfg.ScryptP = fastScrypt.P
	cfg.ScryptKeyLen = fastScrypt.KeyLen

	logger := zap.NewNop()
	codec := auth.NewCodec(cfg.SecretKey, fastScrypt)
	users := store.NewUserStore(codec, cfg.UsersWriteFile, logger)

	registry := relay.NewRegistry()
	mailbox := relay.NewMailbox()
	owners := relay.NewOwnerResolver(users)
	signer := auth.NewSigner(cfg.HMACSecret, cfg.SignatureTTL, cfg.SignatureRequired)
	gatewayClient := gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken, cfg.ServerToken, cfg.HMACSecret)
	limiter := middleware.NewRateLimiter(cfg.RateLimitEnabled)

	accountHandler := handlers.NewAccountHandler(cfg, users, limiter, logger)
	relayHandler := handlers.NewRelayHandler(cfg, users, registry, mailbox, owners, signer, gatewayClient, logger)

	server := httptest.NewServer(httphandler.NewRouter(accountHandler, relayHandler, logger))
	t.Cleanup(server.Close)

	return &testServer{Server: server, Config: cfg, Users: users}
}

func (s *testServer) BaseURL() string { return s.Server.URL }
