package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vimalinx/relay/internal/auth"
	"github.com/vimalinx/relay/internal/config"
	"github.com/vimalinx/relay/internal/gateway"
	httphandler "github.com/vimalinx/relay/internal/http"
	"github.com/vimalinx/relay/internal/http/handlers"
	"github.com/vimalinx/relay/internal/logging"
	"github.com/vimalinx/relay/internal/middleware"
	"github.com/vimalinx/relay/internal/relay"
	"github.com/vimalinx/relay/internal/store"
)

func main() {
	// Load .env from CWD so it works from the repo root (env vars override)
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	codec := auth.NewCodec(cfg.SecretKey, auth.ScryptParams{
		N: cfg.ScryptN, R: cfg.ScryptR, P: cfg.ScryptP, KeyLen: cfg.ScryptKeyLen,
	})
	users := store.NewUserStore(codec, cfg.UsersWriteFile, logger)
	if cfg.UsersInline != "" {
		if err := users.LoadInline(cfg.UsersInline); err != nil {
			logger.Fatal("failed to load inline users", zap.Error(err))
		}
	}
	if cfg.UsersFile != "" {
		if err := users.LoadFile(cfg.UsersFile); err != nil {
			logger.Fatal("failed to load users file", zap.Error(err))
		}
	}
	if cfg.DefaultUserID != "" && cfg.DefaultToken != "" {
		users.AddBootstrapUser(cfg.DefaultUserID, cfg.DefaultToken)
	}

	warnStartup(logger, cfg, users)

	registry := relay.NewRegistry()
	mailbox := relay.NewMailbox()
	owners := relay.NewOwnerResolver(users)
	signer := auth.NewSigner(cfg.HMACSecret, cfg.SignatureTTL, cfg.SignatureRequired)
	gatewayClient := gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken, cfg.ServerToken, cfg.HMACSecret)
	limiter := middleware.NewRateLimiter(cfg.RateLimitEnabled)

	accountHandler := handlers.NewAccountHandler(cfg, users, limiter, logger)
	relayHandler := handlers.NewRelayHandler(cfg, users, registry, mailbox, owners, signer, gatewayClient, logger)

	router := httphandler.NewRouter(accountHandler, relayHandler, logger)

	// No WriteTimeout: /api/stream connections are long-lived.
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindHost, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("inboundMode", cfg.InboundMode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := users.Flush(); err != nil {
		logger.Warn("final users save failed", zap.Error(err))
	}

	logger.Info("server exited")
}

// warnStartup logs the permissive-default deployment warnings.
func warnStartup(logger *zap.Logger, cfg *config.Config, users *store.UserStore) {
	if !cfg.HasSecretKey() {
		logger.Warn("TEST_SECRET_KEY not set; token hashing is disabled")
	}
	if cfg.InboundMode == "webhook" && cfg.GatewayURL == "" {
		logger.Warn("TEST_GATEWAY_URL is not set")
	}
	if cfg.SignatureRequired && cfg.HMACSecret == "" {
		logger.Warn("TEST_REQUIRE_SIGNATURE is true but TEST_HMAC_SECRET is missing")
	}
	if users.Count() == 0 {
		logger.Warn("no users configured; set TEST_USERS_FILE or TEST_USERS")
	}
}
