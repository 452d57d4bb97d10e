package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vimalinx/relay/internal/http/handlers"
	"github.com/vimalinx/relay/internal/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(account *handlers.AccountHandler, relay *handlers.RelayHandler, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	// RealIP is intentionally absent: proxy headers are only honored
	// when TEST_TRUST_PROXY is set, handled in middleware.ClientIP.
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", account.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", account.HandleConfig)
		r.Post("/register", account.HandleRegister)
		r.Post("/account/login", account.HandleAccountLogin)
		r.Post("/token", account.HandleIssueToken)
		r.Post("/token/usage", account.HandleTokenUsage)
		r.Post("/login", account.HandleLogin)
		r.Get("/stream", relay.HandleStream)
		r.Get("/poll", relay.HandlePoll)
		r.Post("/message", relay.HandleMessage)
	})

	r.Post("/send", relay.HandleSend)

	return r
}
