// Package api is the inbound HTTP surface of the gateway: the webhook
// endpoint, the status/health endpoints, and the live alert stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"futures-gateway/internal/accounts"
	"futures-gateway/internal/alerts"
	"futures-gateway/internal/broker"
	"futures-gateway/internal/calendar"
	"futures-gateway/internal/config"
	"futures-gateway/internal/risk"
	"futures-gateway/internal/webhook"
)

// StatusProvider reports broker connectivity for one account. Implemented
// over broker.Manager in main; stubbed in tests.
type StatusProvider interface {
	AccountStatus(ctx context.Context, acct *accounts.Account) broker.AccountStatus
}

// StatusProviderFunc adapts a function to StatusProvider.
type StatusProviderFunc func(ctx context.Context, acct *accounts.Account) broker.AccountStatus

func (f StatusProviderFunc) AccountStatus(ctx context.Context, acct *accounts.Account) broker.AccountStatus {
	return f(ctx, acct)
}

// Deps are the collaborators the HTTP layer exposes.
type Deps struct {
	Config    *config.Config
	Registry  *accounts.Registry
	Risk      *risk.Manager
	Calendar  *calendar.Calendar
	Alerts    *alerts.Log
	Processor *webhook.Processor
	Status    StatusProvider
}

// Server runs the HTTP and WebSocket API.
type Server struct {
	deps     Deps
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the router and the underlying http.Server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(deps, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// The stream outlives any request timeout, so it mounts outside the
	// timeout group.
	r.Get("/trading/stream", hub.serveStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(deps.Config.Server.RequestTimeout))

		r.Get("/health", handlers.handleHealth)
		r.Post("/trading/webhook", handlers.handleWebhook)
		r.Post("/trading/webhook/test", handlers.handleWebhookTest)
		r.Get("/trading/status", handlers.handleStatus)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * deps.Config.Server.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		deps:     deps,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Hub exposes the alert-stream hub so main can wire it to the alert log.
func (s *Server) Hub() *Hub { return s.hub }

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start runs the hub and blocks serving HTTP until Stop.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("gateway listening", "addr", s.server.Addr, "dry_run", s.deps.Config.DryRun)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop() error {
	s.logger.Info("stopping gateway server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
