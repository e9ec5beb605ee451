package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradenode/internal/config"
	"tradenode/internal/engine"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.APIConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server. The hub must be the same one wired into
// settlement as its publisher.
func NewServer(cfg config.APIConfig, eng *engine.Engine, hub *Hub, logger *slog.Logger) *Server {
	handlers := NewHandlers(eng, hub, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /performance", handlers.HandlePerformance)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/accounts", handlers.HandleCreateAccount)
	mux.HandleFunc("GET /api/v1/accounts", handlers.HandleListAccounts)
	mux.HandleFunc("GET /api/v1/accounts/{id}", handlers.HandleGetAccount)
	mux.HandleFunc("GET /api/v1/accounts/{id}/portfolio", handlers.HandlePortfolio)

	mux.HandleFunc("POST /api/v1/orders", handlers.HandleSubmitOrder)
	mux.HandleFunc("GET /api/v1/orders", handlers.HandleListOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", handlers.HandleGetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", handlers.HandleCancelOrder)

	mux.HandleFunc("GET /api/v1/market-data", handlers.HandleMarketData)
	mux.HandleFunc("GET /api/v1/market-data/{symbol}", handlers.HandleQuote)
	mux.HandleFunc("GET /api/v1/executions", handlers.HandleExecutions)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start starts the hub and the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
