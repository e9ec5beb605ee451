// Trading node — a single-writer event-loop trading core with simulated or
// external market data.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires feed → engine → api, waits for SIGINT/SIGTERM
//	engine/engine.go     — single-writer event loop: all order, balance, and position state
//	book/book.go         — live order index by ID and by symbol (insertion order)
//	match/matcher.go     — per-tick executability rules for market/limit/stop/stop-limit
//	settle/settle.go     — atomic settlement: balances, commissions, positions, audit, publish
//	feed/simulator.go    — seedable random-walk tick source with backpressure coalescing
//	feed/adapter.go      — REST quote poller for external market data
//	tickcache/cache.go   — TTL-bounded latest-quote cache serving the read path
//	store/store.go       — JSON file persistence + append-only execution log (survives restarts)
//	api/server.go        — REST + WebSocket surface, Prometheus metrics
//
// Every money value is a fixed-point decimal end to end; the event loop is
// the only goroutine that mutates trading state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradenode/internal/api"
	"tradenode/internal/config"
	"tradenode/internal/engine"
	"tradenode/internal/feed"
	"tradenode/internal/store"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Durable store
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err, "dir", cfg.Store.DataDir)
		os.Exit(1)
	}
	defer st.Close()

	// The hub doubles as settlement's execution publisher.
	hub := api.NewHub(logger)

	eng, err := engine.New(cfg, logger, st, hub)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	eng.Start()

	// Operator alerts from settlement rollbacks.
	go func() {
		for a := range eng.Alerts() {
			logger.Error("OPERATOR ALERT: settlement failure",
				"order_id", a.OrderID,
				"reason", a.Reason,
				"error", a.Err,
			)
		}
	}()

	// Tick source
	feedCtx, stopFeed := context.WithCancel(context.Background())
	switch cfg.Feed.Mode {
	case "rest":
		adapter := feed.NewRestAdapter(cfg.Feed, eng, logger)
		go adapter.Run(feedCtx)
	default:
		sim, err := feed.NewSimulator(cfg.Feed, eng, logger)
		if err != nil {
			logger.Error("failed to create simulator", "error", err)
			os.Exit(1)
		}
		go sim.Run(feedCtx)
	}

	// API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, hub, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	logger.Info("trading node started",
		"feed_mode", cfg.Feed.Mode,
		"symbols", len(cfg.Feed.Symbols),
		"queue_capacity", cfg.Engine.EventChannelCapacity,
		"commission_rate", cfg.Trading.CommissionRate,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop producers first so the loop can drain, then the API.
	stopFeed()
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
