// Package api exposes the trading node over HTTP and WebSocket.
//
// REST endpoints cover accounts, orders, portfolios, market data, the
// execution audit log, and node performance counters; /metrics serves
// Prometheus. The WebSocket hub broadcasts every settled execution on the
// trading.order.executed channel.
//
// Callers identify themselves with the user_id query parameter; ownership
// checks happen inside the engine.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tradenode/internal/engine"
	"tradenode/internal/settle"
)

// StreamEvent is the envelope broadcast to WebSocket clients.
type StreamEvent struct {
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ChannelOrderExecuted carries settled executions.
const ChannelOrderExecuted = "trading.order.executed"

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to HTTP statuses.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, settle.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
