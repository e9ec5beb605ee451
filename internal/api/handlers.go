package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"tradenode/internal/engine"
	"tradenode/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	engine   *engine.Engine
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a handlers instance. allowedOrigins is the
// api.allowed_origins list; an empty list admits every origin.
func NewHandlers(eng *engine.Engine, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine: eng,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		logger: logger.With("component", "api-handlers"),
	}
}

// originAllowed applies the configured origin allow-list. Requests without
// an Origin header (non-browser clients) always pass; a "*" entry admits
// every origin.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// userID extracts the caller identity. Authentication proper lives at the
// gateway; here the identity only scopes ownership.
func userID(r *http.Request) (string, error) {
	id := r.URL.Query().Get("user_id")
	if id == "" {
		return "", fmt.Errorf("%w: user_id query parameter is required", engine.ErrValidation)
	}
	return id, nil
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandlePerformance returns the event loop's counters.
func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleCreateAccount opens a trading account.
func (h *Handlers) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req types.CreateAccount
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, fmt.Errorf("%w: %s", engine.ErrValidation, err))
		return
	}
	acct, err := h.engine.CreateAccount(r.Context(), uid, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// HandleListAccounts returns the caller's accounts.
func (h *Handlers) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	accounts, err := h.engine.Accounts(r.Context(), uid)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if accounts == nil {
		accounts = []types.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// HandleGetAccount returns one account.
func (h *Handlers) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	acct, err := h.engine.Account(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandlePortfolio returns a consistent snapshot of an account's holdings.
func (h *Handlers) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	pf, err := h.engine.Portfolio(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// HandleSubmitOrder submits an order and waits for the loop's decision.
func (h *Handlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req types.CreateOrder
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, fmt.Errorf("%w: %s", engine.ErrValidation, err))
		return
	}
	ord, err := h.engine.SubmitOrder(r.Context(), uid, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ord)
}

// HandleListOrders returns the caller's live orders, optionally scoped to
// one account via account_id.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	orders, err := h.engine.Orders(r.Context(), uid, r.URL.Query().Get("account_id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if orders == nil {
		orders = []types.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleGetOrder returns one order, live or terminal.
func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	ord, err := h.engine.Order(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

// HandleCancelOrder cancels a live order.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	ord, err := h.engine.CancelOrder(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

// HandleMarketData returns every fresh cached quote.
func (h *Handlers) HandleMarketData(w http.ResponseWriter, r *http.Request) {
	quotes := h.engine.Quotes()
	if quotes == nil {
		quotes = []types.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// HandleQuote returns the cached quote for one symbol.
func (h *Handlers) HandleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	q, ok := h.engine.Quote(symbol)
	if !ok {
		writeError(w, h.logger, fmt.Errorf("%w: no fresh quote for %s", engine.ErrNotFound, symbol))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleExecutions returns the full execution audit log.
func (h *Handlers) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.Executions()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if recs == nil {
		recs = []types.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleWebSocket upgrades the connection and subscribes the client to the
// execution stream.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}
