package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradenode/internal/config"
	"tradenode/internal/engine"
	"tradenode/internal/store"
	"tradenode/pkg/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)

	cfg := config.Default()
	cfg.Trading.RetryBaseWait = time.Millisecond

	eng, err := engine.New(cfg, logger, st, hub)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	eng.Start()
	t.Cleanup(eng.Stop)

	srv := NewServer(cfg.API, eng, hub, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp
}

func createAccount(t *testing.T, ts *httptest.Server, user, balance string) types.Account {
	t.Helper()
	var acct types.Account
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/accounts?user_id="+user, map[string]any{
		"kind":            "demo",
		"initial_balance": balance,
	}, &acct)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create account: status %d", resp.StatusCode)
	}
	return acct
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	var body map[string]string
	resp := doJSON(t, http.MethodGet, ts.URL+"/health", nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestAccountLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	acct := createAccount(t, ts, "alice", "10000")
	if acct.ID == "" {
		t.Fatal("created account has no ID")
	}
	if acct.Currency != "USD" {
		t.Errorf("currency = %s, want USD default", acct.Currency)
	}

	var listed []types.Account
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/accounts?user_id=alice", nil, &listed)
	if resp.StatusCode != http.StatusOK || len(listed) != 1 {
		t.Fatalf("list: status %d, %d accounts, want 200 and 1", resp.StatusCode, len(listed))
	}

	// Other owners see nothing.
	var foreign []types.Account
	doJSON(t, http.MethodGet, ts.URL+"/api/v1/accounts?user_id=bob", nil, &foreign)
	if len(foreign) != 0 {
		t.Errorf("bob sees %d of alice's accounts", len(foreign))
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/accounts/"+acct.ID+"?user_id=bob", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign get: status %d, want 404", resp.StatusCode)
	}
}

func TestMissingUserIDIsBadRequest(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/accounts", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitOrderStatuses(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	acct := createAccount(t, ts, "alice", "1000")

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "accepted limit buy",
			body: map[string]any{
				"account_id": acct.ID, "symbol": "EURUSD", "kind": "limit",
				"side": "buy", "qty": "1", "limit_price": "100",
			},
			want: http.StatusCreated,
		},
		{
			name: "insufficient balance",
			body: map[string]any{
				"account_id": acct.ID, "symbol": "EURUSD", "kind": "limit",
				"side": "buy", "qty": "100", "limit_price": "100",
			},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "unknown account",
			body: map[string]any{
				"account_id": "nope", "symbol": "EURUSD", "kind": "limit",
				"side": "buy", "qty": "1", "limit_price": "100",
			},
			want: http.StatusNotFound,
		},
		{
			name: "bad kind",
			body: map[string]any{
				"account_id": acct.ID, "symbol": "EURUSD", "kind": "weird",
				"side": "buy", "qty": "1",
			},
			want: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/orders?user_id=alice", tt.body, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCancelOrderFlow(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	acct := createAccount(t, ts, "alice", "10000")

	var ord types.Order
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/orders?user_id=alice", map[string]any{
		"account_id": acct.ID, "symbol": "EURUSD", "kind": "limit",
		"side": "buy", "qty": "10", "limit_price": "50",
	}, &ord)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: status %d", resp.StatusCode)
	}

	var cancelled types.Order
	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/orders/%s?user_id=alice", ts.URL, ord.ID), nil, &cancelled)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: status %d", resp.StatusCode)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/orders/%s?user_id=alice", ts.URL, ord.ID), nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel: status %d, want 409", resp.StatusCode)
	}
}

func TestMarketDataEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	var quotes []types.Quote
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/market-data", nil, &quotes)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("market-data: status %d", resp.StatusCode)
	}
	if quotes == nil {
		t.Error("market-data returned null, want an empty array")
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/market-data/XXXYYY", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown symbol: status %d, want 404", resp.StatusCode)
	}
}

func TestPerformanceEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	var stats engine.Stats
	resp := doJSON(t, http.MethodGet, ts.URL+"/performance", nil, &stats)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("performance: status %d", resp.StatusCode)
	}
	if stats.QueueCapacity == 0 {
		t.Error("queue capacity = 0, want the configured channel size")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(body, []byte("tradenode_")) {
		t.Error("metrics output carries no tradenode_ collectors")
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list admits all", nil, "https://anywhere.example.com", true},
		{"no origin header passes", []string{"https://app.example.com"}, "", true},
		{"exact match", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"case-insensitive match", []string{"https://App.Example.com"}, "https://app.example.com", true},
		{"wildcard entry", []string{"*"}, "https://anywhere.example.com", true},
		{"unlisted origin refused", []string{"https://app.example.com"}, "https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := originAllowed(tt.allowed, tt.origin); got != tt.want {
				t.Errorf("originAllowed(%v, %q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
			}
		})
	}
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	eng, err := engine.New(config.Default(), logger, st, hub)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	h := NewHandlers(eng, hub, []string{"https://app.example.com"}, logger)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "x3JJHMbDL1EzLkh9GBhXDw==")
	req.Header.Set("Origin", "https://evil.example.com")

	rr := httptest.NewRecorder()
	h.HandleWebSocket(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d for a disallowed origin", rr.Code, http.StatusForbidden)
	}
}
