// adapter.go implements the external quote source: a REST poller for
// deployments where real market data replaces the simulator.
//
// Requests are paced by a token bucket, retried on 5xx, and delivered
// through the same Sink/coalescing path as the simulator.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"tradenode/internal/config"
	"tradenode/pkg/types"
)

// RestAdapter polls GET <rest_url>/quotes/{symbol} for each configured
// symbol and feeds the results to the sink.
type RestAdapter struct {
	http    *resty.Client
	bucket  *TokenBucket
	symbols []string
	sink    Sink
	pending map[string]types.Quote
	logger  *slog.Logger
}

// NewRestAdapter creates a polling adapter with retry and pacing.
func NewRestAdapter(cfg config.FeedConfig, sink Sink, logger *slog.Logger) *RestAdapter {
	rate := cfg.RestRatePerSec
	if rate <= 0 {
		rate = 10
	}
	httpClient := resty.New().
		SetBaseURL(cfg.RestURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RestAdapter{
		http:    httpClient,
		bucket:  NewTokenBucket(rate*2, rate),
		symbols: cfg.Symbols,
		sink:    sink,
		pending: make(map[string]types.Quote),
		logger:  logger.With("component", "feed"),
	}
}

// Run polls every symbol round-robin until ctx is cancelled.
func (a *RestAdapter) Run(ctx context.Context) {
	a.logger.Info("rest adapter started", "symbols", len(a.symbols))
	for {
		for _, sym := range a.symbols {
			if err := a.bucket.Wait(ctx); err != nil {
				a.logger.Info("rest adapter stopped")
				return
			}
			q, err := a.fetch(ctx, sym)
			if err != nil {
				a.logger.Warn("quote fetch failed", "symbol", sym, "error", err)
				continue
			}
			a.pending[sym] = q
			a.flush()
		}
		select {
		case <-ctx.Done():
			a.logger.Info("rest adapter stopped")
			return
		default:
		}
	}
}

func (a *RestAdapter) flush() {
	for sym, q := range a.pending {
		if a.sink.EnqueueTick(q) {
			delete(a.pending, sym)
		}
	}
}

func (a *RestAdapter) fetch(ctx context.Context, symbol string) (types.Quote, error) {
	var q types.Quote
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&q).
		Get("/quotes/" + symbol)
	if err != nil {
		return types.Quote{}, fmt.Errorf("get quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Quote{}, fmt.Errorf("get quote: status %d: %s", resp.StatusCode(), resp.String())
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	return q, nil
}
