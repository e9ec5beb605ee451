// Package feed produces the stream of market ticks consumed by the event
// loop.
//
// Two sources exist: the Simulator, a seedable random-walk generator used in
// demo and test deployments, and the RestAdapter, which polls an external
// quote API. Both deliver through the Sink interface and both coalesce
// under backpressure: when the loop refuses a tick, the source keeps only
// the latest quote per symbol and retries it next cycle, so the loop always
// sees the freshest price and never a backlog of stale ones.
package feed

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradenode/internal/config"
	"tradenode/pkg/types"
)

// Sink accepts ticks without blocking. A false return means the tick was
// refused and should be coalesced, not retried immediately.
type Sink interface {
	EnqueueTick(types.Quote) bool
}

// Per-tick relative volatility by asset class.
var (
	fxVolatility     = 0.0001
	cryptoVolatility = 0.01
)

// startingPrices seeds the walk at plausible levels per symbol.
var startingPrices = map[string]float64{
	"EURUSD": 1.0850,
	"GBPUSD": 1.2650,
	"USDJPY": 149.50,
	"AUDUSD": 0.6550,
	"USDCAD": 1.3600,
	"BTCUSD": 65000,
	"ETHUSD": 3300,
}

// symState tracks one symbol's walk.
type symState struct {
	last   decimal.Decimal
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	volume decimal.Decimal
	vol    float64
	lastTS time.Time
}

// Simulator is a deterministic (seedable) random-walk tick source.
type Simulator struct {
	sink        Sink
	interval    time.Duration
	spreadRatio decimal.Decimal
	rng         *rand.Rand
	states      map[string]*symState
	order       []string
	pending     map[string]types.Quote // refused ticks, latest per symbol
	logger      *slog.Logger
}

// NewSimulator builds a simulator from the feed config. A zero seed means a
// time-derived one.
func NewSimulator(cfg config.FeedConfig, sink Sink, logger *slog.Logger) (*Simulator, error) {
	spread, err := decimal.NewFromString(cfg.SpreadRatio)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Simulator{
		sink:        sink,
		interval:    cfg.Interval,
		spreadRatio: spread,
		rng:         rand.New(rand.NewSource(seed)),
		states:      make(map[string]*symState, len(cfg.Symbols)),
		order:       cfg.Symbols,
		pending:     make(map[string]types.Quote),
		logger:      logger.With("component", "feed"),
	}
	for _, sym := range cfg.Symbols {
		start, ok := startingPrices[sym]
		if !ok {
			start = 100
		}
		p := decimal.NewFromFloat(start)
		vol := fxVolatility
		if isCrypto(sym) {
			vol = cryptoVolatility
		}
		s.states[sym] = &symState{last: p, open: p, high: p, low: p, vol: vol}
	}
	return s, nil
}

// Run emits one quote per symbol per interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	s.logger.Info("simulator started",
		"symbols", len(s.order),
		"interval", s.interval,
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopped")
			return
		case <-ticker.C:
			for _, sym := range s.order {
				// A fresh quote supersedes any still-pending one.
				s.pending[sym] = s.step(sym)
			}
			s.flush()
		}
	}
}

// flush offers pending quotes to the sink, keeping the refused ones.
func (s *Simulator) flush() {
	for sym, q := range s.pending {
		if s.sink.EnqueueTick(q) {
			delete(s.pending, sym)
		}
	}
}

// step advances one symbol's walk and builds its quote.
func (s *Simulator) step(symbol string) types.Quote {
	st := s.states[symbol]

	drift := decimal.NewFromFloat(1 + st.vol*s.rng.NormFloat64())
	last := st.last.Mul(drift).Round(8)
	if !last.IsPositive() {
		last = st.last
	}
	st.last = last
	if last.GreaterThan(st.high) {
		st.high = last
	}
	if last.LessThan(st.low) {
		st.low = last
	}
	st.volume = st.volume.Add(decimal.NewFromFloat(s.rng.Float64() * 10).Round(4))

	half := last.Mul(s.spreadRatio).Round(8)
	change := last.Sub(st.open)
	var changePct decimal.Decimal
	if st.open.IsPositive() {
		changePct = change.Div(st.open).Mul(decimal.NewFromInt(100)).Round(6)
	}

	// Timestamps are strictly monotonic per symbol even when the clock
	// resolution cannot tell two ticks apart.
	ts := time.Now()
	if !ts.After(st.lastTS) {
		ts = st.lastTS.Add(time.Nanosecond)
	}
	st.lastTS = ts

	return types.Quote{
		Symbol:        symbol,
		Bid:           last.Sub(half),
		Ask:           last.Add(half),
		Last:          last,
		Volume:        st.volume,
		High:          st.high,
		Low:           st.low,
		Change:        change,
		ChangePercent: changePct,
		Timestamp:     ts,
	}
}

func isCrypto(symbol string) bool {
	return strings.HasPrefix(symbol, "BTC") || strings.HasPrefix(symbol, "ETH")
}
