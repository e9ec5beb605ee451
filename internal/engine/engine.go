// Package engine runs the single-writer event loop at the heart of the
// trading node.
//
// All state transitions (order lifecycle, balance and reservation updates,
// position changes) happen on one goroutine, the loop, which reads typed
// events from a bounded channel in strict FIFO order. Producers never mutate
// state: the feed enqueues ticks, API callers enqueue submits and cancels
// and wait on a response channel, and reads that need a consistent snapshot
// run as closures inside the loop.
//
// Matcher-emitted executions go to an internal queue drained before the
// channel is read again, so every fill settles immediately after the tick
// that triggered it with no interleaved external event.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradenode/internal/book"
	"tradenode/internal/config"
	"tradenode/internal/match"
	"tradenode/internal/metrics"
	"tradenode/internal/settle"
	"tradenode/internal/store"
	"tradenode/internal/tickcache"
	"tradenode/pkg/types"
)

// Engine owns the event loop and every piece of trading state.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	book    *book.Book
	matcher *match.Matcher
	settler *settle.Settler
	cache   *tickcache.Cache

	events    chan event
	internalQ []event // executeOrder backlog, drained before the channel
	highWater int

	shuttingDown atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	stats loopStats
}

// New wires the engine and reloads durable state: accounts, open positions,
// and every non-terminal order (cold-boot reload).
func New(cfg *config.Config, logger *slog.Logger, st *store.Store, pub settle.Publisher) (*Engine, error) {
	rate, err := cfg.Trading.CommissionRateDecimal()
	if err != nil {
		return nil, fmt.Errorf("commission rate: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		store:     st,
		book:      book.New(),
		matcher:   match.New(logger),
		settler:   settle.New(st, pub, rate, cfg.Trading.RetryAttempts, cfg.Trading.RetryBaseWait, logger),
		cache:     tickcache.New(cfg.TickCache.TTL),
		events:    make(chan event, cfg.Engine.EventChannelCapacity),
		highWater: cfg.Engine.EventChannelCapacity * 9 / 10,
		stopCh:    make(chan struct{}),
	}
	e.stats.startedAt = time.Now()

	accounts, err := st.LoadAccounts()
	if err != nil {
		return nil, fmt.Errorf("reload accounts: %w", err)
	}
	for _, a := range accounts {
		e.settler.RestoreAccount(a)
	}
	positions, err := st.LoadPositions()
	if err != nil {
		return nil, fmt.Errorf("reload positions: %w", err)
	}
	for _, p := range positions {
		e.settler.RestorePosition(p)
	}
	orders, err := st.LoadOpenOrders()
	if err != nil {
		return nil, fmt.Errorf("reload orders: %w", err)
	}
	for i := range orders {
		o := orders[i]
		if err := e.book.Insert(&o); err != nil {
			return nil, fmt.Errorf("reload order %s: %w", o.ID, err)
		}
	}
	metrics.ActiveOrders.Set(float64(e.book.Len()))

	e.logger.Info("state reloaded",
		"accounts", len(accounts),
		"positions", len(positions),
		"open_orders", len(orders),
	)
	return e, nil
}

// Start launches the event loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop refuses new work, drains in-flight events up to the configured drain
// timeout, and waits for the loop to exit.
func (e *Engine) Stop() {
	e.shuttingDown.Store(true)
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Alerts exposes settlement's operator alert channel.
func (e *Engine) Alerts() <-chan settle.Alert { return e.settler.Alerts() }

// ————————————————————————————————————————————————————————————————————————
// Producers
// ————————————————————————————————————————————————————————————————————————

// EnqueueTick offers a quote to the loop without blocking. A false return
// tells the feed to coalesce: hold the quote and retry, letting any fresher
// one for the same symbol supersede it.
func (e *Engine) EnqueueTick(q types.Quote) bool {
	if e.shuttingDown.Load() {
		return true // accept-and-drop: the feed must not spin during drain
	}
	ev := event{kind: evTick, enqueuedNs: time.Now().UnixNano(), quote: q}
	select {
	case e.events <- ev:
		metrics.QueueDepth.Set(float64(len(e.events)))
		return true
	default:
		metrics.EventsDropped.Inc()
		return false
	}
}

// SubmitOrder validates a request, enqueues it, and waits for the loop's
// decision. Fails fast with ErrBusy at the high-water mark and with
// ErrShutdown once shutdown has begun; ctx expiry yields ErrTimeout.
func (e *Engine) SubmitOrder(ctx context.Context, ownerID string, req types.CreateOrder) (types.Order, error) {
	if err := req.Validate(); err != nil {
		metrics.RejectedSubmits.WithLabelValues("validation").Inc()
		return types.Order{}, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	sub := &submitReq{ownerID: ownerID, req: req, resp: make(chan submitResp, 1)}
	if err := e.enqueueRequest(ctx, event{kind: evSubmit, submit: sub}); err != nil {
		return types.Order{}, err
	}
	select {
	case r := <-sub.resp:
		return r.order, r.err
	case <-ctx.Done():
		return types.Order{}, ErrTimeout
	}
}

// CancelOrder cancels a live order owned by ownerID, releasing its
// reservation. Terminal orders yield ErrConflict, unknown ones ErrNotFound.
func (e *Engine) CancelOrder(ctx context.Context, ownerID, orderID string) (types.Order, error) {
	can := &cancelReq{ownerID: ownerID, orderID: orderID, resp: make(chan cancelResp, 1)}
	if err := e.enqueueRequest(ctx, event{kind: evCancel, cancel: can}); err != nil {
		return types.Order{}, err
	}
	select {
	case r := <-can.resp:
		return r.order, r.err
	case <-ctx.Done():
		return types.Order{}, ErrTimeout
	}
}

// enqueueRequest pushes a submit or cancel through the backpressure gate.
func (e *Engine) enqueueRequest(ctx context.Context, ev event) error {
	if e.shuttingDown.Load() {
		return ErrShutdown
	}
	if len(e.events) >= e.highWater {
		return ErrBusy
	}
	ev.enqueuedNs = time.Now().UnixNano()
	select {
	case e.events <- ev:
		metrics.QueueDepth.Set(float64(len(e.events)))
		return nil
	case <-ctx.Done():
		return ErrTimeout
	case <-e.stopCh:
		return ErrShutdown
	}
}

// callInLoop runs fn inside the loop and waits for it, giving the caller a
// consistent snapshot without any locking.
func (e *Engine) callInLoop(ctx context.Context, fn func()) error {
	if e.shuttingDown.Load() {
		return ErrShutdown
	}
	done := make(chan struct{})
	ev := event{kind: evCall, enqueuedNs: time.Now().UnixNano(), call: func() {
		fn()
		close(done)
	}}
	select {
	case e.events <- ev:
	case <-ctx.Done():
		return ErrTimeout
	case <-e.stopCh:
		return ErrShutdown
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

// ————————————————————————————————————————————————————————————————————————
// Queries
// ————————————————————————————————————————————————————————————————————————

// CreateAccount opens a trading account for ownerID.
func (e *Engine) CreateAccount(ctx context.Context, ownerID string, req types.CreateAccount) (types.Account, error) {
	var (
		acct types.Account
		err  error
	)
	if cerr := e.callInLoop(ctx, func() {
		acct, err = e.settler.CreateAccount(ownerID, req)
	}); cerr != nil {
		return types.Account{}, cerr
	}
	if err != nil {
		return types.Account{}, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	return acct, nil
}

// Account returns one account, owner-checked.
func (e *Engine) Account(ctx context.Context, ownerID, accountID string) (types.Account, error) {
	var (
		acct types.Account
		err  error = ErrNotFound
	)
	if cerr := e.callInLoop(ctx, func() {
		if a := e.settler.Account(accountID); a != nil && a.OwnerID == ownerID {
			acct, err = *a, nil
		}
	}); cerr != nil {
		return types.Account{}, cerr
	}
	return acct, err
}

// Accounts returns all accounts owned by ownerID.
func (e *Engine) Accounts(ctx context.Context, ownerID string) ([]types.Account, error) {
	var out []types.Account
	if err := e.callInLoop(ctx, func() {
		out = e.settler.AccountsByOwner(ownerID)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Portfolio returns a consistent snapshot of an account's holdings, marked
// against the freshest cached quotes.
func (e *Engine) Portfolio(ctx context.Context, ownerID, accountID string) (types.Portfolio, error) {
	var (
		pf  types.Portfolio
		err error = ErrNotFound
	)
	if cerr := e.callInLoop(ctx, func() {
		a := e.settler.Account(accountID)
		if a == nil || a.OwnerID != ownerID {
			return
		}
		pf = e.settler.Portfolio(accountID, func(symbol string) (decimal.Decimal, bool) {
			q, ok := e.cache.Get(symbol)
			if !ok {
				return decimal.Decimal{}, false
			}
			return q.Last, true
		})
		err = nil
	}); cerr != nil {
		return types.Portfolio{}, cerr
	}
	return pf, err
}

// Order returns one order, live or terminal, owner-checked.
func (e *Engine) Order(ctx context.Context, ownerID, orderID string) (types.Order, error) {
	var (
		ord   types.Order
		found bool
	)
	if cerr := e.callInLoop(ctx, func() {
		if o := e.book.Get(orderID); o != nil {
			ord, found = *o, true
		}
	}); cerr != nil {
		return types.Order{}, cerr
	}
	if !found {
		// Terminal orders live only in the store.
		stored, err := e.store.LoadOrder(orderID)
		if err != nil {
			return types.Order{}, err
		}
		if stored == nil {
			return types.Order{}, ErrNotFound
		}
		ord = *stored
	}
	if ord.OwnerID != ownerID {
		return types.Order{}, ErrNotFound
	}
	return ord, nil
}

// Orders returns the caller's live orders, optionally filtered by account.
func (e *Engine) Orders(ctx context.Context, ownerID, accountID string) ([]types.Order, error) {
	var out []types.Order
	if err := e.callInLoop(ctx, func() {
		for _, o := range e.book.All() {
			if o.OwnerID != ownerID {
				continue
			}
			if accountID != "" && o.AccountID != accountID {
				continue
			}
			out = append(out, *o)
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Quote returns the cached quote for a symbol. Lock-free read path outside
// the loop; staleness is bounded by the cache TTL.
func (e *Engine) Quote(symbol string) (types.Quote, bool) { return e.cache.Get(symbol) }

// Quotes returns every non-expired cached quote.
func (e *Engine) Quotes() []types.Quote { return e.cache.All() }

// Executions reads the full audit log from the store.
func (e *Engine) Executions() ([]types.ExecutionRecord, error) { return e.store.Executions() }

// Stats returns a snapshot of loop counters for the performance endpoint.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := e.callInLoop(ctx, func() {
		s = e.stats.snapshot(len(e.events), e.book.Len())
		s.QueueCapacity = cap(e.events)
		s.CachedSymbols = e.cache.Len()
	}); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// ID generation is centralized so tests can recognize engine-issued IDs.
func newOrderID() string { return uuid.NewString() }
