package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradenode/internal/config"
	"tradenode/internal/metrics"
	"tradenode/internal/settle"
	"tradenode/pkg/types"
)

// run is the event loop. The internal queue (matcher output) always drains
// before the channel is read, so executions settle immediately after the
// event that produced them.
func (e *Engine) run() {
	defer e.wg.Done()
	e.logger.Info("event loop started", "capacity", cap(e.events))

	for {
		if len(e.internalQ) > 0 {
			ev := e.internalQ[0]
			e.internalQ = e.internalQ[1:]
			e.handle(ev)
			continue
		}
		select {
		case ev := <-e.events:
			e.handle(ev)
		case <-e.stopCh:
			e.drainAndExit()
			return
		}
	}
}

// drainAndExit processes everything already enqueued, bounded by the drain
// timeout. Requests still queued when the timeout fires fail with
// ErrShutdown.
func (e *Engine) drainAndExit() {
	deadline := time.NewTimer(e.cfg.Engine.ShutdownDrainTimeout)
	defer deadline.Stop()

	for {
		if len(e.internalQ) > 0 {
			ev := e.internalQ[0]
			e.internalQ = e.internalQ[1:]
			e.handle(ev)
		} else {
			select {
			case ev := <-e.events:
				e.handle(ev)
			default:
				e.logger.Info("event loop drained", "events_processed", e.stats.processed())
				return
			}
		}

		select {
		case <-deadline.C:
			e.failRemaining()
			return
		default:
		}
	}
}

// failRemaining answers every queued request with ErrShutdown and drops the
// rest.
func (e *Engine) failRemaining() {
	dropped := 0
	for {
		select {
		case ev := <-e.events:
			switch ev.kind {
			case evSubmit:
				ev.submit.resp <- submitResp{err: ErrShutdown}
			case evCancel:
				ev.cancel.resp <- cancelResp{err: ErrShutdown}
			case evCall:
				ev.call()
			}
			dropped++
		default:
			dropped += len(e.internalQ)
			e.internalQ = nil
			e.logger.Warn("drain timeout, events dropped", "count", dropped)
			return
		}
	}
}

func (e *Engine) handle(ev event) {
	start := time.Now()
	metrics.EventsTotal.WithLabelValues(string(ev.kind)).Inc()
	metrics.QueueDepth.Set(float64(len(e.events)))

	switch ev.kind {
	case evTick:
		e.handleTick(ev)
	case evSubmit:
		e.handleSubmit(ev)
	case evCancel:
		e.handleCancel(ev)
	case evExecute:
		e.handleExecute(ev)
	case evCall:
		ev.call()
	}

	dur := time.Since(start)
	metrics.EventLatency.WithLabelValues(string(ev.kind)).Observe(dur.Seconds())
	e.stats.observe(ev.kind)
	if dur > e.cfg.Engine.SlowEventThreshold {
		e.stats.slow++
		metrics.SlowEvents.WithLabelValues(string(ev.kind)).Inc()
		e.logger.Warn("slow event",
			"kind", ev.kind,
			"duration", dur,
			"threshold", e.cfg.Engine.SlowEventThreshold,
		)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Handlers
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) handleTick(ev event) {
	q := ev.quote
	if err := q.Validate(); err != nil {
		e.logger.Warn("invalid quote dropped", "error", err)
		return
	}
	e.cache.Set(q)
	e.settler.MarkPositions(q)

	live := e.book.BySymbol(q.Symbol)
	if len(live) == 0 {
		return
	}
	for _, x := range e.matcher.Evaluate(q, live) {
		e.internalQ = append(e.internalQ, event{
			kind:       evExecute,
			enqueuedNs: ev.enqueuedNs,
			exec:       &execReq{orderID: x.OrderID, price: x.Price, qty: x.Qty},
		})
	}
}

func (e *Engine) handleSubmit(ev event) {
	sub := ev.submit
	ord, err := e.admitOrder(sub.ownerID, sub.req)
	if err != nil {
		sub.resp <- submitResp{err: err}
		return
	}

	metrics.ActiveOrders.Set(float64(e.book.Len()))
	e.stats.submitted++
	e.logger.Info("order submitted",
		"order_id", ord.ID,
		"account_id", ord.AccountID,
		"symbol", ord.Symbol,
		"kind", ord.Kind,
		"side", ord.Side,
		"qty", ord.Qty,
	)

	// A fresh cached quote lets immediately-executable orders fill without
	// waiting for the next tick.
	if q, ok := e.cache.Get(ord.Symbol); ok {
		for _, x := range e.matcher.Evaluate(q, []*types.Order{ord}) {
			e.internalQ = append(e.internalQ, event{
				kind:       evExecute,
				enqueuedNs: ev.enqueuedNs,
				exec:       &execReq{orderID: x.OrderID, price: x.Price, qty: x.Qty},
			})
		}
	}

	sub.resp <- submitResp{order: *ord}
}

// admitOrder validates ownership, prices the reservation, reserves funds,
// journals the order, and inserts it into the book.
func (e *Engine) admitOrder(ownerID string, req types.CreateOrder) (*types.Order, error) {
	acct := e.settler.Account(req.AccountID)
	if acct == nil || acct.OwnerID != ownerID {
		metrics.RejectedSubmits.WithLabelValues("unknown_account").Inc()
		return nil, ErrNotFound
	}
	if !acct.Active {
		metrics.RejectedSubmits.WithLabelValues("inactive_account").Inc()
		return nil, fmt.Errorf("%w: account %s is inactive", ErrValidation, acct.ID)
	}

	now := time.Now()
	ord := &types.Order{
		ID:         newOrderID(),
		OwnerID:    ownerID,
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Kind:       req.Kind,
		Side:       req.Side,
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Status:     types.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if ord.Side == types.Buy {
		refPrice, err := e.reservationPrice(req)
		if err != nil {
			metrics.RejectedSubmits.WithLabelValues("no_reference_price").Inc()
			return nil, err
		}
		ord.ReservedPrice = refPrice
		if err := e.settler.Reserve(ord); err != nil {
			metrics.RejectedSubmits.WithLabelValues("insufficient_balance").Inc()
			return nil, err
		}
	}

	if err := e.store.SaveOrder(*ord); err != nil {
		e.settler.Release(ord)
		return nil, fmt.Errorf("journal order: %w", err)
	}
	if err := e.book.Insert(ord); err != nil {
		e.settler.Release(ord)
		return nil, err
	}
	return ord, nil
}

// reservationPrice resolves the buy-side reference price under the
// configured policy. A submit with no resolvable price is refused, never
// priced at a made-up constant.
func (e *Engine) reservationPrice(req types.CreateOrder) (decimal.Decimal, error) {
	policy := e.cfg.Trading.ReservationPricePolicy

	if policy == config.ReserveExplicit {
		if !req.ReservationPrice.IsPositive() {
			return decimal.Decimal{}, fmt.Errorf("%w: reservation_price is required under the explicit policy", ErrValidation)
		}
		return req.ReservationPrice, nil
	}
	if policy == config.ReserveLimitPrice && req.Kind.NeedsLimitPrice() {
		return req.LimitPrice, nil
	}
	// limit_price falls back to the freshest ask for market and stop orders;
	// last_tick always uses it.
	q, ok := e.cache.Get(req.Symbol)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: no market data for %s to price the reservation", ErrValidation, req.Symbol)
	}
	return q.Ask, nil
}

func (e *Engine) handleCancel(ev event) {
	can := ev.cancel
	ord := e.book.Get(can.orderID)
	if ord == nil {
		// Distinguish unknown from already-terminal.
		stored, err := e.store.LoadOrder(can.orderID)
		switch {
		case err != nil:
			can.resp <- cancelResp{err: err}
		case stored == nil || stored.OwnerID != can.ownerID:
			can.resp <- cancelResp{err: ErrNotFound}
		default:
			can.resp <- cancelResp{err: ErrConflict}
		}
		return
	}
	if ord.OwnerID != can.ownerID {
		can.resp <- cancelResp{err: ErrNotFound}
		return
	}

	e.settler.Release(ord)
	ord.Status = types.StatusCancelled
	ord.UpdatedAt = time.Now()
	if err := e.store.SaveOrder(*ord); err != nil {
		e.logger.Warn("journal cancelled order failed", "order_id", ord.ID, "error", err)
	}
	e.book.Remove(ord.ID)
	metrics.ActiveOrders.Set(float64(e.book.Len()))
	e.stats.cancelled++

	e.logger.Info("order cancelled", "order_id", ord.ID, "symbol", ord.Symbol)
	can.resp <- cancelResp{order: *ord}
}

func (e *Engine) handleExecute(ev event) {
	dequeuedNs := time.Now().UnixNano()
	req := ev.exec
	ord := e.book.Get(req.orderID)
	if ord == nil {
		// Order left the book between emission and settlement; idempotent drop.
		return
	}

	rec, err := e.settler.Apply(context.Background(), settle.Execution{
		Order:      ord,
		Price:      req.price,
		Qty:        req.qty,
		EnqueuedNs: ev.enqueuedNs,
		DequeuedNs: dequeuedNs,
	})
	if err != nil {
		// Rolled back; the order stays live and re-matches on a later tick.
		metrics.SettlementRollbacks.Inc()
		return
	}
	if rec != nil {
		metrics.ExecutionsTotal.WithLabelValues(string(rec.Side)).Inc()
		e.stats.recordExecution(rec.ProcessingLatencyNs)
	}

	if ord.Status.IsTerminal() {
		e.book.Remove(ord.ID)
		metrics.ActiveOrders.Set(float64(e.book.Len()))
		switch ord.Status {
		case types.StatusFilled:
			e.stats.filled++
		case types.StatusRejected:
			e.stats.rejected++
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Loop counters
// ————————————————————————————————————————————————————————————————————————

// loopStats is mutated only by the loop; snapshots go out through a call
// event.
type loopStats struct {
	startedAt time.Time

	byKind     map[eventKind]uint64
	slow       uint64
	submitted  uint64
	filled     uint64
	cancelled  uint64
	rejected   uint64
	executions uint64

	totalExecLatencyNs int64
	maxExecLatencyNs   int64
}

func (s *loopStats) observe(kind eventKind) {
	if s.byKind == nil {
		s.byKind = make(map[eventKind]uint64)
	}
	s.byKind[kind]++
}

func (s *loopStats) recordExecution(latencyNs int64) {
	s.executions++
	s.totalExecLatencyNs += latencyNs
	if latencyNs > s.maxExecLatencyNs {
		s.maxExecLatencyNs = latencyNs
	}
}

func (s *loopStats) processed() uint64 {
	var n uint64
	for _, c := range s.byKind {
		n += c
	}
	return n
}

// Stats is the performance snapshot served by the API.
type Stats struct {
	UptimeSeconds    float64           `json:"uptime_seconds"`
	EventsProcessed  uint64            `json:"events_processed"`
	EventsByKind     map[string]uint64 `json:"events_by_kind"`
	QueueDepth       int               `json:"queue_depth"`
	QueueCapacity    int               `json:"queue_capacity"`
	ActiveOrders     int               `json:"active_orders"`
	CachedSymbols    int               `json:"cached_symbols"`
	OrdersSubmitted  uint64            `json:"orders_submitted"`
	OrdersFilled     uint64            `json:"orders_filled"`
	OrdersCancelled  uint64            `json:"orders_cancelled"`
	OrdersRejected   uint64            `json:"orders_rejected"`
	Executions       uint64            `json:"executions"`
	SlowEvents       uint64            `json:"slow_events"`
	AvgExecLatencyNs int64             `json:"avg_exec_latency_ns"`
	MaxExecLatencyNs int64             `json:"max_exec_latency_ns"`
}

func (s *loopStats) snapshot(queueDepth, activeOrders int) Stats {
	out := Stats{
		UptimeSeconds:    time.Since(s.startedAt).Seconds(),
		EventsProcessed:  s.processed(),
		EventsByKind:     make(map[string]uint64, len(s.byKind)),
		QueueDepth:       queueDepth,
		ActiveOrders:     activeOrders,
		OrdersSubmitted:  s.submitted,
		OrdersFilled:     s.filled,
		OrdersCancelled:  s.cancelled,
		OrdersRejected:   s.rejected,
		Executions:       s.executions,
		SlowEvents:       s.slow,
		MaxExecLatencyNs: s.maxExecLatencyNs,
	}
	for k, v := range s.byKind {
		out.EventsByKind[string(k)] = v
	}
	if s.executions > 0 {
		out.AvgExecLatencyNs = s.totalExecLatencyNs / int64(s.executions)
	}
	return out
}
