// Package match decides which live orders become executable on each tick.
//
// The matcher never touches balances or positions: for every order it deems
// executable it emits one Execution {orderID, price, remaining qty} that the
// event loop feeds to settlement. Partial fills are never initiated here —
// they only arise when settlement shrinks the executed quantity under
// balance gating.
//
// Executability rules by kind:
//
//	market:      always; buys at ask, sells at bid
//	limit buy:   ask ≤ limit, fills at limit
//	limit sell:  bid ≥ limit, fills at limit
//	stop buy:    last ≥ stop latches the trigger, then market rules
//	stop sell:   last ≤ stop latches the trigger, then market rules
//	stop-limit:  stop rule latches the trigger, then limit rules
//
// Evaluate is called only from the event loop and may mutate order state
// (pending → open, stop trigger latch).
package match

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradenode/pkg/types"
)

// Execution is the matcher's instruction to settle an order at a price.
// Qty is the order's remaining quantity at evaluation time.
type Execution struct {
	OrderID string
	Price   decimal.Decimal
	Qty     decimal.Decimal
}

// Matcher evaluates live orders against incoming quotes.
type Matcher struct {
	logger *slog.Logger
}

// New creates a matcher.
func New(logger *slog.Logger) *Matcher {
	return &Matcher{logger: logger.With("component", "matcher")}
}

// Evaluate scans the given orders (insertion order) against a quote and
// returns the executions to apply, preserving that order. Orders evaluated
// for the first time move pending → open when they do not execute.
func (m *Matcher) Evaluate(q types.Quote, orders []*types.Order) []Execution {
	var execs []Execution

	for _, o := range orders {
		price, ok := m.executable(q, o)
		if !ok {
			if o.Status == types.StatusPending {
				o.Status = types.StatusOpen
				o.UpdatedAt = time.Now()
			}
			continue
		}
		execs = append(execs, Execution{
			OrderID: o.ID,
			Price:   price,
			Qty:     o.RemainingQty(),
		})
	}

	return execs
}

// executable returns the fill price for an order against a quote, or false.
func (m *Matcher) executable(q types.Quote, o *types.Order) (decimal.Decimal, bool) {
	switch o.Kind {
	case types.Market:
		return marketPrice(q, o.Side), true

	case types.Limit:
		return limitPrice(q, o)

	case types.Stop:
		if !m.stopCrossed(q, o) {
			return decimal.Decimal{}, false
		}
		return marketPrice(q, o.Side), true

	case types.StopLimit:
		if !m.stopCrossed(q, o) {
			return decimal.Decimal{}, false
		}
		return limitPrice(q, o)
	}
	return decimal.Decimal{}, false
}

// stopCrossed checks the latched trigger, latching it when last crosses the
// stop price for the first time.
func (m *Matcher) stopCrossed(q types.Quote, o *types.Order) bool {
	if o.StopTriggered {
		return true
	}
	crossed := false
	if o.Side == types.Buy {
		crossed = q.Last.GreaterThanOrEqual(o.StopPrice)
	} else {
		crossed = q.Last.LessThanOrEqual(o.StopPrice)
	}
	if crossed {
		o.StopTriggered = true
		o.UpdatedAt = time.Now()
		m.logger.Debug("stop triggered",
			"order_id", o.ID,
			"symbol", o.Symbol,
			"side", o.Side,
			"stop_price", o.StopPrice,
			"last", q.Last,
		)
	}
	return crossed
}

func marketPrice(q types.Quote, side types.Side) decimal.Decimal {
	if side == types.Buy {
		return q.Ask
	}
	return q.Bid
}

func limitPrice(q types.Quote, o *types.Order) (decimal.Decimal, bool) {
	if o.Side == types.Buy {
		if q.Ask.LessThanOrEqual(o.LimitPrice) {
			return o.LimitPrice, true
		}
	} else {
		if q.Bid.GreaterThanOrEqual(o.LimitPrice) {
			return o.LimitPrice, true
		}
	}
	return decimal.Decimal{}, false
}
