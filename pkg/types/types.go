// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading node: quotes,
// accounts, orders, positions, and execution records. It has no dependencies
// on internal packages, so it can be imported by any layer.
//
// All monetary values (prices, quantities, balances, commissions, PnL) are
// shopspring decimals at scale 8; float64 never appears in a money path.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderKind enumerates the supported order types.
type OrderKind string

const (
	Market    OrderKind = "market"     // execute immediately at best opposite price
	Limit     OrderKind = "limit"      // execute at limit price or better
	Stop      OrderKind = "stop"       // becomes market once last crosses stop price
	StopLimit OrderKind = "stop_limit" // becomes limit once last crosses stop price
)

// NeedsLimitPrice reports whether the kind requires a limit price.
func (k OrderKind) NeedsLimitPrice() bool { return k == Limit || k == StopLimit }

// NeedsStopPrice reports whether the kind requires a stop price.
func (k OrderKind) NeedsStopPrice() bool { return k == Stop || k == StopLimit }

// OrderStatus is the order lifecycle state machine.
//
//	pending → open              first tick evaluation without a fill
//	pending|open → partially_filled
//	pending|open|partially_filled → filled | cancelled | rejected (terminal)
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether the status is final. Terminal orders never
// appear in the live book.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// IsOpen reports whether an order with this status belongs in the live book.
func (s OrderStatus) IsOpen() bool { return !s.IsTerminal() }

// AccountKind identifies the flavor of a trading account.
type AccountKind string

const (
	AccountDemo  AccountKind = "demo"
	AccountLive  AccountKind = "live"
	AccountPaper AccountKind = "paper"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Quote is a snapshot of one symbol's current market state. A new Quote for
// a symbol wholly supersedes the previous one; no history is kept in core.
//
// Invariant: Bid ≤ Last ≤ Ask.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Last          decimal.Decimal `json:"last"`
	Volume        decimal.Decimal `json:"volume"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Validate checks the quote invariants.
func (q Quote) Validate() error {
	if q.Symbol == "" {
		return errors.New("quote: empty symbol")
	}
	if q.Bid.GreaterThan(q.Last) || q.Last.GreaterThan(q.Ask) {
		return fmt.Errorf("quote %s: bid %s <= last %s <= ask %s violated",
			q.Symbol, q.Bid, q.Last, q.Ask)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// Account is a trading account. Balance and AvailableBalance change only
// inside the event loop (reservation at submit, settlement on execution).
//
// Invariants after any applied event:
//
//	AvailableBalance ≥ 0
//	AvailableBalance ≤ Balance
type Account struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	Kind             AccountKind     `json:"kind"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Equity           decimal.Decimal `json:"equity"`
	Margin           decimal.Decimal `json:"margin"`
	FreeMargin       decimal.Decimal `json:"free_margin"`
	MarginLevel      decimal.Decimal `json:"margin_level"`
	Leverage         int             `json:"leverage"`
	Currency         string          `json:"currency"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CreateAccount is the request payload for opening a new account.
type CreateAccount struct {
	Kind           AccountKind     `json:"kind"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Currency       string          `json:"currency"`
	Leverage       int             `json:"leverage"`
}

// Validate checks the request fields.
func (c CreateAccount) Validate() error {
	switch c.Kind {
	case AccountDemo, AccountLive, AccountPaper:
	default:
		return fmt.Errorf("account kind %q is not one of demo, live, paper", c.Kind)
	}
	if c.InitialBalance.IsNegative() {
		return errors.New("initial balance must not be negative")
	}
	if c.Leverage < 0 {
		return errors.New("leverage must not be negative")
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is a live or historical order. While open it is exclusively owned
// by the order book; once terminal it belongs to the durable store only.
//
// ReservedPrice is the reference price used to debit AvailableBalance at
// submit time for buy orders. The outstanding reservation at any moment is
// ReservedPrice × (Qty − FilledQty); it is released slice by slice as fills
// settle, and in full on cancel or reject.
type Order struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Kind       OrderKind       `json:"kind"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"`
	Status     OrderStatus     `json:"status"`
	FilledQty  decimal.Decimal `json:"filled_qty"`
	AvgPrice   decimal.Decimal `json:"avg_price,omitempty"`
	Commission decimal.Decimal `json:"commission"`

	ReservedPrice decimal.Decimal `json:"reserved_price,omitempty"`

	// StopTriggered latches once the stop condition of a stop or stop-limit
	// order has been crossed; from then on the order behaves as a market or
	// limit order respectively.
	StopTriggered bool `json:"stop_triggered,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExecutedAt time.Time `json:"executed_at,omitempty"`
}

// RemainingQty returns Qty − FilledQty.
func (o *Order) RemainingQty() decimal.Decimal { return o.Qty.Sub(o.FilledQty) }

// OutstandingReservation returns the buy-side amount still held against
// AvailableBalance. Zero for sells.
func (o *Order) OutstandingReservation() decimal.Decimal {
	if o.Side != Buy {
		return decimal.Zero
	}
	return o.ReservedPrice.Mul(o.RemainingQty())
}

// CreateOrder is the request payload for submitting a new order.
// ReservationPrice is only consulted when the node runs with the explicit
// reservation price policy.
type CreateOrder struct {
	AccountID        string          `json:"account_id"`
	Symbol           string          `json:"symbol"`
	Kind             OrderKind       `json:"kind"`
	Side             Side            `json:"side"`
	Qty              decimal.Decimal `json:"qty"`
	LimitPrice       decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice        decimal.Decimal `json:"stop_price,omitempty"`
	ReservationPrice decimal.Decimal `json:"reservation_price,omitempty"`
}

// Validate checks the request fields. Balance and ownership checks happen
// later, inside the event loop.
func (c CreateOrder) Validate() error {
	if c.AccountID == "" {
		return errors.New("account_id is required")
	}
	if c.Symbol == "" {
		return errors.New("symbol is required")
	}
	switch c.Kind {
	case Market, Limit, Stop, StopLimit:
	default:
		return fmt.Errorf("order kind %q is not one of market, limit, stop, stop_limit", c.Kind)
	}
	switch c.Side {
	case Buy, Sell:
	default:
		return fmt.Errorf("side %q is not one of buy, sell", c.Side)
	}
	if !c.Qty.IsPositive() {
		return errors.New("qty must be positive")
	}
	if c.Kind.NeedsLimitPrice() && !c.LimitPrice.IsPositive() {
		return fmt.Errorf("%s orders require a positive limit_price", c.Kind)
	}
	if c.Kind.NeedsStopPrice() && !c.StopPrice.IsPositive() {
		return fmt.Errorf("%s orders require a positive stop_price", c.Kind)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is the net holding of one account in one symbol. At most one
// Position exists per (account, symbol); it is deleted when Qty reaches zero.
type Position struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Commission    decimal.Decimal `json:"commission"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MarkToMarket recomputes CurrentPrice and UnrealizedPnL against the given
// price: (price − avg) × qty for longs, negated for shorts.
func (p *Position) MarkToMarket(price decimal.Decimal) {
	p.CurrentPrice = price
	diff := price.Sub(p.AvgPrice)
	if p.Side == Sell {
		diff = diff.Neg()
	}
	p.UnrealizedPnL = diff.Mul(p.Qty)
}

// Portfolio is a consistent snapshot of one account's holdings, produced by
// a read event through the loop.
type Portfolio struct {
	AccountID      string          `json:"account_id"`
	TotalValue     decimal.Decimal `json:"total_value"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	Positions      []Position      `json:"positions"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Executions
// ————————————————————————————————————————————————————————————————————————

// ExecutionRecord is the immutable audit row appended for every fill.
// It is the single source of truth for auditing executions.
type ExecutionRecord struct {
	OrderID             string          `json:"order_id"`
	AccountID           string          `json:"account_id"`
	Symbol              string          `json:"symbol"`
	Side                Side            `json:"side"`
	Qty                 decimal.Decimal `json:"qty"`
	Price               decimal.Decimal `json:"price"`
	Commission          decimal.Decimal `json:"commission"`
	SubmittedAtNs       int64           `json:"submitted_at_ns"`
	ExecutedAtNs        int64           `json:"executed_at_ns"`
	ProcessingLatencyNs int64           `json:"processing_latency_ns"`
}

// ExecutionEvent is the JSON payload published on the trading.order.executed
// channel. Consumers must be idempotent on OrderID; at-most-once delivery is
// not guaranteed.
type ExecutionEvent struct {
	OrderID              string          `json:"orderId"`
	OwnerID              string          `json:"ownerId"`
	AccountID            string          `json:"accountId"`
	Symbol               string          `json:"symbol"`
	Side                 Side            `json:"side"`
	Qty                  decimal.Decimal `json:"qty"`
	ExecutionPrice       decimal.Decimal `json:"executionPrice"`
	Commission           decimal.Decimal `json:"commission"`
	ExecutedAt           string          `json:"executedAt"` // ISO-8601
	ExecutionTimestampNs int64           `json:"executionTimestampNs"`
	ProcessingLatencyNs  int64           `json:"processingLatencyNs"`
}
