package engine

import (
	"github.com/shopspring/decimal"

	"tradenode/pkg/types"
)

// eventKind labels the typed events flowing through the loop channel.
type eventKind string

const (
	evTick    eventKind = "marketTick"
	evSubmit  eventKind = "submitOrder"
	evCancel  eventKind = "cancelOrder"
	evExecute eventKind = "executeOrder"
	evCall    eventKind = "call"
)

// event is the single envelope read by the loop. Exactly one payload field
// is set, selected by kind. enqueuedNs is stamped by the producer and is
// the basis for end-to-end latency accounting.
type event struct {
	kind       eventKind
	enqueuedNs int64

	quote  types.Quote
	submit *submitReq
	cancel *cancelReq
	exec   *execReq
	call   func()
}

// submitReq carries an order submission into the loop. The response channel
// is buffered so the loop never blocks on a caller that gave up.
type submitReq struct {
	ownerID string
	req     types.CreateOrder
	resp    chan submitResp
}

type submitResp struct {
	order types.Order
	err   error
}

// cancelReq carries a cancellation into the loop.
type cancelReq struct {
	ownerID string
	orderID string
	resp    chan cancelResp
}

type cancelResp struct {
	order types.Order
	err   error
}

// execReq instructs settlement to fill an order. Emitted only by the loop
// itself, from matcher output, onto the internal queue.
type execReq struct {
	orderID string
	price   decimal.Decimal
	qty     decimal.Decimal
}
