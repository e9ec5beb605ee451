package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradenode/internal/config"
	"tradenode/internal/settle"
	"tradenode/internal/store"
	"tradenode/pkg/types"
)

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, types.ExecutionEvent) error { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.EventChannelCapacity = 256
	cfg.Trading.RetryBaseWait = time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, dir string) *Engine {
	t.Helper()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := New(cfg, logger, st, noopPublisher{})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func startTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng := newTestEngine(t, testConfig(), t.TempDir())
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng
}

func ctxShort(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustAccount(t *testing.T, eng *Engine, owner, balance string) types.Account {
	t.Helper()
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		t.Fatal(err)
	}
	acct, err := eng.CreateAccount(ctxShort(t), owner, types.CreateAccount{
		Kind:           types.AccountDemo,
		InitialBalance: bal,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acct
}

func tick(symbol string, bid, last, ask float64) types.Quote {
	return types.Quote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(bid),
		Last:      decimal.NewFromFloat(last),
		Ask:       decimal.NewFromFloat(ask),
		Timestamp: time.Now(),
	}
}

func feedTick(t *testing.T, eng *Engine, q types.Quote) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !eng.EnqueueTick(q) {
		if time.Now().After(deadline) {
			t.Fatal("EnqueueTick refused for 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

// waitOrderStatus polls through the loop until the order reaches status.
func waitOrderStatus(t *testing.T, eng *Engine, owner, orderID string, status types.OrderStatus) types.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ord, err := eng.Order(ctxShort(t), owner, orderID)
		if err == nil && ord.Status == status {
			return ord
		}
		if time.Now().After(deadline) {
			t.Fatalf("order %s never reached %s (last: %+v, err: %v)", orderID, status, ord, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestLimitBuyFillsOnCrossingTick(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "10000")

	ord, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
		AccountID:  acct.ID,
		Symbol:     "EURUSD",
		Kind:       types.Limit,
		Side:       types.Buy,
		Qty:        decimal.NewFromInt(10),
		LimitPrice: decimal.NewFromInt(110),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	// Reservation debited at the limit price: 10000 − 1100.
	got, err := eng.Account(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.NewFromInt(8900); !got.AvailableBalance.Equal(want) {
		t.Errorf("available after submit = %s, want %s", got.AvailableBalance, want)
	}

	// Non-crossing tick: order stays open.
	feedTick(t, eng, tick("EURUSD", 110.5, 110.6, 110.7))
	waitOrderStatus(t, eng, "user1", ord.ID, types.StatusOpen)

	// Crossing tick: ask reaches the limit, fill at the limit price.
	feedTick(t, eng, tick("EURUSD", 109.8, 109.9, 110))
	filled := waitOrderStatus(t, eng, "user1", ord.ID, types.StatusFilled)
	if !filled.AvgPrice.Equal(decimal.NewFromInt(110)) {
		t.Errorf("avg price = %s, want limit 110", filled.AvgPrice)
	}

	// 10000 − 1100 − 1.1 commission, reservation fully released.
	got, err = eng.Account(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := decimal.NewFromFloat(8898.9)
	if !got.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s", got.Balance, want)
	}
	if !got.AvailableBalance.Equal(want) {
		t.Errorf("available = %s, want %s", got.AvailableBalance, want)
	}

	// Filled order leaves the live book but stays queryable from the store.
	live, err := eng.Orders(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 {
		t.Errorf("live orders after fill = %d, want 0", len(live))
	}
}

func TestMarketBuyFillsFromCachedQuote(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "10000")

	feedTick(t, eng, tick("EURUSD", 1.0998, 1.1000, 1.1002))
	// Let the tick land so the cache holds a reference price.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := eng.Quote("EURUSD"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tick never reached the cache")
		}
		time.Sleep(time.Millisecond)
	}

	ord, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
		AccountID: acct.ID,
		Symbol:    "EURUSD",
		Kind:      types.Market,
		Side:      types.Buy,
		Qty:       decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	filled := waitOrderStatus(t, eng, "user1", ord.ID, types.StatusFilled)
	if !filled.AvgPrice.Equal(decimal.NewFromFloat(1.1002)) {
		t.Errorf("avg price = %s, want cached ask 1.1002", filled.AvgPrice)
	}

	// 10000 - 100x1.1002 - 0.1% commission, to the last decimal place.
	after, err := eng.Account(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	want := decimal.RequireFromString("9889.86998")
	if !after.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s", after.Balance, want)
	}
	if !after.AvailableBalance.Equal(want) {
		t.Errorf("available = %s, want %s", after.AvailableBalance, want)
	}
}

func TestCancelRestoresReservation(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "10000")

	ord, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
		AccountID:  acct.ID,
		Symbol:     "EURUSD",
		Kind:       types.Limit,
		Side:       types.Buy,
		Qty:        decimal.NewFromInt(10),
		LimitPrice: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	cancelled, err := eng.CancelOrder(ctxShort(t), "user1", ord.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	got, err := eng.Account(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.NewFromInt(10000); !got.AvailableBalance.Equal(want) {
		t.Errorf("available after cancel = %s, want restored %s", got.AvailableBalance, want)
	}

	// Cancelling a terminal order is a conflict, not a repeat.
	if _, err := eng.CancelOrder(ctxShort(t), "user1", ord.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("second cancel err = %v, want ErrConflict", err)
	}
}

func TestStopBuyLatchesAndFills(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "100000")

	// Seed the cache so the stop order's reservation can be priced.
	feedTick(t, eng, tick("BTCUSD", 64990, 65000, 65010))

	var ord types.Order
	deadline := time.Now().Add(2 * time.Second)
	for {
		var err error
		ord, err = eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
			AccountID: acct.ID,
			Symbol:    "BTCUSD",
			Kind:      types.Stop,
			Side:      types.Buy,
			Qty:       decimal.NewFromFloat(1),
			StopPrice: decimal.NewFromInt(65100),
		})
		if err == nil {
			break
		}
		// The cache may not hold the quote yet.
		if !errors.Is(err, ErrValidation) || time.Now().After(deadline) {
			t.Fatalf("SubmitOrder: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	// Below the stop: stays open.
	feedTick(t, eng, tick("BTCUSD", 65040, 65050, 65060))
	waitOrderStatus(t, eng, "user1", ord.ID, types.StatusOpen)

	// Last crosses the stop: fills at that tick's ask.
	feedTick(t, eng, tick("BTCUSD", 65090, 65100, 65110))
	filled := waitOrderStatus(t, eng, "user1", ord.ID, types.StatusFilled)
	if !filled.AvgPrice.Equal(decimal.NewFromInt(65110)) {
		t.Errorf("avg price = %s, want trigger tick ask 65110", filled.AvgPrice)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "10000")

	tests := []struct {
		name string
		req  types.CreateOrder
		want error
	}{
		{
			name: "unknown account",
			req: types.CreateOrder{
				AccountID: "nope", Symbol: "EURUSD", Kind: types.Market,
				Side: types.Sell, Qty: decimal.NewFromInt(1),
			},
			want: ErrNotFound,
		},
		{
			name: "limit without limit price",
			req: types.CreateOrder{
				AccountID: acct.ID, Symbol: "EURUSD", Kind: types.Limit,
				Side: types.Buy, Qty: decimal.NewFromInt(1),
			},
			want: ErrValidation,
		},
		{
			name: "non-positive qty",
			req: types.CreateOrder{
				AccountID: acct.ID, Symbol: "EURUSD", Kind: types.Market,
				Side: types.Buy, Qty: decimal.Zero,
			},
			want: ErrValidation,
		},
		{
			name: "market buy with no market data",
			req: types.CreateOrder{
				AccountID: acct.ID, Symbol: "XAUUSD", Kind: types.Market,
				Side: types.Buy, Qty: decimal.NewFromInt(1),
			},
			want: ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.SubmitOrder(ctxShort(t), "user1", tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmitRefusedOnInsufficientBalance(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "100")

	_, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
		AccountID:  acct.ID,
		Symbol:     "EURUSD",
		Kind:       types.Limit,
		Side:       types.Buy,
		Qty:        decimal.NewFromInt(10),
		LimitPrice: decimal.NewFromInt(110),
	})
	if !errors.Is(err, settle.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	got, err := eng.Account(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.NewFromInt(100); !got.AvailableBalance.Equal(want) {
		t.Errorf("available = %s after refused submit, want %s", got.AvailableBalance, want)
	}
}

func TestBusyAtHighWaterMark(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.EventChannelCapacity = 10
	eng := newTestEngine(t, cfg, t.TempDir()) // loop intentionally not started

	for i := 0; i < 9; i++ {
		if !eng.EnqueueTick(tick("EURUSD", 1.0998, 1.1000, 1.1002)) {
			t.Fatalf("tick %d refused below capacity", i)
		}
	}

	_, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
		AccountID: "acct", Symbol: "EURUSD", Kind: types.Market,
		Side: types.Sell, Qty: decimal.NewFromInt(1),
	})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestTickRefusedWhenChannelFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.EventChannelCapacity = 4
	eng := newTestEngine(t, cfg, t.TempDir()) // loop intentionally not started

	for i := 0; i < 4; i++ {
		if !eng.EnqueueTick(tick("EURUSD", 1.0998, 1.1000, 1.1002)) {
			t.Fatalf("tick %d refused below capacity", i)
		}
	}
	if eng.EnqueueTick(tick("EURUSD", 1.0998, 1.1000, 1.1002)) {
		t.Error("tick accepted on a full channel, want refusal for coalescing")
	}
}

func TestShutdownRefusesNewWork(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, testConfig(), t.TempDir())
	eng.Start()
	eng.Stop()

	_, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
		AccountID: "acct", Symbol: "EURUSD", Kind: types.Market,
		Side: types.Sell, Qty: decimal.NewFromInt(1),
	})
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestRequestTimesOutWhenLoopStalls(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, testConfig(), t.TempDir()) // loop intentionally not started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := eng.Stats(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestColdBootReloadsState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	eng := newTestEngine(t, testConfig(), dir)
	eng.Start()
	acct := mustAccount(t, eng, "user1", "10000")
	ord, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
		AccountID:  acct.ID,
		Symbol:     "EURUSD",
		Kind:       types.Limit,
		Side:       types.Buy,
		Qty:        decimal.NewFromInt(10),
		LimitPrice: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	eng.Stop()

	reborn := newTestEngine(t, testConfig(), dir)
	reborn.Start()
	t.Cleanup(reborn.Stop)

	got, err := reborn.Account(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatalf("account not reloaded: %v", err)
	}
	if want := decimal.NewFromInt(9500); !got.AvailableBalance.Equal(want) {
		t.Errorf("reloaded available = %s, want %s with the reservation intact", got.AvailableBalance, want)
	}

	live, err := reborn.Orders(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].ID != ord.ID {
		t.Fatalf("reloaded live orders = %+v, want [%s]", live, ord.ID)
	}

	// The reloaded order still cancels cleanly.
	if _, err := reborn.CancelOrder(ctxShort(t), "user1", ord.ID); err != nil {
		t.Fatalf("cancel after reload: %v", err)
	}
}

func TestExecutionsAuditedInOrder(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "100000")

	feedTick(t, eng, tick("EURUSD", 1.0998, 1.1000, 1.1002))

	var ids []string
	for i := 0; i < 3; i++ {
		deadline := time.Now().Add(2 * time.Second)
		for {
			ord, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
				AccountID: acct.ID,
				Symbol:    "EURUSD",
				Kind:      types.Market,
				Side:      types.Buy,
				Qty:       decimal.NewFromInt(1),
			})
			if err == nil {
				ids = append(ids, ord.ID)
				break
			}
			if !errors.Is(err, ErrValidation) || time.Now().After(deadline) {
				t.Fatalf("SubmitOrder %d: %v", i, err)
			}
			time.Sleep(time.Millisecond)
		}
	}
	for _, id := range ids {
		waitOrderStatus(t, eng, "user1", id, types.StatusFilled)
	}

	recs, err := eng.Executions()
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("audit log has %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.OrderID != ids[i] {
			t.Errorf("recs[%d] = %s, want submission order %s", i, rec.OrderID, ids[i])
		}
		if rec.ProcessingLatencyNs < 0 {
			t.Errorf("recs[%d] latency = %d, want >= 0", i, rec.ProcessingLatencyNs)
		}
	}

	stats, err := eng.Stats(ctxShort(t))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Executions != 3 {
		t.Errorf("stats.Executions = %d, want 3", stats.Executions)
	}
	if stats.OrdersFilled != 3 {
		t.Errorf("stats.OrdersFilled = %d, want 3", stats.OrdersFilled)
	}
}

func TestPortfolioThroughTheLoop(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "10000")

	ord, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
		AccountID:  acct.ID,
		Symbol:     "EURUSD",
		Kind:       types.Limit,
		Side:       types.Buy,
		Qty:        decimal.NewFromInt(10),
		LimitPrice: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatal(err)
	}
	feedTick(t, eng, tick("EURUSD", 99.8, 99.9, 100))
	waitOrderStatus(t, eng, "user1", ord.ID, types.StatusFilled)

	pf, err := eng.Portfolio(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	if len(pf.Positions) != 1 {
		t.Fatalf("portfolio positions = %d, want 1", len(pf.Positions))
	}
	if pf.Positions[0].Symbol != "EURUSD" || !pf.Positions[0].Qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("position = %+v, want long 10 EURUSD", pf.Positions[0])
	}

	// Another owner cannot see the account.
	if _, err := eng.Portfolio(ctxShort(t), "intruder", acct.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign portfolio err = %v, want ErrNotFound", err)
	}
}

// Two near-simultaneous submits on one account serialize through the loop:
// when the balance covers only one reservation, exactly one is admitted and
// the other is refused.
func TestConcurrentSubmitsSerializeOnBalance(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "1000")

	// Each buy reserves the full balance (10 x 100).
	submit := func() error {
		_, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
			AccountID:  acct.ID,
			Symbol:     "EURUSD",
			Kind:       types.Limit,
			Side:       types.Buy,
			Qty:        decimal.NewFromInt(10),
			LimitPrice: decimal.NewFromInt(100),
		})
		return err
	}

	errs := make(chan error, 2)
	go func() { errs <- submit() }()
	go func() { errs <- submit() }()

	var admitted, refused int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			admitted++
		case errors.Is(err, settle.ErrInsufficientBalance):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 || refused != 1 {
		t.Fatalf("admitted %d, refused %d; want exactly one of each", admitted, refused)
	}

	got, err := eng.Account(ctxShort(t), "user1", acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AvailableBalance.IsZero() {
		t.Errorf("available = %s, want 0 (single reservation holds the whole balance)", got.AvailableBalance)
	}
	if !got.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("balance = %s, want untouched 1000", got.Balance)
	}
}

// A fill settling right after a loop stall must report handling latency,
// not the time the event spent queued behind the stall.
func TestExecutionLatencyExcludesQueueWait(t *testing.T) {
	t.Parallel()
	eng := startTestEngine(t)
	acct := mustAccount(t, eng, "user1", "10000")

	feedTick(t, eng, tick("EURUSD", 1.0998, 1.1000, 1.1002))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := eng.Quote("EURUSD"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tick never reached the cache")
		}
		time.Sleep(time.Millisecond)
	}

	// Park the loop so the submit queues up behind it.
	stalled := make(chan struct{})
	go func() {
		eng.callInLoop(context.Background(), func() { time.Sleep(200 * time.Millisecond) })
		close(stalled)
	}()
	time.Sleep(10 * time.Millisecond)

	ord, err := eng.SubmitOrder(ctxShort(t), "user1", types.CreateOrder{
		AccountID: acct.ID,
		Symbol:    "EURUSD",
		Kind:      types.Market,
		Side:      types.Buy,
		Qty:       decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	waitOrderStatus(t, eng, "user1", ord.ID, types.StatusFilled)
	<-stalled

	recs, err := eng.Executions()
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	var rec *types.ExecutionRecord
	for i := range recs {
		if recs[i].OrderID == ord.ID {
			rec = &recs[i]
		}
	}
	if rec == nil {
		t.Fatal("no execution record for the fill")
	}
	if rec.ProcessingLatencyNs < 0 {
		t.Errorf("latency = %dns, want non-negative", rec.ProcessingLatencyNs)
	}
	if rec.ProcessingLatencyNs > (100 * time.Millisecond).Nanoseconds() {
		t.Errorf("latency = %dns, includes the queue wait behind the stall", rec.ProcessingLatencyNs)
	}
	// The audit record still carries the end-to-end span for tracing.
	if span := rec.ExecutedAtNs - rec.SubmittedAtNs; span < (100 * time.Millisecond).Nanoseconds() {
		t.Errorf("submit-to-execute span = %dns, expected to include the stall", span)
	}
}
