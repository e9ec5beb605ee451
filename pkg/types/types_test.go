package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestQuoteValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		q       Quote
		wantErr bool
	}{
		{
			name: "ordered prices pass",
			q:    Quote{Symbol: "EURUSD", Bid: dec("1.0998"), Last: dec("1.1"), Ask: dec("1.1002")},
		},
		{
			name: "equal prices pass",
			q:    Quote{Symbol: "EURUSD", Bid: dec("1.1"), Last: dec("1.1"), Ask: dec("1.1")},
		},
		{
			name:    "bid above last fails",
			q:       Quote{Symbol: "EURUSD", Bid: dec("1.2"), Last: dec("1.1"), Ask: dec("1.3")},
			wantErr: true,
		},
		{
			name:    "last above ask fails",
			q:       Quote{Symbol: "EURUSD", Bid: dec("1.0"), Last: dec("1.4"), Ask: dec("1.3")},
			wantErr: true,
		},
		{
			name:    "empty symbol fails",
			q:       Quote{Bid: dec("1"), Last: dec("1"), Ask: dec("1")},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.q.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOrderStatusTransitGroups(t *testing.T) {
	t.Parallel()

	open := []OrderStatus{StatusPending, StatusOpen, StatusPartiallyFilled}
	terminal := []OrderStatus{StatusFilled, StatusCancelled, StatusRejected}

	for _, s := range open {
		if s.IsTerminal() || !s.IsOpen() {
			t.Errorf("%s should be open, not terminal", s)
		}
	}
	for _, s := range terminal {
		if !s.IsTerminal() || s.IsOpen() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestCreateOrderValidateRequiresKindPrices(t *testing.T) {
	t.Parallel()

	base := CreateOrder{
		AccountID: "a",
		Symbol:    "EURUSD",
		Side:      Buy,
		Qty:       dec("1"),
	}

	for _, kind := range []OrderKind{Limit, StopLimit} {
		req := base
		req.Kind = kind
		req.StopPrice = dec("1")
		if err := req.Validate(); err == nil {
			t.Errorf("%s without limit price validated", kind)
		}
	}
	for _, kind := range []OrderKind{Stop, StopLimit} {
		req := base
		req.Kind = kind
		req.LimitPrice = dec("1")
		if err := req.Validate(); err == nil {
			t.Errorf("%s without stop price validated", kind)
		}
	}

	req := base
	req.Kind = Market
	if err := req.Validate(); err != nil {
		t.Errorf("market order failed validation: %v", err)
	}
}

func TestOutstandingReservation(t *testing.T) {
	t.Parallel()

	buy := Order{
		Side:          Buy,
		Qty:           dec("10"),
		FilledQty:     dec("4"),
		ReservedPrice: dec("110"),
	}
	if got := buy.OutstandingReservation(); !got.Equal(dec("660")) {
		t.Errorf("buy reservation = %s, want 660 (110 x 6 remaining)", got)
	}

	sell := buy
	sell.Side = Sell
	if got := sell.OutstandingReservation(); !got.IsZero() {
		t.Errorf("sell reservation = %s, want 0", got)
	}
}

func TestPositionMarkToMarket(t *testing.T) {
	t.Parallel()

	long := Position{Side: Buy, Qty: dec("10"), AvgPrice: dec("100")}
	long.MarkToMarket(dec("103"))
	if !long.UnrealizedPnL.Equal(dec("30")) {
		t.Errorf("long pnl = %s, want 30", long.UnrealizedPnL)
	}

	short := Position{Side: Sell, Qty: dec("10"), AvgPrice: dec("100")}
	short.MarkToMarket(dec("103"))
	if !short.UnrealizedPnL.Equal(dec("-30")) {
		t.Errorf("short pnl = %s, want -30", short.UnrealizedPnL)
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Error("Opposite is not an involution over buy/sell")
	}
}
