// Package settle applies executions to accounts and positions.
//
// The Settler owns the account index and the position index (one position
// per account+symbol). Both are mutated exclusively from the event loop, so
// the indexes carry no locks. Settlement of one execution is atomic: the
// post-state is computed on copies, journaled and published with bounded
// retries, and only then committed to memory. A transient failure that
// exhausts its retries leaves no observable in-memory change and raises an
// operator alert.
//
// Money flow per execution (commission = tradeValue × rate):
//
//	buy:  balance −= tradeValue + commission; the reservation slice for the
//	      executed quantity (reservedPrice × qty) is released from the hold
//	      on availableBalance and the actual cost debited in the same step
//	sell: balance += tradeValue − commission; availableBalance likewise
//
// Buys are balance-gated: when the full requested quantity is not
// affordable the executed quantity shrinks (the only source of partial
// fills); zero affordable quantity rejects the order.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradenode/pkg/types"
)

// qtyScale is the fixed-point scale used when truncating a balance-gated
// quantity.
const qtyScale = 8

// ErrInsufficientBalance refuses a buy whose reservation exceeds the
// account's available balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Journal is the durable store driven by settlement.
type Journal interface {
	SaveAccount(types.Account) error
	SaveOrder(types.Order) error
	SavePosition(types.Position) error
	DeletePosition(accountID, symbol string) error
	AppendExecution(types.ExecutionRecord) error
}

// Publisher delivers outbound execution events (trading.order.executed).
type Publisher interface {
	Publish(ctx context.Context, ev types.ExecutionEvent) error
}

// Execution is one executeOrder event resolved against the live book.
// EnqueuedNs is the producer's enqueue time and becomes the record's
// submission timestamp; DequeuedNs is when the loop picked the event up,
// and processing latency is measured from there so queue wait never
// inflates it.
type Execution struct {
	Order      *types.Order
	Price      decimal.Decimal
	Qty        decimal.Decimal
	EnqueuedNs int64
	DequeuedNs int64
}

// Alert is raised to the operator when retries are exhausted and an event
// has been rolled back.
type Alert struct {
	OrderID   string
	Reason    string
	Err       error
	Timestamp time.Time
}

// Settler applies executions and owns account/position state.
type Settler struct {
	journal        Journal
	pub            Publisher
	commissionRate decimal.Decimal
	retryAttempts  int
	retryBaseWait  time.Duration

	// accounts and positions are mutated only from the event loop.
	accounts  map[string]*types.Account
	positions map[string]*types.Position // key: accountID|symbol

	alertCh chan Alert
	logger  *slog.Logger
}

// New creates a settler.
func New(journal Journal, pub Publisher, commissionRate decimal.Decimal,
	retryAttempts int, retryBaseWait time.Duration, logger *slog.Logger) *Settler {
	return &Settler{
		journal:        journal,
		pub:            pub,
		commissionRate: commissionRate,
		retryAttempts:  retryAttempts,
		retryBaseWait:  retryBaseWait,
		accounts:       make(map[string]*types.Account),
		positions:      make(map[string]*types.Position),
		alertCh:        make(chan Alert, 16),
		logger:         logger.With("component", "settle"),
	}
}

// Alerts returns the channel of operator alerts.
func (s *Settler) Alerts() <-chan Alert { return s.alertCh }

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// RestoreAccount loads a persisted account into the index (cold boot).
func (s *Settler) RestoreAccount(a types.Account) {
	cp := a
	s.accounts[a.ID] = &cp
}

// RestorePosition loads a persisted position into the index (cold boot).
func (s *Settler) RestorePosition(p types.Position) {
	cp := p
	s.positions[posKey(p.AccountID, p.Symbol)] = &cp
}

// CreateAccount opens a new account and journals it.
func (s *Settler) CreateAccount(ownerID string, req types.CreateAccount) (types.Account, error) {
	if err := req.Validate(); err != nil {
		return types.Account{}, err
	}
	now := time.Now()
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	leverage := req.Leverage
	if leverage == 0 {
		leverage = 1
	}
	a := types.Account{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Kind:             req.Kind,
		Balance:          req.InitialBalance,
		AvailableBalance: req.InitialBalance,
		Equity:           req.InitialBalance,
		FreeMargin:       req.InitialBalance,
		MarginLevel:      decimal.NewFromInt(100),
		Leverage:         leverage,
		Currency:         currency,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.journal.SaveAccount(a); err != nil {
		return types.Account{}, fmt.Errorf("save account: %w", err)
	}
	s.accounts[a.ID] = &a
	return a, nil
}

// Account returns the account with the given ID, or nil.
func (s *Settler) Account(id string) *types.Account { return s.accounts[id] }

// AccountsByOwner returns all accounts owned by ownerID.
func (s *Settler) AccountsByOwner(ownerID string) []types.Account {
	var out []types.Account
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Reservations
// ————————————————————————————————————————————————————————————————————————

// Reserve debits the buy-side reservation (reservedPrice × qty) from the
// account's available balance and journals the account. The order's
// ReservedPrice must already be set. Sells reserve nothing.
func (s *Settler) Reserve(ord *types.Order) error {
	acct := s.accounts[ord.AccountID]
	if acct == nil {
		return fmt.Errorf("account %s not found", ord.AccountID)
	}
	if ord.Side != types.Buy {
		return nil
	}
	required := ord.ReservedPrice.Mul(ord.Qty)
	if acct.AvailableBalance.LessThan(required) {
		return fmt.Errorf("%w: need %s, available %s",
			ErrInsufficientBalance, required, acct.AvailableBalance)
	}
	acct.AvailableBalance = acct.AvailableBalance.Sub(required)
	acct.UpdatedAt = time.Now()
	if err := s.journal.SaveAccount(*acct); err != nil {
		s.logger.Warn("journal account after reserve failed", "account_id", acct.ID, "error", err)
	}
	return nil
}

// Release returns an order's outstanding reservation to the available
// balance. Called on cancel and on reject.
func (s *Settler) Release(ord *types.Order) {
	acct := s.accounts[ord.AccountID]
	if acct == nil {
		return
	}
	hold := ord.OutstandingReservation()
	if hold.IsZero() {
		return
	}
	acct.AvailableBalance = acct.AvailableBalance.Add(hold)
	acct.UpdatedAt = time.Now()
	if err := s.journal.SaveAccount(*acct); err != nil {
		s.logger.Warn("journal account after release failed", "account_id", acct.ID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

// Apply settles one execution. It mutates the order's status and fill
// fields on success or rejection; a transient failure after retries leaves
// every index untouched and returns the error.
//
// The returned record is nil when the event was dropped idempotently or the
// order was rejected.
func (s *Settler) Apply(ctx context.Context, exec Execution) (*types.ExecutionRecord, error) {
	ord := exec.Order
	if ord == nil || !ord.Status.IsOpen() {
		return nil, nil
	}
	acct := s.accounts[ord.AccountID]
	if acct == nil {
		s.reject(ord, "unknown account")
		return nil, nil
	}

	qty := decimal.Min(exec.Qty, ord.RemainingQty())
	if !qty.IsPositive() {
		return nil, nil
	}
	price := exec.Price

	if ord.Side == types.Buy {
		qty = s.affordableQty(acct, ord, price, qty)
		if !qty.IsPositive() {
			s.reject(ord, "insufficient balance at execution")
			return nil, nil
		}
	}

	tradeValue := qty.Mul(price)
	commission := tradeValue.Mul(s.commissionRate)
	now := time.Now()
	nowNs := now.UnixNano()

	// Post-state is computed on copies; nothing is committed until the
	// journal writes and the publish have succeeded.
	newAcct := *acct
	if ord.Side == types.Buy {
		cost := tradeValue.Add(commission)
		release := ord.ReservedPrice.Mul(qty)
		newAcct.Balance = newAcct.Balance.Sub(cost)
		newAcct.AvailableBalance = newAcct.AvailableBalance.Add(release).Sub(cost)
	} else {
		net := tradeValue.Sub(commission)
		newAcct.Balance = newAcct.Balance.Add(net)
		newAcct.AvailableBalance = newAcct.AvailableBalance.Add(net)
	}
	newAcct.Equity = newAcct.Balance
	newAcct.UpdatedAt = now

	posUpdate := s.applyToPosition(ord, qty, price, commission, now)

	newOrd := *ord
	prevFilled := newOrd.FilledQty
	newFilled := prevFilled.Add(qty)
	if prevFilled.IsZero() {
		newOrd.AvgPrice = price
	} else {
		newOrd.AvgPrice = prevFilled.Mul(newOrd.AvgPrice).Add(qty.Mul(price)).Div(newFilled)
	}
	newOrd.FilledQty = newFilled
	newOrd.Commission = newOrd.Commission.Add(commission)
	newOrd.ExecutedAt = now
	newOrd.UpdatedAt = now
	if newFilled.Equal(newOrd.Qty) {
		newOrd.Status = types.StatusFilled
	} else {
		newOrd.Status = types.StatusPartiallyFilled
	}

	rec := types.ExecutionRecord{
		OrderID:             ord.ID,
		AccountID:           ord.AccountID,
		Symbol:              ord.Symbol,
		Side:                ord.Side,
		Qty:                 qty,
		Price:               price,
		Commission:          commission,
		SubmittedAtNs:       exec.EnqueuedNs,
		ExecutedAtNs:        nowNs,
		ProcessingLatencyNs: nowNs - exec.DequeuedNs,
	}
	event := types.ExecutionEvent{
		OrderID:              ord.ID,
		OwnerID:              ord.OwnerID,
		AccountID:            ord.AccountID,
		Symbol:               ord.Symbol,
		Side:                 ord.Side,
		Qty:                  qty,
		ExecutionPrice:       price,
		Commission:           commission,
		ExecutedAt:           now.UTC().Format(time.RFC3339Nano),
		ExecutionTimestampNs: rec.SubmittedAtNs,
		ProcessingLatencyNs:  rec.ProcessingLatencyNs,
	}

	err := s.persist(ctx, func() error { return s.journal.SaveOrder(newOrd) }, "save order")
	if err == nil {
		err = s.persist(ctx, func() error { return s.journal.SaveAccount(newAcct) }, "save account")
	}
	if err == nil {
		err = s.persist(ctx, posUpdate.journalFn(s.journal), "save position")
	}
	if err == nil {
		err = s.persist(ctx, func() error { return s.journal.AppendExecution(rec) }, "append execution")
	}
	if err == nil {
		err = s.persist(ctx, func() error { return s.pub.Publish(ctx, event) }, "publish execution")
	}
	if err != nil {
		s.alert(ord.ID, "settlement rolled back", err)
		return nil, err
	}

	// Commit.
	*acct = newAcct
	*ord = newOrd
	posUpdate.commit(s.positions)

	s.logger.Info("order executed",
		"order_id", ord.ID,
		"symbol", ord.Symbol,
		"side", ord.Side,
		"qty", qty,
		"price", price,
		"commission", commission,
		"status", ord.Status,
		"latency_ns", rec.ProcessingLatencyNs,
	)
	return &rec, nil
}

// reject marks an order rejected and returns its outstanding reservation.
// Rejection is non-retryable, so it commits regardless of journal health.
func (s *Settler) reject(ord *types.Order, reason string) {
	s.Release(ord)
	ord.Status = types.StatusRejected
	ord.UpdatedAt = time.Now()
	if err := s.journal.SaveOrder(*ord); err != nil {
		s.logger.Warn("journal rejected order failed", "order_id", ord.ID, "error", err)
	}
	s.logger.Warn("order rejected", "order_id", ord.ID, "reason", reason)
}

// affordableQty clamps a buy quantity so that, post-settlement, both
// balance and availableBalance stay non-negative. The available-balance
// bound accounts for the reservation slice released alongside the debit.
func (s *Settler) affordableQty(acct *types.Account, ord *types.Order,
	price, want decimal.Decimal) decimal.Decimal {

	costPerUnit := price.Mul(decimal.NewFromInt(1).Add(s.commissionRate))
	if !costPerUnit.IsPositive() {
		return want
	}

	q := want
	if bound := acct.Balance.Div(costPerUnit); bound.LessThan(q) {
		q = bound
	}
	// Net drain on availableBalance per unit: cost − released reservation.
	drainPerUnit := costPerUnit.Sub(ord.ReservedPrice)
	if drainPerUnit.IsPositive() {
		if bound := acct.AvailableBalance.Div(drainPerUnit); bound.LessThan(q) {
			q = bound
		}
	}
	if q.LessThan(want) {
		q = q.Truncate(qtyScale)
	}
	if q.IsNegative() {
		return decimal.Zero
	}
	return q
}

// persist runs fn with bounded exponential backoff. The first attempt is
// immediate; each retry doubles the wait, capped by the attempt budget and
// the context deadline.
func (s *Settler) persist(ctx context.Context, fn func() error, op string) error {
	wait := s.retryBaseWait
	var err error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.retryAttempts {
			break
		}
		s.logger.Warn("transient settlement failure, retrying",
			"op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Settler) alert(orderID, reason string, err error) {
	a := Alert{OrderID: orderID, Reason: reason, Err: err, Timestamp: time.Now()}
	s.logger.Error("operator alert", "order_id", orderID, "reason", reason, "error", err)
	select {
	case s.alertCh <- a:
	default:
		// Drain the stale alert so the latest one is always delivered.
		select {
		case <-s.alertCh:
		default:
		}
		s.alertCh <- a
	}
}

func posKey(accountID, symbol string) string { return accountID + "|" + symbol }
