package settle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradenode/pkg/types"
)

// positionUpdate is the staged outcome of applying one execution to the
// position index: the new value at the key, or nil for a close. It is
// journaled before being committed to memory.
type positionUpdate struct {
	key       string
	accountID string
	symbol    string
	set       *types.Position // nil → delete
}

func (u positionUpdate) journalFn(j Journal) func() error {
	if u.set != nil {
		p := *u.set
		return func() error { return j.SavePosition(p) }
	}
	return func() error { return j.DeletePosition(u.accountID, u.symbol) }
}

func (u positionUpdate) commit(positions map[string]*types.Position) {
	if u.set != nil {
		cp := *u.set
		positions[u.key] = &cp
		return
	}
	delete(positions, u.key)
}

// applyToPosition computes the position change for an execution without
// touching the index. All five transitions happen here:
//
//	no position        → create
//	same side          → merge (weighted average price)
//	opposite, qty <    → reduce, realize PnL on the closed slice
//	opposite, qty =    → close, realize PnL in full
//	opposite, qty >    → flip: close and reopen the remainder on the other
//	                     side at the execution price, in one step
func (s *Settler) applyToPosition(ord *types.Order, qty, price, commission decimal.Decimal,
	now time.Time) positionUpdate {

	key := posKey(ord.AccountID, ord.Symbol)
	upd := positionUpdate{key: key, accountID: ord.AccountID, symbol: ord.Symbol}

	pos := s.positions[key]
	if pos == nil {
		upd.set = &types.Position{
			ID:           uuid.NewString(),
			AccountID:    ord.AccountID,
			Symbol:       ord.Symbol,
			Side:         ord.Side,
			Qty:          qty,
			AvgPrice:     price,
			CurrentPrice: price,
			Commission:   commission,
			OpenedAt:     now,
			UpdatedAt:    now,
		}
		return upd
	}

	next := *pos
	next.Commission = next.Commission.Add(commission)
	next.UpdatedAt = now

	if pos.Side == ord.Side {
		newQty := pos.Qty.Add(qty)
		next.AvgPrice = pos.Qty.Mul(pos.AvgPrice).Add(qty.Mul(price)).Div(newQty)
		next.Qty = newQty
		next.MarkToMarket(price)
		upd.set = &next
		return upd
	}

	// Opposite side: realize PnL on the closed slice.
	closed := decimal.Min(qty, pos.Qty)
	next.RealizedPnL = next.RealizedPnL.Add(realizedPnL(pos.Side, pos.AvgPrice, price, closed))

	switch {
	case qty.LessThan(pos.Qty):
		next.Qty = pos.Qty.Sub(qty)
		next.MarkToMarket(price)
		upd.set = &next

	case qty.Equal(pos.Qty):
		upd.set = nil

	default: // flip
		next.ID = uuid.NewString()
		next.Side = ord.Side
		next.Qty = qty.Sub(pos.Qty)
		next.AvgPrice = price
		next.OpenedAt = now
		next.MarkToMarket(price)
		upd.set = &next
	}
	return upd
}

// realizedPnL is (exit − avg) × qty for a long, negated for a short.
func realizedPnL(side types.Side, avg, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(avg)
	if side == types.Sell {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// ————————————————————————————————————————————————————————————————————————
// Queries (loop-only)
// ————————————————————————————————————————————————————————————————————————

// Position returns the open position for an account and symbol, or nil.
func (s *Settler) Position(accountID, symbol string) *types.Position {
	return s.positions[posKey(accountID, symbol)]
}

// Positions returns all open positions of an account.
func (s *Settler) Positions(accountID string) []types.Position {
	var out []types.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	return out
}

// MarkPositions refreshes CurrentPrice and UnrealizedPnL on every open
// position in the quote's symbol. In-memory only; marks are not journaled.
func (s *Settler) MarkPositions(q types.Quote) {
	for _, p := range s.positions {
		if p.Symbol == q.Symbol {
			p.MarkToMarket(q.Last)
			p.UpdatedAt = q.Timestamp
		}
	}
}

// Portfolio builds a consistent snapshot of one account's holdings, marking
// each position against the freshest price priceOf yields.
func (s *Settler) Portfolio(accountID string, priceOf func(symbol string) (decimal.Decimal, bool)) types.Portfolio {
	pf := types.Portfolio{
		AccountID: accountID,
		UpdatedAt: time.Now(),
		Positions: []types.Position{},
	}
	if acct := s.accounts[accountID]; acct != nil {
		pf.CashBalance = acct.AvailableBalance
	}
	for _, p := range s.positions {
		if p.AccountID != accountID {
			continue
		}
		cp := *p
		if price, ok := priceOf(cp.Symbol); ok {
			cp.MarkToMarket(price)
		}
		pf.Positions = append(pf.Positions, cp)
		pf.PositionsValue = pf.PositionsValue.Add(cp.CurrentPrice.Mul(cp.Qty))
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(cp.UnrealizedPnL)
		pf.RealizedPnL = pf.RealizedPnL.Add(cp.RealizedPnL)
	}
	pf.TotalValue = pf.CashBalance.Add(pf.PositionsValue)
	return pf
}
