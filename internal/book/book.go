// Package book maintains the in-memory index of live orders.
//
// Two indexes are kept in lockstep: byID (order ID → order) and bySymbol
// (symbol → order IDs in insertion order). Only open statuses appear; a
// terminal transition removes the order from both. Insertion order per
// symbol is the tie-break used by the matcher when several orders become
// executable on the same tick.
//
// The book carries no lock: it is mutated exclusively from the event loop.
package book

import (
	"fmt"

	"tradenode/pkg/types"
)

// Book indexes live orders by ID and by symbol.
type Book struct {
	byID     map[string]*types.Order
	bySymbol map[string][]string
}

// New creates an empty book.
func New() *Book {
	return &Book{
		byID:     make(map[string]*types.Order),
		bySymbol: make(map[string][]string),
	}
}

// Insert adds an order to both indexes. Orders in a terminal status or with
// a duplicate ID are refused.
func (b *Book) Insert(o *types.Order) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("insert order %s: terminal status %s", o.ID, o.Status)
	}
	if _, ok := b.byID[o.ID]; ok {
		return fmt.Errorf("insert order %s: already in book", o.ID)
	}
	b.byID[o.ID] = o
	b.bySymbol[o.Symbol] = append(b.bySymbol[o.Symbol], o.ID)
	return nil
}

// Remove deletes an order from both indexes. Returns the removed order, or
// nil if it was not present.
func (b *Book) Remove(orderID string) *types.Order {
	o, ok := b.byID[orderID]
	if !ok {
		return nil
	}
	delete(b.byID, orderID)

	ids := b.bySymbol[o.Symbol]
	for i, id := range ids {
		if id == orderID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(b.bySymbol, o.Symbol)
	} else {
		b.bySymbol[o.Symbol] = ids
	}
	return o
}

// Get returns the order with the given ID, or nil.
func (b *Book) Get(orderID string) *types.Order {
	return b.byID[orderID]
}

// BySymbol returns the live orders on a symbol in insertion order.
func (b *Book) BySymbol(symbol string) []*types.Order {
	ids := b.bySymbol[symbol]
	if len(ids) == 0 {
		return nil
	}
	out := make([]*types.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.byID[id])
	}
	return out
}

// Len returns the number of live orders.
func (b *Book) Len() int { return len(b.byID) }

// All returns every live order. Order is unspecified across symbols.
func (b *Book) All() []*types.Order {
	out := make([]*types.Order, 0, len(b.byID))
	for _, o := range b.byID {
		out = append(out, o)
	}
	return out
}
