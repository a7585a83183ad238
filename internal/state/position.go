package state

import (
	"sync"

	"trader/internal/schema"
)

// PositionReducer derives net exposure per symbol from applied fills.
// Only the reconciliation path mutates it; other components read.
type PositionReducer struct {
	mu        sync.RWMutex
	positions map[schema.SymbolID]schema.Quantity
}

// NewPositionReducer creates an empty reducer.
func NewPositionReducer() *PositionReducer {
	return &PositionReducer{positions: make(map[schema.SymbolID]schema.Quantity)}
}

// ApplyFill updates the position and returns the new quantity.
func (r *PositionReducer) ApplyFill(fill schema.Fill) schema.Quantity {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.positions[fill.SymbolID]
	var next schema.Quantity
	switch fill.Side {
	case schema.OrderSideBuy:
		next = current + fill.Qty
	case schema.OrderSideSell:
		next = current - fill.Qty
	default:
		next = current
	}
	r.positions[fill.SymbolID] = next
	return next
}

// ApplySnapshot replaces positions with a snapshot.
func (r *PositionReducer) ApplySnapshot(snapshot Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.positions {
		delete(r.positions, key)
	}
	for _, entry := range snapshot.Positions {
		r.positions[entry.SymbolID] = entry.Qty
	}
}

// Position returns the current position quantity for a symbol.
func (r *PositionReducer) Position(symbolID schema.SymbolID) schema.Quantity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.positions[symbolID]
}

// Count returns the number of tracked symbols.
func (r *PositionReducer) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}
