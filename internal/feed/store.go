package feed

import (
	"sync"

	"trader/internal/schema"
)

// MarketStore holds the latest market snapshot per symbol. Each update
// supersedes the previous one whole; updates with a sequence at or below
// the stored one are dropped.
type MarketStore struct {
	mu        sync.RWMutex
	snapshots map[schema.SymbolID]schema.MarketSnapshot
}

// NewMarketStore creates an empty store.
func NewMarketStore() *MarketStore {
	return &MarketStore{snapshots: make(map[schema.SymbolID]schema.MarketSnapshot)}
}

// Apply installs a snapshot if it is newer than the stored one. It
// reports whether the snapshot was applied.
func (s *MarketStore) Apply(snap schema.MarketSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.snapshots[snap.SymbolID]
	if ok && snap.Seq != 0 && snap.Seq <= current.Seq {
		return false
	}
	s.snapshots[snap.SymbolID] = snap
	return true
}

// Snapshot returns the latest snapshot for a symbol.
func (s *MarketStore) Snapshot(symbolID schema.SymbolID) (schema.MarketSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[symbolID]
	return snap, ok
}

// LastPrice returns the last trade price for a symbol, or zero when no
// snapshot has arrived yet.
func (s *MarketStore) LastPrice(symbolID schema.SymbolID) schema.Price {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[symbolID].LastPrice
}
