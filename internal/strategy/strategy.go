package strategy

import (
	"trader/internal/ledger"
	"trader/internal/schema"
)

// View is the read-only scope a strategy instance is given: its own
// live orders, current positions, and market snapshots. The runner
// enforces the scoping; strategies never see other strategies' orders.
type View interface {
	Orders() []ledger.Order
	Position(symbolID schema.SymbolID) schema.Quantity
	Market(symbolID schema.SymbolID) (schema.MarketSnapshot, bool)
}

// Strategy observes events and emits intents. Strategies never call the
// gateway or mutate shared state, and callbacks must not block.
type Strategy interface {
	OnMarketUpdate(view View, snap schema.MarketSnapshot) []schema.Intent
	OnFill(view View, fill schema.Fill) []schema.Intent
}

// Result is the synchronous outcome of one intent, reported back to the
// originating strategy.
type Result struct {
	Intent        schema.Intent
	ClientOrderID string
	Accepted      bool
	// AlreadyTerminal marks a cancel that found nothing to cancel: the
	// order had already filled, cancelled, or been rejected.
	AlreadyTerminal bool
	DenyReason      schema.RiskReason
	RejectReason    string
	Err             error
}

// Denied reports whether the intent was stopped by admission control.
func (r Result) Denied() bool {
	return r.DenyReason != schema.RiskReasonNone
}

// ResultHandler is implemented by strategies that want intent outcomes.
type ResultHandler interface {
	OnResult(res Result)
}

// Registration binds a strategy instance to its symbol scope and options
// at startup.
type Registration struct {
	ID       uint32
	Name     string
	SymbolID schema.SymbolID
	Strategy Strategy
}
