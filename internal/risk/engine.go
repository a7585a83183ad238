package risk

import (
	"sync"

	"trader/internal/schema"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Config defines admission limits. All limits are per symbol except
// MaxOrderNotional, which applies to a single order.
type Config struct {
	Version          uint16          `json:"version"`
	KillSwitch       bool            `json:"killSwitch"`
	MaxOpenOrders    int             `json:"maxOpenOrders"`
	MaxPosition      schema.Quantity `json:"maxPosition"`
	MaxOrderNotional schema.Notional `json:"maxOrderNotional"`
}

type exposure struct {
	symbolID schema.SymbolID
	side     schema.OrderSide
	leaves   schema.Quantity
}

// Engine gates every outbound order against position and exposure limits.
// It keeps its own projection of positions and admitted-but-unsettled
// exposure so that concurrent admissions are sequentially consistent: two
// intents that would jointly exceed a limit are never both admitted.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	positions map[schema.SymbolID]schema.Quantity
	open      map[schema.SymbolID]int
	orders    map[string]exposure
}

// NewEngine creates an engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg,
		positions: make(map[schema.SymbolID]schema.Quantity),
		open:      make(map[schema.SymbolID]int),
		orders:    make(map[string]exposure),
	}
}

// UpdateConfig replaces the limits. Existing reservations are kept.
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// ConfigVersion returns the version of the active limits.
func (e *Engine) ConfigVersion() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Version
}

// Admit evaluates a place-order intent. clientOrderID is the idempotency
// key the order will carry; refPrice prices market orders for the
// notional check. On Allow the intent's exposure is reserved immediately.
func (e *Engine) Admit(clientOrderID string, intent schema.Intent, refPrice schema.Price) schema.RiskDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	decision := schema.RiskDecision{
		ClientOrderID: clientOrderID,
		StrategyID:    intent.StrategyID,
		SymbolID:      intent.SymbolID,
		Action:        schema.RiskActionAllow,
		Reason:        schema.RiskReasonNone,
		ProposedQty:   intent.Qty,
		ProposedPrice: intent.Price,
		CurrentPos:    e.positions[intent.SymbolID],
		MaxPos:        e.cfg.MaxPosition,
		MaxNotional:   e.cfg.MaxOrderNotional,
	}

	if e.cfg.KillSwitch {
		decision.Action = schema.RiskActionDeny
		decision.Reason = schema.RiskReasonKillSwitch
		return decision
	}

	if e.cfg.MaxOpenOrders > 0 && e.open[intent.SymbolID]+1 > e.cfg.MaxOpenOrders {
		decision.Action = schema.RiskActionDeny
		decision.Reason = schema.RiskReasonExceedsOrderCount
		return decision
	}

	price := intent.Price
	if price == 0 {
		price = refPrice
	}
	notional, overflow := mulNotional(price, intent.Qty)
	if overflow {
		decision.Action = schema.RiskActionDeny
		decision.Reason = schema.RiskReasonNotionalTooLarge
		return decision
	}
	if e.cfg.MaxOrderNotional > 0 && notional > e.cfg.MaxOrderNotional {
		decision.Action = schema.RiskActionDeny
		decision.Reason = schema.RiskReasonNotionalTooLarge
		return decision
	}

	next := e.projected(intent.SymbolID)
	next = applySide(next, intent.Side, intent.Qty)
	if e.cfg.MaxPosition > 0 && absQuantity(next) > e.cfg.MaxPosition {
		decision.Action = schema.RiskActionDeny
		decision.Reason = schema.RiskReasonExceedsPositionLimit
		return decision
	}

	e.orders[clientOrderID] = exposure{
		symbolID: intent.SymbolID,
		side:     intent.Side,
		leaves:   intent.Qty,
	}
	e.open[intent.SymbolID]++
	return decision
}

// OnFill settles reserved exposure into the realized position.
func (e *Engine) OnFill(fill schema.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[fill.SymbolID] = applySide(e.positions[fill.SymbolID], fill.Side, fill.Qty)
	if res, ok := e.orders[fill.ClientOrderID]; ok {
		if fill.Qty >= res.leaves {
			res.leaves = 0
		} else {
			res.leaves -= fill.Qty
		}
		e.orders[fill.ClientOrderID] = res
	}
}

// OnTerminal releases any remaining reservation for a finished order.
func (e *Engine) OnTerminal(clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.orders[clientOrderID]
	if !ok {
		return
	}
	delete(e.orders, clientOrderID)
	if e.open[res.symbolID] > 0 {
		e.open[res.symbolID]--
	}
}

// Release drops a reservation for an order that never reached the
// exchange (submission failed before it was tracked).
func (e *Engine) Release(clientOrderID string) {
	e.OnTerminal(clientOrderID)
}

// Reinstate restores a reservation for a live order recovered from the
// exchange or the journal, so exposure accounting includes it.
func (e *Engine) Reinstate(clientOrderID string, symbolID schema.SymbolID, side schema.OrderSide, leaves schema.Quantity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.orders[clientOrderID]; ok {
		return
	}
	e.orders[clientOrderID] = exposure{
		symbolID: symbolID,
		side:     side,
		leaves:   leaves,
	}
	e.open[symbolID]++
}

// SeedPosition installs a recovered position for a symbol.
func (e *Engine) SeedPosition(symbolID schema.SymbolID, qty schema.Quantity) {
	e.mu.Lock()
	e.positions[symbolID] = qty
	e.mu.Unlock()
}

// Position returns the engine's realized position for a symbol.
func (e *Engine) Position(symbolID schema.SymbolID) schema.Quantity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[symbolID]
}

// OpenOrders returns the admitted live order count for a symbol.
func (e *Engine) OpenOrders(symbolID schema.SymbolID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open[symbolID]
}

// projected is the realized position plus signed unfilled exposure of all
// admitted live orders. Callers hold e.mu.
func (e *Engine) projected(symbolID schema.SymbolID) schema.Quantity {
	pos := e.positions[symbolID]
	for _, res := range e.orders {
		if res.symbolID != symbolID {
			continue
		}
		pos = applySide(pos, res.side, res.leaves)
	}
	return pos
}

func mulNotional(price schema.Price, qty schema.Quantity) (schema.Notional, bool) {
	p := int64(price)
	q := int64(qty)
	if p == 0 || q == 0 {
		return 0, false
	}
	if p < 0 {
		p = -p
	}
	if q < 0 {
		q = -q
	}
	if p > maxInt64/q {
		return 0, true
	}
	return schema.Notional(p * q), false
}

func applySide(pos schema.Quantity, side schema.OrderSide, qty schema.Quantity) schema.Quantity {
	switch side {
	case schema.OrderSideBuy:
		return pos + qty
	case schema.OrderSideSell:
		return pos - qty
	default:
		return pos
	}
}

func absQuantity(q schema.Quantity) schema.Quantity {
	if q < 0 {
		return -q
	}
	return q
}
