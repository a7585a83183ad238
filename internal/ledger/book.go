package ledger

import (
	"errors"
	"sync"
	"time"

	"trader/internal/schema"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrUnknownOrder      = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
	ErrDuplicateFill     = errors.New("fill already applied")
	ErrStaleEvent        = errors.New("event sequence already applied")
	ErrOverfill          = errors.New("fill exceeds order quantity")
	ErrAlreadyTerminal   = errors.New("order already terminal")
	ErrQuarantined       = errors.New("order quarantined")
)

// Journal receives terminal orders when they age out of the audit window.
type Journal interface {
	RecordOrder(order Order, fills []schema.Fill) error
}

// Book is the authoritative in-process record of orders this system
// believes exist. All state transitions flow through the reconciliation
// path; other components hold read-only copies.
type Book struct {
	mu           sync.RWMutex
	byClientID   map[string]*Order
	byExchangeID map[string]*Order
	fillsByOrder map[string][]schema.Fill
	fillIDs      map[string]string
	terminalAt   map[string]int64

	auditWindow time.Duration
	journal     Journal
}

// NewBook creates an empty book. Terminal orders are retained for
// auditWindow before eviction; journal may be nil.
func NewBook(auditWindow time.Duration, journal Journal) *Book {
	if auditWindow <= 0 {
		auditWindow = time.Hour
	}
	return &Book{
		byClientID:   make(map[string]*Order),
		byExchangeID: make(map[string]*Order),
		fillsByOrder: make(map[string][]schema.Fill),
		fillIDs:      make(map[string]string),
		terminalAt:   make(map[string]int64),
		auditWindow:  auditWindow,
		journal:      journal,
	}
}

// Track registers a freshly submitted order in Pending state.
func (b *Book) Track(order Order) error {
	if order.ClientOrderID == "" {
		return ErrUnknownOrder
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byClientID[order.ClientOrderID]; ok {
		return ErrDuplicateOrder
	}
	now := time.Now().UTC().UnixNano()
	if order.CreatedAt == 0 {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.State = OrderStatePending
	order.FilledQty = 0
	o := order
	b.byClientID[o.ClientOrderID] = &o
	return nil
}

// Acknowledge moves a Pending or Unknown order to Open and binds the
// exchange order ID.
func (b *Book) Acknowledge(clientOrderID, exchangeOrderID string, seq uint64) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, err := b.mutable(clientOrderID, seq)
	if err != nil {
		return snapshotOf(o), err
	}
	switch o.State {
	case OrderStatePending, OrderStateUnknown, OrderStateOpen:
	case OrderStatePartFilled:
		// late ack after an early fill; keep the fill-derived state
	default:
		return *o, ErrInvalidTransition
	}
	if exchangeOrderID != "" && o.ExchangeOrderID == "" {
		o.ExchangeOrderID = exchangeOrderID
		b.byExchangeID[exchangeOrderID] = o
	}
	if o.State == OrderStatePending || o.State == OrderStateUnknown {
		o.State = OrderStateOpen
	}
	b.touch(o, seq)
	return *o, nil
}

// ApplyFill adds a fill to an order. Duplicate exchange fill IDs are a
// no-op; a fill pushing FilledQty past Qty is an integrity error.
func (b *Book) ApplyFill(fill schema.Fill) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byClientID[fill.ClientOrderID]
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	if o.Quarantined {
		return *o, ErrQuarantined
	}
	// a redelivered fill carries its original sequence, so dedup by fill
	// ID must run before the stale gate
	if fill.ExchangeFillID != "" {
		if _, ok := b.fillIDs[fill.ExchangeFillID]; ok {
			return *o, ErrDuplicateFill
		}
	}
	if fill.Seq != 0 && fill.Seq <= o.LastSeq {
		return *o, ErrStaleEvent
	}
	if fill.Qty <= 0 {
		return *o, ErrInvalidFill
	}
	if o.State.Terminal() {
		return *o, ErrAlreadyTerminal
	}
	if o.FilledQty+fill.Qty > o.Qty {
		return *o, ErrOverfill
	}
	o.FilledQty += fill.Qty
	if o.FilledQty == o.Qty {
		b.markTerminal(o, OrderStateFilled)
	} else if o.State != OrderStateUnknown {
		o.State = OrderStatePartFilled
	}
	if fill.ExchangeFillID != "" {
		b.fillIDs[fill.ExchangeFillID] = o.ClientOrderID
	}
	b.fillsByOrder[o.ClientOrderID] = append(b.fillsByOrder[o.ClientOrderID], fill)
	b.touch(o, fill.Seq)
	return *o, nil
}

// Cancel moves a non-terminal order to Cancelled.
func (b *Book) Cancel(clientOrderID string, seq uint64) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, err := b.mutable(clientOrderID, seq)
	if err != nil {
		return snapshotOf(o), err
	}
	if o.State.Terminal() {
		if o.State == OrderStateCancelled {
			return *o, nil
		}
		return *o, ErrAlreadyTerminal
	}
	b.markTerminal(o, OrderStateCancelled)
	b.touch(o, seq)
	return *o, nil
}

// Reject moves a non-terminal order to Rejected with a reason.
func (b *Book) Reject(clientOrderID, reason string, seq uint64) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, err := b.mutable(clientOrderID, seq)
	if err != nil {
		return snapshotOf(o), err
	}
	if o.State.Terminal() {
		if o.State == OrderStateRejected {
			return *o, nil
		}
		return *o, ErrAlreadyTerminal
	}
	o.RejectReason = reason
	b.markTerminal(o, OrderStateRejected)
	b.touch(o, seq)
	return *o, nil
}

// MarkUnknown flags an order whose submission outcome is ambiguous.
func (b *Book) MarkUnknown(clientOrderID string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byClientID[clientOrderID]
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	if o.Quarantined {
		return *o, ErrQuarantined
	}
	if o.State.Terminal() {
		return *o, ErrAlreadyTerminal
	}
	o.State = OrderStateUnknown
	b.touch(o, 0)
	return *o, nil
}

// Quarantine isolates an order after a data-integrity conflict. The rest
// of the ledger keeps operating.
func (b *Book) Quarantine(clientOrderID string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byClientID[clientOrderID]
	if !ok {
		return Order{}, ErrUnknownOrder
	}
	o.Quarantined = true
	b.touch(o, 0)
	return *o, nil
}

// Get returns a copy of the order by client order ID.
func (b *Book) Get(clientOrderID string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byClientID[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// GetByExchangeID returns a copy of the order by exchange order ID.
func (b *Book) GetByExchangeID(exchangeOrderID string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byExchangeID[exchangeOrderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Fills returns copies of the fills applied to an order.
func (b *Book) Fills(clientOrderID string) []schema.Fill {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fills := b.fillsByOrder[clientOrderID]
	if len(fills) == 0 {
		return nil
	}
	out := make([]schema.Fill, len(fills))
	copy(out, fills)
	return out
}

// OpenOrderCount returns the number of live (non-terminal) orders for a
// symbol. Unknown orders count as live; their exposure is unresolved.
func (b *Book) OpenOrderCount(symbolID schema.SymbolID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, o := range b.byClientID {
		if o.SymbolID == symbolID && !o.State.Terminal() {
			count++
		}
	}
	return count
}

// OrdersByStrategy returns copies of all live orders owned by a strategy.
func (b *Book) OrdersByStrategy(strategyID uint32) []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Order
	for _, o := range b.byClientID {
		if o.StrategyID == strategyID && !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// EvictExpired removes terminal orders older than the audit window and
// hands them to the journal. It returns the evicted orders.
func (b *Book) EvictExpired(now time.Time) []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-b.auditWindow).UnixNano()
	var evicted []Order
	for id, ts := range b.terminalAt {
		if ts > cutoff {
			continue
		}
		o, ok := b.byClientID[id]
		if !ok {
			delete(b.terminalAt, id)
			continue
		}
		fills := b.fillsByOrder[id]
		if b.journal != nil {
			if err := b.journal.RecordOrder(*o, fills); err != nil {
				// keep the order until the journal accepts it
				continue
			}
		}
		evicted = append(evicted, *o)
		delete(b.byClientID, id)
		if o.ExchangeOrderID != "" {
			delete(b.byExchangeID, o.ExchangeOrderID)
		}
		for _, f := range fills {
			delete(b.fillIDs, f.ExchangeFillID)
		}
		delete(b.fillsByOrder, id)
		delete(b.terminalAt, id)
	}
	return evicted
}

// Count returns the number of tracked orders.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byClientID)
}

// mutable resolves an order for mutation, applying quarantine and
// per-order sequence gating. Callers hold b.mu.
func (b *Book) mutable(clientOrderID string, seq uint64) (*Order, error) {
	o, ok := b.byClientID[clientOrderID]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if o.Quarantined {
		return o, ErrQuarantined
	}
	if seq != 0 && seq <= o.LastSeq {
		return o, ErrStaleEvent
	}
	return o, nil
}

func (b *Book) markTerminal(o *Order, state OrderState) {
	o.State = state
	b.terminalAt[o.ClientOrderID] = time.Now().UTC().UnixNano()
}

func (b *Book) touch(o *Order, seq uint64) {
	if seq > o.LastSeq {
		o.LastSeq = seq
	}
	o.UpdatedAt = time.Now().UTC().UnixNano()
}

func snapshotOf(o *Order) Order {
	if o == nil {
		return Order{}
	}
	return *o
}
