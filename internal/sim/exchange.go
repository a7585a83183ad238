package sim

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"trader/internal/exchange"
	"trader/internal/schema"
)

// EventSink receives the simulated private event stream after fault
// injection.
type EventSink interface {
	Enqueue(ev schema.ExchangeEvent) error
}

// Config controls the simulated exchange.
type Config struct {
	Seed int64 `json:"seed"`

	// TransientRate fails a transport call before it applies.
	TransientRate float64 `json:"transientRate"`
	// AmbiguousRate applies the call but reports an unknown outcome, the
	// case the gateway must resolve by status query.
	AmbiguousRate float64 `json:"ambiguousRate"`
	// PartialRate splits a crossing fill into two executions.
	PartialRate float64 `json:"partialRate"`

	Injector InjectorConfig `json:"injector"`
}

type simOrder struct {
	clientOrderID   string
	exchangeOrderID string
	symbolID        schema.SymbolID
	side            schema.OrderSide
	typ             schema.OrderType
	price           schema.Price
	qty             schema.Quantity
	filledQty       schema.Quantity
	kind            schema.StatusKind
	seq             uint64
	fills           []schema.Fill
}

// Exchange is an in-process exchange implementing the transport
// interface. Orders rest until a tick crosses them; private events pass
// through the fault injector before reaching the sink. Placement is
// idempotent by client order ID.
type Exchange struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	registry *schema.Registry
	injector *Injector
	sink     EventSink

	orders   map[string]*simOrder
	nextID   uint64
	tradeSeq uint64
}

// NewExchange creates a simulated exchange.
func NewExchange(cfg Config, registry *schema.Registry, sink EventSink) (*Exchange, error) {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	injector, err := NewInjector(cfg.Injector)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		registry: registry,
		injector: injector,
		sink:     sink,
		orders:   make(map[string]*simOrder),
	}, nil
}

// SetSink installs the event sink. The sink usually depends on a status
// client built over this exchange, so it attaches after construction.
func (x *Exchange) SetSink(sink EventSink) {
	x.mu.Lock()
	x.sink = sink
	x.mu.Unlock()
}

// PlaceOrder accepts an order. A repeated client order ID returns the
// original acceptance rather than creating a second order.
func (x *Exchange) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (exchange.PlaceOrderAck, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.roll(x.cfg.TransientRate) {
		return exchange.PlaceOrderAck{}, exchange.ErrTransient
	}
	if existing, ok := x.orders[req.ClientOrderID]; ok {
		return exchange.PlaceOrderAck{Accepted: true, ExchangeOrderID: existing.exchangeOrderID}, nil
	}

	symbolID, ok := x.registry.SymbolIDByName(req.ProductID)
	if !ok {
		return exchange.PlaceOrderAck{Accepted: false, RejectReason: "unknown product"}, nil
	}
	sym, _ := x.registry.Symbol(symbolID)
	price, err := sym.Scale.ParsePrice(req.Price)
	if err != nil {
		return exchange.PlaceOrderAck{Accepted: false, RejectReason: "bad price"}, nil
	}
	qty, err := sym.Scale.ParseQuantity(req.Size)
	if err != nil || qty <= 0 {
		return exchange.PlaceOrderAck{Accepted: false, RejectReason: "bad size"}, nil
	}

	x.nextID++
	order := &simOrder{
		clientOrderID:   req.ClientOrderID,
		exchangeOrderID: "sim-" + strconv.FormatUint(x.nextID, 10),
		symbolID:        symbolID,
		side:            req.Side,
		typ:             req.Type,
		price:           price,
		qty:             qty,
		kind:            schema.StatusOpen,
	}
	x.orders[req.ClientOrderID] = order
	x.emit(schema.ExchangeEvent{
		Kind:            schema.ExchangeEventAck,
		ClientOrderID:   order.clientOrderID,
		ExchangeOrderID: order.exchangeOrderID,
		SymbolID:        order.symbolID,
		Seq:             x.bumpSeq(order),
		Time:            time.Now().UTC().UnixNano(),
	})

	if x.roll(x.cfg.AmbiguousRate) {
		// the order is live but the caller never hears the answer
		return exchange.PlaceOrderAck{}, exchange.ErrAmbiguous
	}
	return exchange.PlaceOrderAck{Accepted: true, ExchangeOrderID: order.exchangeOrderID}, nil
}

// CancelOrder cancels a resting order by client order ID.
func (x *Exchange) CancelOrder(ctx context.Context, clientOrderID string) (exchange.CancelAck, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.roll(x.cfg.TransientRate) {
		return exchange.CancelAck{}, exchange.ErrTransient
	}
	order, ok := x.orders[clientOrderID]
	if !ok {
		return exchange.CancelAck{}, exchange.ErrNotFound
	}
	switch order.kind {
	case schema.StatusFilled, schema.StatusCancelled, schema.StatusRejected:
		return exchange.CancelAck{AlreadyTerminal: true}, nil
	}
	order.kind = schema.StatusCancelled
	x.emit(schema.ExchangeEvent{
		Kind:            schema.ExchangeEventCancel,
		ClientOrderID:   order.clientOrderID,
		ExchangeOrderID: order.exchangeOrderID,
		SymbolID:        order.symbolID,
		Seq:             x.bumpSeq(order),
		Time:            time.Now().UTC().UnixNano(),
	})
	if x.roll(x.cfg.AmbiguousRate) {
		return exchange.CancelAck{}, exchange.ErrAmbiguous
	}
	return exchange.CancelAck{Cancelled: true}, nil
}

// QueryOrder returns the authoritative order status including fills.
func (x *Exchange) QueryOrder(ctx context.Context, clientOrderID string) (schema.OrderStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.roll(x.cfg.TransientRate) {
		return schema.OrderStatus{}, exchange.ErrTransient
	}
	order, ok := x.orders[clientOrderID]
	if !ok {
		return schema.OrderStatus{ClientOrderID: clientOrderID, Kind: schema.StatusNotFound}, nil
	}
	return x.status(order), nil
}

// ListOpenOrders returns all resting orders.
func (x *Exchange) ListOpenOrders(ctx context.Context) ([]schema.OrderStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.roll(x.cfg.TransientRate) {
		return nil, exchange.ErrTransient
	}
	var out []schema.OrderStatus
	for _, order := range x.orders {
		if order.kind == schema.StatusOpen {
			out = append(out, x.status(order))
		}
	}
	return out, nil
}

// Tick fills every resting order that the mark price crosses. Buys fill
// when mark <= limit, sells when mark >= limit; market orders always
// fill at the mark.
func (x *Exchange) Tick(symbolID schema.SymbolID, mark schema.Price) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, order := range x.orders {
		if order.symbolID != symbolID || order.kind != schema.StatusOpen {
			continue
		}
		if !crosses(order, mark) {
			continue
		}
		leaves := order.qty - order.filledQty
		if leaves <= 0 {
			continue
		}
		fillQty := leaves
		if x.cfg.PartialRate > 0 && leaves > 1 && x.rng.Float64() < x.cfg.PartialRate {
			fillQty = leaves / 2
		}
		x.fill(order, mark, fillQty)
	}
}

// Flush drains any events held back by the reorder window.
func (x *Exchange) Flush() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, ev := range x.injector.Flush() {
		x.deliver(ev)
	}
}

func (x *Exchange) fill(order *simOrder, mark schema.Price, qty schema.Quantity) {
	price := order.price
	if order.typ == schema.OrderTypeMarket || price == 0 {
		price = mark
	}
	x.tradeSeq++
	fill := schema.Fill{
		ClientOrderID:  order.clientOrderID,
		ExchangeFillID: "sim-trade-" + strconv.FormatUint(x.tradeSeq, 10),
		SymbolID:       order.symbolID,
		Side:           order.side,
		Price:          price,
		Qty:            qty,
		Seq:            x.bumpSeq(order),
		Time:           time.Now().UTC().UnixNano(),
	}
	order.filledQty += qty
	order.fills = append(order.fills, fill)
	if order.filledQty >= order.qty {
		order.kind = schema.StatusFilled
	}
	x.emit(schema.ExchangeEvent{
		Kind:            schema.ExchangeEventFill,
		ClientOrderID:   fill.ClientOrderID,
		ExchangeOrderID: order.exchangeOrderID,
		ExchangeFillID:  fill.ExchangeFillID,
		SymbolID:        fill.SymbolID,
		Side:            fill.Side,
		Price:           fill.Price,
		Qty:             fill.Qty,
		Seq:             fill.Seq,
		Time:            fill.Time,
	})
}

func (x *Exchange) status(order *simOrder) schema.OrderStatus {
	fills := make([]schema.Fill, len(order.fills))
	copy(fills, order.fills)
	return schema.OrderStatus{
		ClientOrderID:   order.clientOrderID,
		ExchangeOrderID: order.exchangeOrderID,
		Kind:            order.kind,
		SymbolID:        order.symbolID,
		Side:            order.side,
		Type:            order.typ,
		Price:           order.price,
		Qty:             order.qty,
		FilledQty:       order.filledQty,
		Seq:             order.seq,
		Fills:           fills,
	}
}

func (x *Exchange) emit(ev schema.ExchangeEvent) {
	for _, out := range x.injector.Process(ev) {
		x.deliver(out)
	}
}

func (x *Exchange) deliver(ev schema.ExchangeEvent) {
	if x.sink == nil {
		return
	}
	_ = x.sink.Enqueue(ev)
}

func (x *Exchange) bumpSeq(order *simOrder) uint64 {
	order.seq++
	return order.seq
}

func (x *Exchange) roll(rate float64) bool {
	return rate > 0 && x.rng.Float64() < rate
}

func crosses(order *simOrder, mark schema.Price) bool {
	if order.typ == schema.OrderTypeMarket {
		return true
	}
	switch order.side {
	case schema.OrderSideBuy:
		return mark <= order.price
	case schema.OrderSideSell:
		return mark >= order.price
	default:
		return false
	}
}
