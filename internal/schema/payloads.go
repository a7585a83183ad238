package schema

// Price is a scaled integer. The scale is defined per symbol by the registry.
type Price int64

// Quantity is a scaled integer. The scale is defined per symbol by the registry.
type Quantity int64

// Notional is a scaled integer product of price and quantity.
type Notional int64

// Fee is a scaled integer. The scale is defined per symbol by the registry.
type Fee int64

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

// OrderType describes order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

// TimeInForce describes order time-in-force.
type TimeInForce uint16

const (
	TimeInForceUnknown TimeInForce = iota
	TimeInForceGTC
	TimeInForceIOC
	TimeInForceFOK
)

// IntentKind distinguishes strategy intents.
type IntentKind uint16

const (
	IntentUnknown IntentKind = iota
	IntentPlaceOrder
	IntentCancelOrder
)

// Intent is a strategy-emitted request to place or cancel an order.
// It has not been admitted or submitted yet.
type Intent struct {
	Kind        IntentKind
	StrategyID  uint32
	SymbolID    SymbolID
	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce
	Price       Price
	Qty         Quantity

	// CancelClientOrderID targets an existing order for IntentCancelOrder.
	CancelClientOrderID string
}

// Fill is a single execution against an order.
type Fill struct {
	ClientOrderID  string
	ExchangeFillID string
	SymbolID       SymbolID
	Side           OrderSide
	Price          Price
	Qty            Quantity
	Fee            Fee
	Seq            uint64
	Time           int64
}

// MarketSnapshot is the latest known top of book and last trade for a symbol.
// It is superseded whole by each update; Seq gates out stale updates.
type MarketSnapshot struct {
	SymbolID  SymbolID
	Seq       uint64
	BidPrice  Price
	BidSize   Quantity
	AskPrice  Price
	AskSize   Quantity
	LastPrice Price
	LastSize  Quantity
	Time      int64
}

// RiskAction is the outcome of an admission decision.
type RiskAction uint16

const (
	RiskActionUnknown RiskAction = iota
	RiskActionAllow
	RiskActionDeny
)

// RiskReason is the enumerated reason for a deny decision.
type RiskReason uint16

const (
	RiskReasonNone RiskReason = iota
	RiskReasonKillSwitch
	RiskReasonExceedsOrderCount
	RiskReasonNotionalTooLarge
	RiskReasonExceedsPositionLimit
	RiskReasonUnknownOrder
)

// RiskDecision is the result of admitting an intent.
type RiskDecision struct {
	ClientOrderID string
	StrategyID    uint32
	SymbolID      SymbolID
	Action        RiskAction
	Reason        RiskReason
	ProposedQty   Quantity
	ProposedPrice Price
	CurrentPos    Quantity
	MaxPos        Quantity
	MaxNotional   Notional
}

// Allowed reports whether the decision admits the intent.
func (d RiskDecision) Allowed() bool {
	return d.Action == RiskActionAllow
}

// ExchangeEventKind distinguishes exchange-reported order events.
type ExchangeEventKind uint16

const (
	ExchangeEventUnknown ExchangeEventKind = iota
	ExchangeEventAck
	ExchangeEventFill
	ExchangeEventCancel
	ExchangeEventReject
)

// ExchangeEvent is a normalized private event reported by the exchange.
// Seq is the exchange's per-order sequence number.
type ExchangeEvent struct {
	Kind            ExchangeEventKind
	ClientOrderID   string
	ExchangeOrderID string
	ExchangeFillID  string
	SymbolID        SymbolID
	Side            OrderSide
	Price           Price
	Qty             Quantity
	Fee             Fee
	Seq             uint64
	Time            int64
	Reason          string
}

// StatusKind is the coarse order state reported by a status query.
type StatusKind uint16

const (
	StatusUnknown StatusKind = iota
	StatusNotFound
	StatusPending
	StatusOpen
	StatusFilled
	StatusCancelled
	StatusRejected
)

// OrderStatus is the exchange's answer to a status query, including any
// fills the local ledger may have missed.
type OrderStatus struct {
	ClientOrderID   string
	ExchangeOrderID string
	Kind            StatusKind
	SymbolID        SymbolID
	Side            OrderSide
	Type            OrderType
	Price           Price
	Qty             Quantity
	FilledQty       Quantity
	Seq             uint64
	Fills           []Fill
}
