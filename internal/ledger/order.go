package ledger

import (
	"trader/internal/schema"
)

// OrderState tracks the lifecycle of an order.
type OrderState uint16

const (
	OrderStateNone OrderState = iota
	OrderStatePending
	OrderStateOpen
	OrderStatePartFilled
	OrderStateFilled
	OrderStateCancelled
	OrderStateRejected
	// OrderStateUnknown marks an order whose submission outcome is ambiguous
	// after gateway retry exhaustion. It requires a status query before any
	// further action.
	OrderStateUnknown
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	default:
		return false
	}
}

func (s OrderState) String() string {
	switch s {
	case OrderStatePending:
		return "pending"
	case OrderStateOpen:
		return "open"
	case OrderStatePartFilled:
		return "part_filled"
	case OrderStateFilled:
		return "filled"
	case OrderStateCancelled:
		return "cancelled"
	case OrderStateRejected:
		return "rejected"
	case OrderStateUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Order is the ledger's view of a single order. ClientOrderID is the
// locally generated idempotency key and never changes; ExchangeOrderID is
// empty until the exchange acknowledges the order.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	StrategyID      uint32
	SymbolID        schema.SymbolID
	Side            schema.OrderSide
	Type            schema.OrderType
	TimeInForce     schema.TimeInForce
	Price           schema.Price
	Qty             schema.Quantity
	FilledQty       schema.Quantity
	State           OrderState
	LastSeq         uint64
	Quarantined     bool
	RejectReason    string
	CreatedAt       int64
	UpdatedAt       int64
}

// LeavesQty returns the unfilled remainder.
func (o Order) LeavesQty() schema.Quantity {
	return o.Qty - o.FilledQty
}
