package exchange

import (
	"context"
	"errors"

	"trader/internal/schema"
)

var (
	// ErrAmbiguous marks a request whose outcome is unknown (timeout or
	// connection loss mid-request). The caller must query status before
	// retrying; blind resubmission risks a duplicate live order.
	ErrAmbiguous = errors.New("exchange request outcome unknown")
	// ErrTransient marks a failure that is safe to retry (5xx, 429).
	ErrTransient = errors.New("exchange transient failure")
	// ErrNotFound marks a reference to an order the exchange does not know.
	ErrNotFound = errors.New("exchange order not found")
)

// PlaceOrderRequest is the abstract order-placement call. Price and Size
// are wire-format decimal strings; ClientOrderID is the idempotency key.
type PlaceOrderRequest struct {
	ClientOrderID string
	ProductID     string
	Side          schema.OrderSide
	Type          schema.OrderType
	TimeInForce   schema.TimeInForce
	Price         string
	Size          string
}

// PlaceOrderAck is the exchange's immediate answer to a placement.
type PlaceOrderAck struct {
	ExchangeOrderID string
	Accepted        bool
	RejectReason    string
}

// CancelAck is the exchange's answer to a cancellation.
type CancelAck struct {
	Cancelled       bool
	AlreadyTerminal bool
}

// Transport is the capability interface over the exchange trading API.
// Wire encoding is the implementation's concern.
type Transport interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderAck, error)
	CancelOrder(ctx context.Context, clientOrderID string) (CancelAck, error)
	QueryOrder(ctx context.Context, clientOrderID string) (schema.OrderStatus, error)
	ListOpenOrders(ctx context.Context) ([]schema.OrderStatus, error)
}

// Transient reports whether the error is safe to retry without a status
// query.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Ambiguous reports whether the request outcome is unknown.
func Ambiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}
