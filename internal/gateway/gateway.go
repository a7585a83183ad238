package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/yanun0323/logs"

	"trader/internal/exchange"
	"trader/internal/ledger"
	"trader/internal/schema"
	"trader/pkg/backoff"
)

var (
	// ErrGatewayUnavailable is returned after retry exhaustion. The caller
	// marks the order Unknown rather than assuming failure or success.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrUnknownSymbol      = errors.New("symbol not in registry")
)

// Config controls retry and rate-limit behavior.
type Config struct {
	MaxAttempts   int           `json:"maxAttempts"`
	RateBurst     int           `json:"rateBurst"`
	RatePerSecond float64       `json:"ratePerSecond"`
	BackoffMin    time.Duration `json:"backoffMin"`
	BackoffMax    time.Duration `json:"backoffMax"`
}

// SubmitResult is the outcome of an order submission.
type SubmitResult struct {
	Accepted        bool
	ExchangeOrderID string
	RejectReason    string
}

// CancelOutcome enumerates cancellation results.
type CancelOutcome uint16

const (
	CancelUnknown CancelOutcome = iota
	CancelCancelled
	CancelNotFound
	CancelAlreadyTerminal
)

// Gateway drives the exchange transport with idempotency handling, retry
// with exponential backoff, and token-bucket rate limiting. On network
// ambiguity it re-queries status by client order ID before retrying; it
// never blindly resubmits.
type Gateway struct {
	transport   exchange.Transport
	registry    *schema.Registry
	limiter     *RateLimiter
	backoff     backoff.Backoff
	maxAttempts int
}

// New creates a gateway over the given transport.
func New(transport exchange.Transport, registry *schema.Registry, cfg Config) *Gateway {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 5
	}
	rate := cfg.RatePerSecond
	if rate <= 0 {
		rate = 10
	}
	bo := backoff.Default()
	if cfg.BackoffMin > 0 {
		bo.Min = cfg.BackoffMin
	}
	if cfg.BackoffMax > 0 {
		bo.Max = cfg.BackoffMax
	}
	return &Gateway{
		transport:   transport,
		registry:    registry,
		limiter:     NewRateLimiter(burst, rate),
		backoff:     bo,
		maxAttempts: maxAttempts,
	}
}

// Submit places an order. The order's ClientOrderID is the idempotency
// token; an ambiguous outcome resolves through a status query, so the
// same logical order is never live twice.
func (g *Gateway) Submit(ctx context.Context, order ledger.Order) (SubmitResult, error) {
	sym, ok := g.registry.Symbol(order.SymbolID)
	if !ok {
		return SubmitResult{}, ErrUnknownSymbol
	}
	req := exchange.PlaceOrderRequest{
		ClientOrderID: order.ClientOrderID,
		ProductID:     sym.Name,
		Side:          order.Side,
		Type:          order.Type,
		TimeInForce:   order.TimeInForce,
		Size:          sym.Scale.FormatQuantity(order.Qty),
	}
	if order.Type == schema.OrderTypeLimit {
		req.Price = sym.Scale.FormatPrice(order.Price)
	}

	// once any attempt ends ambiguous the order may be live on the
	// exchange; from then on every exit short of a resolved status is
	// ErrGatewayUnavailable so the caller parks the order Unknown
	// instead of treating a context error as a definitive failure
	unresolved := false
	for attempt := 1; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return SubmitResult{}, submitExit(unresolved, err)
		}
		ack, err := g.transport.PlaceOrder(ctx, req)
		switch {
		case err == nil:
			if ack.Accepted {
				return SubmitResult{Accepted: true, ExchangeOrderID: ack.ExchangeOrderID}, nil
			}
			return SubmitResult{Accepted: false, RejectReason: ack.RejectReason}, nil
		case exchange.Ambiguous(err):
			unresolved = true
			logs.Infof("submit %s ambiguous, querying status before retry", order.ClientOrderID)
			status, qerr := g.QueryStatus(ctx, order.ClientOrderID)
			if qerr == nil {
				switch status.Kind {
				case schema.StatusNotFound:
					// never reached the exchange; safe to retry
					unresolved = false
				case schema.StatusRejected:
					return SubmitResult{Accepted: false, RejectReason: "rejected"}, nil
				default:
					return SubmitResult{Accepted: true, ExchangeOrderID: status.ExchangeOrderID}, nil
				}
			}
		case exchange.Transient(err):
		default:
			return SubmitResult{}, submitExit(unresolved, err)
		}
		if attempt >= g.maxAttempts {
			return SubmitResult{}, ErrGatewayUnavailable
		}
		if err := sleep(ctx, g.backoff.Next(attempt)); err != nil {
			return SubmitResult{}, submitExit(unresolved, err)
		}
	}
}

// submitExit maps errors that abort a submission. With an unresolved
// ambiguous attempt outstanding the outcome is unknown, not failed.
func submitExit(unresolved bool, err error) error {
	if unresolved {
		return ErrGatewayUnavailable
	}
	return err
}

// Cancel cancels an order by client order ID.
func (g *Gateway) Cancel(ctx context.Context, clientOrderID string) (CancelOutcome, error) {
	for attempt := 1; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return CancelUnknown, err
		}
		ack, err := g.transport.CancelOrder(ctx, clientOrderID)
		switch {
		case err == nil:
			if ack.Cancelled {
				return CancelCancelled, nil
			}
			if ack.AlreadyTerminal {
				return CancelAlreadyTerminal, nil
			}
			return CancelNotFound, nil
		case errors.Is(err, exchange.ErrNotFound):
			// the exchange drops terminal orders from the cancel surface;
			// distinguish via status query
			status, qerr := g.QueryStatus(ctx, clientOrderID)
			if qerr != nil {
				return CancelUnknown, qerr
			}
			switch status.Kind {
			case schema.StatusFilled, schema.StatusCancelled, schema.StatusRejected:
				return CancelAlreadyTerminal, nil
			case schema.StatusNotFound:
				return CancelNotFound, nil
			default:
				return CancelNotFound, nil
			}
		case exchange.Ambiguous(err):
			status, qerr := g.QueryStatus(ctx, clientOrderID)
			if qerr == nil && status.Kind == schema.StatusCancelled {
				return CancelCancelled, nil
			}
		case exchange.Transient(err):
		default:
			return CancelUnknown, err
		}
		if attempt >= g.maxAttempts {
			return CancelUnknown, ErrGatewayUnavailable
		}
		if err := sleep(ctx, g.backoff.Next(attempt)); err != nil {
			return CancelUnknown, err
		}
	}
}

// QueryStatus fetches the authoritative order state. Queries are
// idempotent, so both transient and ambiguous failures retry.
func (g *Gateway) QueryStatus(ctx context.Context, clientOrderID string) (schema.OrderStatus, error) {
	for attempt := 1; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return schema.OrderStatus{}, err
		}
		status, err := g.transport.QueryOrder(ctx, clientOrderID)
		switch {
		case err == nil:
			return status, nil
		case exchange.Transient(err), exchange.Ambiguous(err):
		default:
			return schema.OrderStatus{}, err
		}
		if attempt >= g.maxAttempts {
			return schema.OrderStatus{}, ErrGatewayUnavailable
		}
		if err := sleep(ctx, g.backoff.Next(attempt)); err != nil {
			return schema.OrderStatus{}, err
		}
	}
}

// ListOpenOrders fetches all live orders for the startup sweep.
func (g *Gateway) ListOpenOrders(ctx context.Context) ([]schema.OrderStatus, error) {
	for attempt := 1; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		orders, err := g.transport.ListOpenOrders(ctx)
		switch {
		case err == nil:
			return orders, nil
		case exchange.Transient(err), exchange.Ambiguous(err):
		default:
			return nil, err
		}
		if attempt >= g.maxAttempts {
			return nil, ErrGatewayUnavailable
		}
		if err := sleep(ctx, g.backoff.Next(attempt)); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
