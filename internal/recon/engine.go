package recon

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"trader/internal/bus"
	"trader/internal/ledger"
	"trader/internal/obs"
	"trader/internal/risk"
	"trader/internal/schema"
	"trader/internal/state"
)

// sourceRecon tags headers and trace IDs issued by this engine.
const sourceRecon uint16 = 1

// StatusClient answers authoritative order status queries. Satisfied by
// the gateway.
type StatusClient interface {
	QueryStatus(ctx context.Context, clientOrderID string) (schema.OrderStatus, error)
	ListOpenOrders(ctx context.Context) ([]schema.OrderStatus, error)
}

// FillHandler is notified after a fill is applied to the ledger.
type FillHandler func(order ledger.Order, fill schema.Fill)

// TerminalHandler is notified when an order reaches a terminal state.
type TerminalHandler func(order ledger.Order)

// Engine merges exchange-reported events into the local ledger. It is the
// ledger's single writer: events drain through one worker, per-order
// ordering is enforced by the ledger's sequence gate, and conflicting
// terminal reports quarantine the affected order only.
type Engine struct {
	book      *ledger.Book
	positions *state.PositionReducer
	risk      *risk.Engine
	status    StatusClient
	queue     *bus.Queue
	metrics   *obs.Metrics
	traceGen  *obs.TraceGenerator
	seq       uint64

	onFill     FillHandler
	onTerminal TerminalHandler
}

// New creates a reconciliation engine with a bounded event queue.
func New(book *ledger.Book, positions *state.PositionReducer, riskEngine *risk.Engine, status StatusClient, metrics *obs.Metrics, queueCapacity int) *Engine {
	return &Engine{
		book:      book,
		positions: positions,
		risk:      riskEngine,
		status:    status,
		queue:     bus.NewQueue(queueCapacity),
		metrics:   metrics,
		traceGen:  obs.NewTraceGenerator(sourceRecon),
	}
}

// SetFillHandler registers the fill notification callback.
func (e *Engine) SetFillHandler(fn FillHandler) {
	e.onFill = fn
}

// SetTerminalHandler registers the terminal notification callback.
func (e *Engine) SetTerminalHandler(fn TerminalHandler) {
	e.onTerminal = fn
}

// Enqueue publishes an exchange event onto the reconciliation queue
// without blocking.
func (e *Engine) Enqueue(ev schema.ExchangeEvent) error {
	now := time.Now().UTC().UnixNano()
	header := schema.NewHeader(eventType(ev.Kind), sourceRecon, atomic.AddUint64(&e.seq, 1), ev.Time, now)
	header.TraceID = e.traceGen.Next()
	err := e.queue.TryPublish(bus.Event{Header: header, Exchange: ev})
	if err != nil {
		if errors.Is(err, bus.ErrQueueFull) {
			e.metrics.IncQueueDrop()
		} else if errors.Is(err, bus.ErrQueueClosed) {
			e.metrics.IncQueueClosed()
		}
		return err
	}
	e.metrics.ObserveEvent(header)
	return nil
}

// Run drains the queue until the context ends or the queue closes.
func (e *Engine) Run(ctx context.Context) {
	e.queue.Run(ctx, func(ev bus.Event) {
		e.Apply(ctx, ev.Exchange)
	})
}

// Close stops the queue from accepting new events.
func (e *Engine) Close() {
	e.queue.Close()
}

// Apply merges one exchange event into the ledger.
func (e *Engine) Apply(ctx context.Context, ev schema.ExchangeEvent) {
	clientOrderID := e.resolveClientID(ev)
	if clientOrderID == "" {
		logs.Infof("drop event for unknown order: kind=%d exchange_id=%s", ev.Kind, ev.ExchangeOrderID)
		return
	}

	switch ev.Kind {
	case schema.ExchangeEventAck:
		if order, ok := e.book.Get(clientOrderID); ok && order.State == ledger.OrderStateUnknown {
			if err := e.ResolveUnknown(ctx, clientOrderID); err != nil {
				logs.Errorf("resolve unknown order %s, err: %+v", clientOrderID, err)
			}
			return
		}
		order, err := e.book.Acknowledge(clientOrderID, ev.ExchangeOrderID, ev.Seq)
		if err != nil {
			e.dropOrQuarantine(clientOrderID, "ack", err)
			return
		}
		logs.Infof("order %s acknowledged: state=%s", clientOrderID, order.State)

	case schema.ExchangeEventFill:
		fill := schema.Fill{
			ClientOrderID:  clientOrderID,
			ExchangeFillID: ev.ExchangeFillID,
			SymbolID:       ev.SymbolID,
			Side:           ev.Side,
			Price:          ev.Price,
			Qty:            ev.Qty,
			Fee:            ev.Fee,
			Seq:            ev.Seq,
			Time:           ev.Time,
		}
		e.applyFill(fill)

	case schema.ExchangeEventCancel:
		order, err := e.book.Cancel(clientOrderID, ev.Seq)
		if err != nil {
			e.dropOrQuarantine(clientOrderID, "cancel", err)
			return
		}
		if order.State.Terminal() {
			e.noteTerminal(order)
		}

	case schema.ExchangeEventReject:
		order, err := e.book.Reject(clientOrderID, ev.Reason, ev.Seq)
		if err != nil {
			e.dropOrQuarantine(clientOrderID, "reject", err)
			return
		}
		if order.State.Terminal() {
			e.noteTerminal(order)
		}
	}
}

// MarkUnknown parks an order in the Unknown state after gateway retry
// exhaustion. The order is blocked until a status query resolves it.
func (e *Engine) MarkUnknown(clientOrderID string) {
	if _, err := e.book.MarkUnknown(clientOrderID); err != nil {
		logs.Errorf("mark unknown %s, err: %+v", clientOrderID, err)
		return
	}
	e.metrics.IncUnknownOrder()
	logs.Errorf("order %s marked unknown: gateway unavailable, awaiting status query", clientOrderID)
}

// ResolveUnknown settles an Unknown order by querying current exchange
// status and replaying any missed fills.
func (e *Engine) ResolveUnknown(ctx context.Context, clientOrderID string) error {
	status, err := e.status.QueryStatus(ctx, clientOrderID)
	if err != nil {
		return err
	}

	switch status.Kind {
	case schema.StatusNotFound:
		// the submission never reached the exchange
		order, err := e.book.Reject(clientOrderID, "not found on exchange", 0)
		if err != nil {
			return err
		}
		e.noteTerminal(order)

	case schema.StatusRejected:
		order, err := e.book.Reject(clientOrderID, "rejected by exchange", status.Seq)
		if err != nil {
			return err
		}
		e.noteTerminal(order)

	default:
		if _, err := e.book.Acknowledge(clientOrderID, status.ExchangeOrderID, 0); err != nil &&
			!errors.Is(err, ledger.ErrStaleEvent) {
			return err
		}
		for _, fill := range status.Fills {
			e.applyFill(fill)
		}
		order, ok := e.book.Get(clientOrderID)
		if !ok {
			return ledger.ErrUnknownOrder
		}
		if status.Kind == schema.StatusFilled && order.FilledQty < order.Qty {
			// the exchange reports fully filled but fill detail is gone;
			// settle the remainder at the order price
			e.applyFill(schema.Fill{
				ClientOrderID:  clientOrderID,
				ExchangeFillID: "recon-" + clientOrderID,
				SymbolID:       order.SymbolID,
				Side:           order.Side,
				Price:          order.Price,
				Qty:            order.Qty - order.FilledQty,
			})
		}
		if status.Kind == schema.StatusCancelled {
			cancelled, err := e.book.Cancel(clientOrderID, 0)
			if err != nil && !errors.Is(err, ledger.ErrAlreadyTerminal) {
				return err
			}
			if cancelled.State.Terminal() {
				e.noteTerminal(cancelled)
			}
		}
	}

	e.metrics.IncUnknownResolved()
	return nil
}

// SweepOpenOrders reconciles exchange-side live orders into the ledger at
// startup. Orders already known are left alone; missed fills replay.
func (e *Engine) SweepOpenOrders(ctx context.Context) error {
	orders, err := e.status.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, st := range orders {
		if st.ClientOrderID == "" {
			continue
		}
		local, known := e.book.Get(st.ClientOrderID)
		if !known {
			err := e.book.Track(ledger.Order{
				ClientOrderID: st.ClientOrderID,
				SymbolID:      st.SymbolID,
				Side:          st.Side,
				Type:          st.Type,
				Price:         st.Price,
				Qty:           st.Qty,
			})
			if err != nil {
				logs.Errorf("sweep track %s, err: %+v", st.ClientOrderID, err)
				continue
			}
			if _, err := e.book.Acknowledge(st.ClientOrderID, st.ExchangeOrderID, 0); err != nil {
				logs.Errorf("sweep ack %s, err: %+v", st.ClientOrderID, err)
				continue
			}
			// reinstate the full quantity; the replayed fills below settle
			// the filled part of the reservation
			e.risk.Reinstate(st.ClientOrderID, st.SymbolID, st.Side, st.Qty)
			local, _ = e.book.Get(st.ClientOrderID)
			logs.Infof("swept live order %s: product=%d filled=%d/%d", st.ClientOrderID, st.SymbolID, st.FilledQty, st.Qty)
		}
		if st.FilledQty > local.FilledQty {
			full, err := e.status.QueryStatus(ctx, st.ClientOrderID)
			if err != nil {
				logs.Errorf("sweep query %s, err: %+v", st.ClientOrderID, err)
				continue
			}
			for _, fill := range full.Fills {
				e.applyFill(fill)
			}
		}
	}
	return nil
}

// RunEviction periodically removes terminal orders past the audit window.
func (e *Engine) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted := e.book.EvictExpired(now)
			if len(evicted) > 0 {
				logs.Infof("evicted %d terminal orders past audit window", len(evicted))
			}
		}
	}
}

func (e *Engine) applyFill(fill schema.Fill) {
	order, err := e.book.ApplyFill(fill)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateFill):
			e.metrics.IncDuplicateFill()
		case errors.Is(err, ledger.ErrStaleEvent):
			e.metrics.IncStaleDrop()
		case errors.Is(err, ledger.ErrOverfill), errors.Is(err, ledger.ErrAlreadyTerminal):
			e.quarantine(fill.ClientOrderID, "fill", err)
		case errors.Is(err, ledger.ErrQuarantined):
		default:
			logs.Errorf("apply fill %s on %s, err: %+v", fill.ExchangeFillID, fill.ClientOrderID, err)
		}
		return
	}
	e.positions.ApplyFill(fill)
	e.risk.OnFill(fill)
	if e.onFill != nil {
		e.onFill(order, fill)
	}
	if order.State.Terminal() {
		e.noteTerminal(order)
	}
}

func (e *Engine) noteTerminal(order ledger.Order) {
	e.risk.OnTerminal(order.ClientOrderID)
	if e.onTerminal != nil {
		e.onTerminal(order)
	}
	logs.Infof("order %s terminal: state=%s filled=%d/%d", order.ClientOrderID, order.State, order.FilledQty, order.Qty)
}

// dropOrQuarantine maps ledger errors to replay-safe drops or integrity
// quarantines.
func (e *Engine) dropOrQuarantine(clientOrderID, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrStaleEvent):
		e.metrics.IncStaleDrop()
	case errors.Is(err, ledger.ErrAlreadyTerminal), errors.Is(err, ledger.ErrInvalidTransition):
		e.quarantine(clientOrderID, op, err)
	case errors.Is(err, ledger.ErrQuarantined):
	default:
		logs.Errorf("%s on %s, err: %+v", op, clientOrderID, err)
	}
}

// quarantine isolates a single order on a data-integrity conflict and
// surfaces an alert. Reconciliation continues for every other order.
func (e *Engine) quarantine(clientOrderID, op string, cause error) {
	if _, err := e.book.Quarantine(clientOrderID); err != nil {
		logs.Errorf("quarantine %s, err: %+v", clientOrderID, err)
		return
	}
	e.risk.OnTerminal(clientOrderID)
	e.metrics.IncQuarantine()
	logs.Errorf("ALERT data integrity: order %s quarantined on %s, err: %+v", clientOrderID, op, cause)
}

func (e *Engine) resolveClientID(ev schema.ExchangeEvent) string {
	if ev.ClientOrderID != "" {
		return ev.ClientOrderID
	}
	if ev.ExchangeOrderID == "" {
		return ""
	}
	if order, ok := e.book.GetByExchangeID(ev.ExchangeOrderID); ok {
		return order.ClientOrderID
	}
	return ""
}

func eventType(kind schema.ExchangeEventKind) schema.EventType {
	switch kind {
	case schema.ExchangeEventAck:
		return schema.EventOrderAck
	case schema.ExchangeEventFill:
		return schema.EventFill
	case schema.ExchangeEventCancel:
		return schema.EventOrderCancel
	case schema.ExchangeEventReject:
		return schema.EventOrderReject
	default:
		return schema.EventUnknown
	}
}
