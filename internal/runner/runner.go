package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"trader/internal/feed"
	"trader/internal/gateway"
	"trader/internal/ledger"
	"trader/internal/obs"
	"trader/internal/risk"
	"trader/internal/schema"
	"trader/internal/state"
	"trader/internal/strategy"
)

// Submitter places and cancels orders on the exchange. Satisfied by the
// gateway.
type Submitter interface {
	Submit(ctx context.Context, order ledger.Order) (gateway.SubmitResult, error)
	Cancel(ctx context.Context, clientOrderID string) (gateway.CancelOutcome, error)
}

// Reconciler accepts exchange events and unknown-order markers. Satisfied
// by the reconciliation engine.
type Reconciler interface {
	Enqueue(ev schema.ExchangeEvent) error
	MarkUnknown(clientOrderID string)
}

const marketQueueSize = 64

// Runner hosts strategy instances. Each instance runs on its own
// goroutine and its callbacks never overlap; instances run concurrently
// with no ordering guarantee across them. Intents flow through risk
// admission, then the gateway; every outcome is reported back to the
// originating strategy.
type Runner struct {
	book      *ledger.Book
	positions *state.PositionReducer
	store     *feed.MarketStore
	risk      *risk.Engine
	submitter Submitter
	recon     Reconciler
	metrics   *obs.Metrics

	instances map[uint32]*instance
	wg        sync.WaitGroup
}

type instance struct {
	reg    strategy.Registration
	view   strategy.View
	market chan schema.MarketSnapshot

	// fills buffer without bound: the reconciliation worker delivers
	// them and must never block on a slow strategy
	fillMu    sync.Mutex
	fillQueue []schema.Fill
	fillReady chan struct{}
}

// pushFill appends a fill and wakes the instance worker. Never blocks.
func (inst *instance) pushFill(fill schema.Fill) {
	inst.fillMu.Lock()
	inst.fillQueue = append(inst.fillQueue, fill)
	inst.fillMu.Unlock()
	select {
	case inst.fillReady <- struct{}{}:
	default:
	}
}

// takeFills drains the buffered fills in arrival order.
func (inst *instance) takeFills() []schema.Fill {
	inst.fillMu.Lock()
	fills := inst.fillQueue
	inst.fillQueue = nil
	inst.fillMu.Unlock()
	return fills
}

// New creates a runner. Strategies register before Run.
func New(book *ledger.Book, positions *state.PositionReducer, store *feed.MarketStore, riskEngine *risk.Engine, submitter Submitter, recon Reconciler, metrics *obs.Metrics) *Runner {
	return &Runner{
		book:      book,
		positions: positions,
		store:     store,
		risk:      riskEngine,
		submitter: submitter,
		recon:     recon,
		metrics:   metrics,
		instances: make(map[uint32]*instance),
	}
}

// Register adds a strategy instance. Not safe to call after Run.
func (r *Runner) Register(reg strategy.Registration) error {
	if reg.ID == 0 || reg.Strategy == nil {
		return errors.New("invalid strategy registration")
	}
	if _, ok := r.instances[reg.ID]; ok {
		return errors.New("strategy id already registered")
	}
	r.instances[reg.ID] = &instance{
		reg: reg,
		view: scopedView{
			strategyID: reg.ID,
			book:       r.book,
			positions:  r.positions,
			store:      r.store,
		},
		market:    make(chan schema.MarketSnapshot, marketQueueSize),
		fillReady: make(chan struct{}, 1),
	}
	return nil
}

// Run starts one worker per instance and blocks until the context ends.
func (r *Runner) Run(ctx context.Context) {
	for _, inst := range r.instances {
		r.wg.Add(1)
		go func(inst *instance) {
			defer r.wg.Done()
			r.runInstance(ctx, inst)
		}(inst)
	}
	r.wg.Wait()
}

// OnMarket routes a snapshot to every instance scoped to its symbol.
// Market updates supersede each other, so a full queue drops the update.
func (r *Runner) OnMarket(snap schema.MarketSnapshot) {
	for _, inst := range r.instances {
		if inst.reg.SymbolID != 0 && inst.reg.SymbolID != snap.SymbolID {
			continue
		}
		select {
		case inst.market <- snap:
		default:
			r.metrics.IncQueueDrop()
		}
	}
}

// OnFill routes a fill to the strategy that owns the filled order.
// Fills are never dropped and never block the caller.
func (r *Runner) OnFill(order ledger.Order, fill schema.Fill) {
	inst, ok := r.instances[order.StrategyID]
	if !ok {
		return
	}
	inst.pushFill(fill)
}

func (r *Runner) runInstance(ctx context.Context, inst *instance) {
	logs.Infof("strategy %s (id=%d) started", inst.reg.Name, inst.reg.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-inst.fillReady:
			for _, fill := range inst.takeFills() {
				intents := inst.reg.Strategy.OnFill(inst.view, fill)
				r.execute(ctx, inst, intents)
			}
		case snap := <-inst.market:
			snap = drainToLatest(inst.market, snap)
			intents := inst.reg.Strategy.OnMarketUpdate(inst.view, snap)
			r.execute(ctx, inst, intents)
		}
	}
}

// drainToLatest empties the market queue; only the freshest snapshot
// matters.
func drainToLatest(ch <-chan schema.MarketSnapshot, snap schema.MarketSnapshot) schema.MarketSnapshot {
	for {
		select {
		case next := <-ch:
			snap = next
		default:
			return snap
		}
	}
}

func (r *Runner) execute(ctx context.Context, inst *instance, intents []schema.Intent) {
	for _, intent := range intents {
		var res strategy.Result
		switch intent.Kind {
		case schema.IntentPlaceOrder:
			res = r.place(ctx, intent)
		case schema.IntentCancelOrder:
			res = r.cancel(ctx, inst, intent)
		default:
			continue
		}
		if handler, ok := inst.reg.Strategy.(strategy.ResultHandler); ok {
			handler.OnResult(res)
		}
		if res.Denied() {
			logs.Infof("intent denied for strategy %d: reason=%d", intent.StrategyID, res.DenyReason)
		}
	}
}

func (r *Runner) place(ctx context.Context, intent schema.Intent) strategy.Result {
	res := strategy.Result{Intent: intent, ClientOrderID: uuid.NewString()}
	start := time.Now()

	riskStart := time.Now()
	decision := r.risk.Admit(res.ClientOrderID, intent, r.store.LastPrice(intent.SymbolID))
	r.metrics.ObserveRiskEval(time.Since(riskStart))
	if !decision.Allowed() {
		r.metrics.IncRiskReason(decision.Reason)
		res.DenyReason = decision.Reason
		return res
	}

	order := ledger.Order{
		ClientOrderID: res.ClientOrderID,
		StrategyID:    intent.StrategyID,
		SymbolID:      intent.SymbolID,
		Side:          intent.Side,
		Type:          intent.Type,
		TimeInForce:   intent.TimeInForce,
		Price:         intent.Price,
		Qty:           intent.Qty,
	}
	if err := r.book.Track(order); err != nil {
		r.risk.Release(res.ClientOrderID)
		res.Err = err
		return res
	}

	result, err := r.submitter.Submit(ctx, order)
	switch {
	case err == nil && result.Accepted:
		res.Accepted = true
		r.enqueue(schema.ExchangeEvent{
			Kind:            schema.ExchangeEventAck,
			ClientOrderID:   res.ClientOrderID,
			ExchangeOrderID: result.ExchangeOrderID,
		})
	case err == nil:
		res.RejectReason = result.RejectReason
		r.enqueue(schema.ExchangeEvent{
			Kind:          schema.ExchangeEventReject,
			ClientOrderID: res.ClientOrderID,
			Reason:        result.RejectReason,
		})
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		// outcome unknown; never assume failure, never resubmit
		res.Err = err
		r.recon.MarkUnknown(res.ClientOrderID)
	default:
		res.Err = err
		r.enqueue(schema.ExchangeEvent{
			Kind:          schema.ExchangeEventReject,
			ClientOrderID: res.ClientOrderID,
			Reason:        err.Error(),
		})
	}
	r.metrics.ObserveOrderFlow(time.Since(start))
	return res
}

func (r *Runner) cancel(ctx context.Context, inst *instance, intent schema.Intent) strategy.Result {
	res := strategy.Result{Intent: intent, ClientOrderID: intent.CancelClientOrderID}

	order, ok := r.book.Get(intent.CancelClientOrderID)
	if !ok || order.StrategyID != inst.reg.ID {
		res.DenyReason = schema.RiskReasonUnknownOrder
		r.metrics.IncRiskReason(res.DenyReason)
		return res
	}
	if order.State.Terminal() {
		res.Accepted = true
		res.AlreadyTerminal = true
		return res
	}

	outcome, err := r.submitter.Cancel(ctx, intent.CancelClientOrderID)
	switch {
	case err == nil && outcome == gateway.CancelCancelled:
		res.Accepted = true
		r.enqueue(schema.ExchangeEvent{
			Kind:          schema.ExchangeEventCancel,
			ClientOrderID: intent.CancelClientOrderID,
		})
	case err == nil:
		// already terminal or not found; the terminal event arrives
		// through the feed or the unknown-resolution path
		if outcome == gateway.CancelAlreadyTerminal {
			res.Accepted = true
			res.AlreadyTerminal = true
		}
	default:
		res.Err = err
		logs.Errorf("cancel %s, err: %+v", intent.CancelClientOrderID, err)
	}
	return res
}

func (r *Runner) enqueue(ev schema.ExchangeEvent) {
	if ev.Time == 0 {
		ev.Time = time.Now().UTC().UnixNano()
	}
	if err := r.recon.Enqueue(ev); err != nil {
		logs.Errorf("enqueue event for %s, err: %+v", ev.ClientOrderID, err)
	}
}

// scopedView restricts a strategy to its own orders plus shared
// positions and market data.
type scopedView struct {
	strategyID uint32
	book       *ledger.Book
	positions  *state.PositionReducer
	store      *feed.MarketStore
}

func (v scopedView) Orders() []ledger.Order {
	return v.book.OrdersByStrategy(v.strategyID)
}

func (v scopedView) Position(symbolID schema.SymbolID) schema.Quantity {
	return v.positions.Position(symbolID)
}

func (v scopedView) Market(symbolID schema.SymbolID) (schema.MarketSnapshot, bool) {
	return v.store.Snapshot(symbolID)
}
