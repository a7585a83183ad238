package recon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/ledger"
	"trader/internal/obs"
	"trader/internal/risk"
	"trader/internal/schema"
	"trader/internal/state"
)

type fakeStatusClient struct {
	statuses map[string]schema.OrderStatus
	open     []schema.OrderStatus
	queries  int
}

func (f *fakeStatusClient) QueryStatus(ctx context.Context, clientOrderID string) (schema.OrderStatus, error) {
	f.queries++
	if status, ok := f.statuses[clientOrderID]; ok {
		return status, nil
	}
	return schema.OrderStatus{ClientOrderID: clientOrderID, Kind: schema.StatusNotFound}, nil
}

func (f *fakeStatusClient) ListOpenOrders(ctx context.Context) ([]schema.OrderStatus, error) {
	return f.open, nil
}

type harness struct {
	book      *ledger.Book
	positions *state.PositionReducer
	risk      *risk.Engine
	status    *fakeStatusClient
	metrics   *obs.Metrics
	engine    *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		book:      ledger.NewBook(time.Hour, nil),
		positions: state.NewPositionReducer(),
		risk:      risk.NewEngine(risk.Config{Version: 1}),
		status:    &fakeStatusClient{statuses: make(map[string]schema.OrderStatus)},
		metrics:   obs.NewMetrics(),
	}
	h.engine = New(h.book, h.positions, h.risk, h.status, h.metrics, 64)
	return h
}

func (h *harness) track(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.book.Track(ledger.Order{
		ClientOrderID: id,
		StrategyID:    1,
		SymbolID:      1,
		Side:          schema.OrderSideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         100,
		Qty:           10,
	}))
}

func TestAckBindsExchangeID(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")

	h.engine.Apply(context.Background(), schema.ExchangeEvent{
		Kind: schema.ExchangeEventAck, ClientOrderID: "a", ExchangeOrderID: "ex-1", Seq: 1,
	})

	order, ok := h.book.GetByExchangeID("ex-1")
	require.True(t, ok)
	assert.Equal(t, ledger.OrderStateOpen, order.State)
}

func TestFillResolvedByExchangeID(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")
	h.engine.Apply(context.Background(), schema.ExchangeEvent{
		Kind: schema.ExchangeEventAck, ClientOrderID: "a", ExchangeOrderID: "ex-1", Seq: 1,
	})

	h.engine.Apply(context.Background(), schema.ExchangeEvent{
		Kind: schema.ExchangeEventFill, ExchangeOrderID: "ex-1", ExchangeFillID: "f1",
		SymbolID: 1, Side: schema.OrderSideBuy, Price: 100, Qty: 4, Seq: 2,
	})

	order, _ := h.book.Get("a")
	assert.Equal(t, schema.Quantity(4), order.FilledQty)
	assert.Equal(t, schema.Quantity(4), h.positions.Position(1))
}

func TestStaleAndDuplicateEventsDropped(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")
	h.engine.Apply(context.Background(), schema.ExchangeEvent{
		Kind: schema.ExchangeEventAck, ClientOrderID: "a", ExchangeOrderID: "ex-1", Seq: 5,
	})

	fill := schema.ExchangeEvent{
		Kind: schema.ExchangeEventFill, ClientOrderID: "a", ExchangeFillID: "f1",
		SymbolID: 1, Side: schema.OrderSideBuy, Price: 100, Qty: 4, Seq: 6,
	}
	h.engine.Apply(context.Background(), fill)
	h.engine.Apply(context.Background(), fill)

	stale := fill
	stale.ExchangeFillID = "f0"
	stale.Seq = 3
	h.engine.Apply(context.Background(), stale)

	order, _ := h.book.Get("a")
	assert.Equal(t, schema.Quantity(4), order.FilledQty)

	snap := h.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.DuplicateFills)
	assert.Equal(t, uint64(1), snap.StaleDrops)
}

func TestConflictingTerminalQuarantinesOrderOnly(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")
	h.track(t, "b")
	ctx := context.Background()

	h.engine.Apply(ctx, schema.ExchangeEvent{Kind: schema.ExchangeEventAck, ClientOrderID: "a", ExchangeOrderID: "ex-1", Seq: 1})
	h.engine.Apply(ctx, schema.ExchangeEvent{Kind: schema.ExchangeEventCancel, ClientOrderID: "a", Seq: 2})

	// a fill after the cancel is a terminal conflict
	h.engine.Apply(ctx, schema.ExchangeEvent{
		Kind: schema.ExchangeEventFill, ClientOrderID: "a", ExchangeFillID: "f1",
		SymbolID: 1, Side: schema.OrderSideBuy, Price: 100, Qty: 4, Seq: 3,
	})

	order, _ := h.book.Get("a")
	assert.True(t, order.Quarantined)
	snap := h.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Quarantines)
	assert.GreaterOrEqual(t, snap.Alerts, uint64(1))

	// the other order still reconciles
	h.engine.Apply(ctx, schema.ExchangeEvent{Kind: schema.ExchangeEventAck, ClientOrderID: "b", ExchangeOrderID: "ex-2", Seq: 1})
	other, _ := h.book.Get("b")
	assert.Equal(t, ledger.OrderStateOpen, other.State)
}

func TestResolveUnknownNotFoundRejects(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")
	h.engine.MarkUnknown("a")

	require.NoError(t, h.engine.ResolveUnknown(context.Background(), "a"))

	order, _ := h.book.Get("a")
	assert.Equal(t, ledger.OrderStateRejected, order.State)
	snap := h.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.UnknownOrders)
	assert.Equal(t, uint64(1), snap.UnknownResolved)
}

func TestResolveUnknownReplaysMissedFills(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")
	h.engine.MarkUnknown("a")
	h.status.statuses["a"] = schema.OrderStatus{
		ClientOrderID:   "a",
		ExchangeOrderID: "ex-1",
		Kind:            schema.StatusFilled,
		SymbolID:        1,
		Qty:             10,
		FilledQty:       10,
		Fills: []schema.Fill{
			{ClientOrderID: "a", ExchangeFillID: "f1", SymbolID: 1, Side: schema.OrderSideBuy, Price: 100, Qty: 6, Seq: 1},
			{ClientOrderID: "a", ExchangeFillID: "f2", SymbolID: 1, Side: schema.OrderSideBuy, Price: 100, Qty: 4, Seq: 2},
		},
	}

	require.NoError(t, h.engine.ResolveUnknown(context.Background(), "a"))

	order, _ := h.book.Get("a")
	assert.Equal(t, ledger.OrderStateFilled, order.State)
	assert.Equal(t, "ex-1", order.ExchangeOrderID)
	assert.Equal(t, schema.Quantity(10), h.positions.Position(1))
}

func TestResolveUnknownSynthesizesRemainder(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")
	h.engine.MarkUnknown("a")
	// the exchange says filled but fill detail is gone
	h.status.statuses["a"] = schema.OrderStatus{
		ClientOrderID:   "a",
		ExchangeOrderID: "ex-1",
		Kind:            schema.StatusFilled,
		SymbolID:        1,
		Qty:             10,
		FilledQty:       10,
	}

	require.NoError(t, h.engine.ResolveUnknown(context.Background(), "a"))

	order, _ := h.book.Get("a")
	assert.Equal(t, ledger.OrderStateFilled, order.State)
	fills := h.book.Fills("a")
	require.Len(t, fills, 1)
	assert.Equal(t, "recon-a", fills[0].ExchangeFillID)
}

func TestResolveUnknownCancelled(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")
	h.engine.MarkUnknown("a")
	h.status.statuses["a"] = schema.OrderStatus{
		ClientOrderID:   "a",
		ExchangeOrderID: "ex-1",
		Kind:            schema.StatusCancelled,
		SymbolID:        1,
		Qty:             10,
	}

	require.NoError(t, h.engine.ResolveUnknown(context.Background(), "a"))

	order, _ := h.book.Get("a")
	assert.Equal(t, ledger.OrderStateCancelled, order.State)
}

func TestAckOnUnknownOrderTriggersResolution(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")
	h.engine.MarkUnknown("a")
	h.status.statuses["a"] = schema.OrderStatus{
		ClientOrderID:   "a",
		ExchangeOrderID: "ex-1",
		Kind:            schema.StatusOpen,
		SymbolID:        1,
		Qty:             10,
	}

	h.engine.Apply(context.Background(), schema.ExchangeEvent{
		Kind: schema.ExchangeEventAck, ClientOrderID: "a", ExchangeOrderID: "ex-1", Seq: 1,
	})

	order, _ := h.book.Get("a")
	assert.Equal(t, ledger.OrderStateOpen, order.State)
	assert.Equal(t, 1, h.status.queries)
}

func TestSweepRecoversLiveOrders(t *testing.T) {
	h := newHarness(t)
	h.status.open = []schema.OrderStatus{{
		ClientOrderID:   "lost",
		ExchangeOrderID: "ex-7",
		Kind:            schema.StatusOpen,
		SymbolID:        1,
		Side:            schema.OrderSideBuy,
		Type:            schema.OrderTypeLimit,
		Price:           100,
		Qty:             10,
		FilledQty:       4,
	}}
	h.status.statuses["lost"] = schema.OrderStatus{
		ClientOrderID:   "lost",
		ExchangeOrderID: "ex-7",
		Kind:            schema.StatusOpen,
		SymbolID:        1,
		Qty:             10,
		FilledQty:       4,
		Fills: []schema.Fill{
			{ClientOrderID: "lost", ExchangeFillID: "f1", SymbolID: 1, Side: schema.OrderSideBuy, Price: 100, Qty: 4, Seq: 1},
		},
	}

	require.NoError(t, h.engine.SweepOpenOrders(context.Background()))

	order, ok := h.book.Get("lost")
	require.True(t, ok)
	assert.Equal(t, schema.Quantity(4), order.FilledQty)
	assert.Equal(t, 1, h.risk.OpenOrders(1))

	// sweeping again changes nothing
	require.NoError(t, h.engine.SweepOpenOrders(context.Background()))
	assert.Equal(t, 1, h.risk.OpenOrders(1))
	assert.Equal(t, schema.Quantity(4), h.positions.Position(1))
}

func TestQueueDrainAppliesEvents(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")

	require.NoError(t, h.engine.Enqueue(schema.ExchangeEvent{
		Kind: schema.ExchangeEventAck, ClientOrderID: "a", ExchangeOrderID: "ex-1", Seq: 1,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		order, _ := h.book.Get("a")
		return order.State == ledger.OrderStateOpen
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestTerminalNotificationFires(t *testing.T) {
	h := newHarness(t)
	h.track(t, "a")

	var terminal []string
	h.engine.SetTerminalHandler(func(order ledger.Order) {
		terminal = append(terminal, order.ClientOrderID)
	})

	ctx := context.Background()
	h.engine.Apply(ctx, schema.ExchangeEvent{Kind: schema.ExchangeEventAck, ClientOrderID: "a", ExchangeOrderID: "ex-1", Seq: 1})
	h.engine.Apply(ctx, schema.ExchangeEvent{Kind: schema.ExchangeEventCancel, ClientOrderID: "a", Seq: 2})

	assert.Equal(t, []string{"a"}, terminal)
}
