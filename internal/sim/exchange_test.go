package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/exchange"
	"trader/internal/schema"
)

type captureSink struct {
	events []schema.ExchangeEvent
}

func (s *captureSink) Enqueue(ev schema.ExchangeEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) kinds() []schema.ExchangeEventKind {
	out := make([]schema.ExchangeEventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func simRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	venueID, err := reg.AddVenue("sim")
	require.NoError(t, err)
	_, err = reg.AddSymbol("BTC-USD", venueID, schema.ScaleSpec{PriceScale: 2, QuantityScale: 8, FeeScale: 2})
	require.NoError(t, err)
	return reg
}

func newSimExchange(t *testing.T, cfg Config) (*Exchange, *captureSink) {
	t.Helper()
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	sink := &captureSink{}
	x, err := NewExchange(cfg, simRegistry(t), sink)
	require.NoError(t, err)
	return x, sink
}

func placeReq(id string) exchange.PlaceOrderRequest {
	return exchange.PlaceOrderRequest{
		ClientOrderID: id,
		ProductID:     "BTC-USD",
		Side:          schema.OrderSideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         "50000.00",
		Size:          "1",
	}
}

func TestPlacementIsIdempotent(t *testing.T) {
	x, sink := newSimExchange(t, Config{})
	ctx := context.Background()

	first, err := x.PlaceOrder(ctx, placeReq("a"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := x.PlaceOrder(ctx, placeReq("a"))
	require.NoError(t, err)
	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)

	// one order, one ack
	open, err := x.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, []schema.ExchangeEventKind{schema.ExchangeEventAck}, sink.kinds())
}

func TestTickFillsCrossedOrders(t *testing.T) {
	x, sink := newSimExchange(t, Config{})
	ctx := context.Background()

	_, err := x.PlaceOrder(ctx, placeReq("a"))
	require.NoError(t, err)

	// above the buy limit: no fill
	x.Tick(1, 5100000)
	assert.Equal(t, []schema.ExchangeEventKind{schema.ExchangeEventAck}, sink.kinds())

	// at the limit: full fill
	x.Tick(1, 5000000)
	require.Equal(t, []schema.ExchangeEventKind{schema.ExchangeEventAck, schema.ExchangeEventFill}, sink.kinds())
	fill := sink.events[1]
	assert.Equal(t, schema.Price(5000000), fill.Price)
	assert.Equal(t, schema.Quantity(100000000), fill.Qty)

	status, err := x.QueryOrder(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFilled, status.Kind)
	assert.Len(t, status.Fills, 1)
}

func TestCancelLifecycle(t *testing.T) {
	x, _ := newSimExchange(t, Config{})
	ctx := context.Background()

	_, err := x.CancelOrder(ctx, "missing")
	assert.ErrorIs(t, err, exchange.ErrNotFound)

	_, err = x.PlaceOrder(ctx, placeReq("a"))
	require.NoError(t, err)

	ack, err := x.CancelOrder(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ack.Cancelled)

	ack, err = x.CancelOrder(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ack.AlreadyTerminal)

	// a cancelled order no longer fills
	x.Tick(1, 5000000)
	status, err := x.QueryOrder(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancelled, status.Kind)
	assert.Equal(t, schema.Quantity(0), status.FilledQty)
}

func TestAmbiguousPlacementStillApplies(t *testing.T) {
	x, _ := newSimExchange(t, Config{AmbiguousRate: 1})
	ctx := context.Background()

	_, err := x.PlaceOrder(ctx, placeReq("a"))
	assert.ErrorIs(t, err, exchange.ErrAmbiguous)

	// the order is live despite the lost response
	status, err := x.QueryOrder(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusOpen, status.Kind)
}

func TestQueryUnknownOrderReportsNotFound(t *testing.T) {
	x, _ := newSimExchange(t, Config{})
	status, err := x.QueryOrder(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusNotFound, status.Kind)
}

func TestInjectorDropAndDuplicate(t *testing.T) {
	alwaysDrop, err := NewInjector(InjectorConfig{Seed: 1, DropRate: 1})
	require.NoError(t, err)
	assert.Empty(t, alwaysDrop.Process(schema.ExchangeEvent{Kind: schema.ExchangeEventAck}))

	alwaysDup, err := NewInjector(InjectorConfig{Seed: 1, DuplicateRate: 1})
	require.NoError(t, err)
	assert.Len(t, alwaysDup.Process(schema.ExchangeEvent{Kind: schema.ExchangeEventAck}), 2)
}

func TestInjectorReorderWindowBuffersAndFlushes(t *testing.T) {
	injector, err := NewInjector(InjectorConfig{Seed: 7, ReorderWindow: 3})
	require.NoError(t, err)

	var out []schema.ExchangeEvent
	for seq := uint64(1); seq <= 5; seq++ {
		out = append(out, injector.Process(schema.ExchangeEvent{Kind: schema.ExchangeEventFill, Seq: seq})...)
	}
	out = append(out, injector.Flush()...)

	require.Len(t, out, 5)
	seen := make(map[uint64]bool)
	for _, ev := range out {
		seen[ev.Seq] = true
	}
	assert.Len(t, seen, 5)
}

func TestInjectorSeedIsDeterministic(t *testing.T) {
	run := func() []schema.ExchangeEvent {
		injector, err := NewInjector(InjectorConfig{Seed: 42, DropRate: 0.5, DuplicateRate: 0.5})
		require.NoError(t, err)
		var out []schema.ExchangeEvent
		for seq := uint64(1); seq <= 20; seq++ {
			out = append(out, injector.Process(schema.ExchangeEvent{Seq: seq})...)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestInjectorConfigValidation(t *testing.T) {
	_, err := NewInjector(InjectorConfig{DropRate: 1.5})
	assert.Error(t, err)
	_, err = NewInjector(InjectorConfig{DuplicateRate: -0.1})
	assert.Error(t, err)
	_, err = NewInjector(InjectorConfig{MaxDelay: -1})
	assert.Error(t, err)
}
