package risk

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/schema"
)

func testConfig() Config {
	return Config{
		Version:          1,
		MaxOpenOrders:    2,
		MaxPosition:      100,
		MaxOrderNotional: 10_000,
	}
}

func buyIntent(qty schema.Quantity, price schema.Price) schema.Intent {
	return schema.Intent{
		Kind:     schema.IntentPlaceOrder,
		SymbolID: 1,
		Side:     schema.OrderSideBuy,
		Type:     schema.OrderTypeLimit,
		Price:    price,
		Qty:      qty,
	}
}

func TestAdmitAllowReservesExposure(t *testing.T) {
	engine := NewEngine(testConfig())
	decision := engine.Admit("a", buyIntent(10, 100), 0)
	require.True(t, decision.Allowed())
	assert.Equal(t, 1, engine.OpenOrders(1))

	// a second intent sees the reserved exposure
	decision = engine.Admit("b", buyIntent(95, 100), 0)
	require.False(t, decision.Allowed())
	assert.Equal(t, schema.RiskReasonExceedsPositionLimit, decision.Reason)
}

func TestKillSwitchDeniesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.KillSwitch = true
	engine := NewEngine(cfg)

	decision := engine.Admit("a", buyIntent(1, 1), 0)
	require.False(t, decision.Allowed())
	assert.Equal(t, schema.RiskReasonKillSwitch, decision.Reason)
}

func TestOrderCountLimit(t *testing.T) {
	engine := NewEngine(testConfig())
	require.True(t, engine.Admit("a", buyIntent(1, 100), 0).Allowed())
	require.True(t, engine.Admit("b", buyIntent(1, 100), 0).Allowed())

	decision := engine.Admit("c", buyIntent(1, 100), 0)
	require.False(t, decision.Allowed())
	assert.Equal(t, schema.RiskReasonExceedsOrderCount, decision.Reason)

	// releasing one reservation frees a slot
	engine.OnTerminal("a")
	assert.True(t, engine.Admit("c", buyIntent(1, 100), 0).Allowed())
}

func TestNotionalLimit(t *testing.T) {
	engine := NewEngine(testConfig())

	decision := engine.Admit("a", buyIntent(101, 100), 0)
	require.False(t, decision.Allowed())
	assert.Equal(t, schema.RiskReasonNotionalTooLarge, decision.Reason)
}

func TestMarketOrderUsesReferencePrice(t *testing.T) {
	engine := NewEngine(testConfig())
	intent := buyIntent(50, 0)
	intent.Type = schema.OrderTypeMarket

	decision := engine.Admit("a", intent, 300)
	require.False(t, decision.Allowed())
	assert.Equal(t, schema.RiskReasonNotionalTooLarge, decision.Reason)

	assert.True(t, engine.Admit("b", buyIntent(50, 0), 100).Allowed())
}

func TestNotionalOverflowDenied(t *testing.T) {
	engine := NewEngine(Config{Version: 1, MaxOrderNotional: 1})
	decision := engine.Admit("a", buyIntent(schema.Quantity(maxInt64/2), schema.Price(maxInt64/2)), 0)
	require.False(t, decision.Allowed())
	assert.Equal(t, schema.RiskReasonNotionalTooLarge, decision.Reason)
}

func TestFillSettlesReservationIntoPosition(t *testing.T) {
	engine := NewEngine(testConfig())
	require.True(t, engine.Admit("a", buyIntent(10, 100), 0).Allowed())

	engine.OnFill(schema.Fill{ClientOrderID: "a", SymbolID: 1, Side: schema.OrderSideBuy, Qty: 10})
	engine.OnTerminal("a")

	assert.Equal(t, schema.Quantity(10), engine.Position(1))
	assert.Equal(t, 0, engine.OpenOrders(1))

	// projected position includes the settled fill
	decision := engine.Admit("b", buyIntent(95, 100), 0)
	require.False(t, decision.Allowed())
	assert.Equal(t, schema.RiskReasonExceedsPositionLimit, decision.Reason)
}

func TestSellOffsetsProjection(t *testing.T) {
	engine := NewEngine(testConfig())
	engine.SeedPosition(1, 100)

	buy := buyIntent(10, 100)
	require.False(t, engine.Admit("a", buy, 0).Allowed())

	sell := buy
	sell.Side = schema.OrderSideSell
	assert.True(t, engine.Admit("b", sell, 0).Allowed())
}

func TestReinstateIsIdempotent(t *testing.T) {
	engine := NewEngine(testConfig())
	engine.Reinstate("a", 1, schema.OrderSideBuy, 10)
	engine.Reinstate("a", 1, schema.OrderSideBuy, 10)
	assert.Equal(t, 1, engine.OpenOrders(1))
}

func TestConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenOrders = 0
	cfg.MaxOrderNotional = 0
	engine := NewEngine(cfg)

	const workers = 32
	var wg sync.WaitGroup
	allowed := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("order-%d", i)
			if engine.Admit(id, buyIntent(30, 1), 0).Allowed() {
				allowed <- id
			}
		}(i)
	}
	wg.Wait()
	close(allowed)

	count := 0
	for range allowed {
		count++
	}
	// 30 * 3 = 90 <= 100, a fourth would breach the limit
	assert.LessOrEqual(t, count, 3)
	assert.Greater(t, count, 0)
}

func TestUpdateConfigAppliesNewLimits(t *testing.T) {
	engine := NewEngine(testConfig())
	require.True(t, engine.Admit("a", buyIntent(1, 100), 0).Allowed())

	cfg := testConfig()
	cfg.Version = 2
	cfg.KillSwitch = true
	engine.UpdateConfig(cfg)

	assert.Equal(t, uint16(2), engine.ConfigVersion())
	assert.False(t, engine.Admit("b", buyIntent(1, 100), 0).Allowed())
}
