package obs

import (
	"sync"
	"testing"
	"time"

	"trader/internal/schema"
)

func TestObserveEventCountsAndLatency(t *testing.T) {
	m := NewMetrics()

	m.ObserveEvent(schema.EventHeader{Type: schema.EventFill, TsEvent: 100, TsRecv: 300})
	m.ObserveEvent(schema.EventHeader{Type: schema.EventFill, TsEvent: 100, TsRecv: 200})
	m.ObserveEvent(schema.EventHeader{Type: schema.EventOrderAck})
	// clock skew: negative delta is not a sample
	m.ObserveEvent(schema.EventHeader{Type: schema.EventOrderAck, TsEvent: 300, TsRecv: 100})

	snap := m.Snapshot()
	if snap.EventCounts[schema.EventFill] != 2 {
		t.Fatalf("fill count mismatch: %d", snap.EventCounts[schema.EventFill])
	}
	if snap.EventCounts[schema.EventOrderAck] != 2 {
		t.Fatalf("ack count mismatch: %d", snap.EventCounts[schema.EventOrderAck])
	}
	lat := snap.EventLatency
	if lat.Count != 2 || lat.Min != 100 || lat.Max != 200 || lat.Avg != 150 {
		t.Fatalf("latency mismatch: %+v", lat)
	}
}

func TestRiskReasonAndIntegrityCounters(t *testing.T) {
	m := NewMetrics()

	m.IncRiskReason(schema.RiskReasonKillSwitch)
	m.IncRiskReason(schema.RiskReasonKillSwitch)
	m.IncQueueDrop()
	m.IncStaleDrop()
	m.IncDuplicateFill()
	m.IncQuarantine()
	m.IncUnknownOrder()
	m.IncUnknownResolved()

	snap := m.Snapshot()
	if snap.RiskReasonCounts[schema.RiskReasonKillSwitch] != 2 {
		t.Fatalf("risk reason mismatch: %d", snap.RiskReasonCounts[schema.RiskReasonKillSwitch])
	}
	if snap.QueueDrops != 1 || snap.StaleDrops != 1 || snap.DuplicateFills != 1 {
		t.Fatalf("drop counters mismatch: %+v", snap)
	}
	if snap.Quarantines != 1 || snap.UnknownOrders != 1 || snap.UnknownResolved != 1 {
		t.Fatalf("integrity counters mismatch: %+v", snap)
	}
	// quarantine and unknown each raise an alert
	if snap.Alerts != 2 {
		t.Fatalf("alert count mismatch: %d", snap.Alerts)
	}
}

func TestLatencyStatsConcurrent(t *testing.T) {
	var stats LatencyStats
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 1; i <= 100; i++ {
				stats.Observe(time.Duration(base*100 + i))
			}
		}(g)
	}
	wg.Wait()

	snap := stats.Snapshot()
	if snap.Count != 800 {
		t.Fatalf("count mismatch: %d", snap.Count)
	}
	if snap.Min != 1 || snap.Max != 800 {
		t.Fatalf("bounds mismatch: min=%v max=%v", snap.Min, snap.Max)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveEvent(schema.EventHeader{Type: schema.EventFill})
	m.IncRiskReason(schema.RiskReasonKillSwitch)
	m.IncQueueDrop()
	m.ObserveOrderFlow(time.Millisecond)
	if snap := m.Snapshot(); snap.QueueDrops != 0 {
		t.Fatalf("nil snapshot should be empty: %+v", snap)
	}
}

func TestTraceGeneratorTagsSourceAndCountsUp(t *testing.T) {
	g := NewTraceGenerator(7)
	first := g.Next()
	second := g.Next()
	if second != first+1 {
		t.Fatalf("counter not sequential: %d then %d", first, second)
	}
	if TraceSource(first) != 7 || TraceSource(second) != 7 {
		t.Fatalf("source tag lost: %d %d", TraceSource(first), TraceSource(second))
	}

	other := NewTraceGenerator(9).Next()
	if TraceSource(other) != 9 {
		t.Fatalf("source tag mismatch: %d", TraceSource(other))
	}

	var nilGen *TraceGenerator
	if nilGen.Next() != 0 {
		t.Fatal("nil generator should return zero")
	}
}
