package obs

import (
	"sync/atomic"
	"time"
)

// Trace IDs carry the issuing component in the top 16 bits so a log
// line names its origin without a lookup. The low 48 bits count up
// from the process start time, so IDs stay distinct across restarts.
const traceCounterBits = 48

const traceCounterMask = uint64(1)<<traceCounterBits - 1

// TraceGenerator issues trace IDs tagged with a fixed source.
type TraceGenerator struct {
	source uint64
	next   uint64
}

// NewTraceGenerator returns a generator stamping every ID with the
// given source component.
func NewTraceGenerator(source uint16) *TraceGenerator {
	return &TraceGenerator{
		source: uint64(source) << traceCounterBits,
		next:   uint64(time.Now().UTC().UnixNano()) & traceCounterMask,
	}
}

// Next returns the next trace ID for this source.
func (g *TraceGenerator) Next() uint64 {
	if g == nil {
		return 0
	}
	return g.source | atomic.AddUint64(&g.next, 1)&traceCounterMask
}

// TraceSource extracts the issuing component from a trace ID.
func TraceSource(id uint64) uint16 {
	return uint16(id >> traceCounterBits)
}
