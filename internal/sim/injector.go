package sim

import (
	"fmt"
	"math/rand"
	"time"

	"trader/internal/schema"
)

// InjectorConfig controls fault injection on the private event stream.
type InjectorConfig struct {
	Seed          int64         `json:"seed"`
	DropRate      float64       `json:"dropRate"`
	DuplicateRate float64       `json:"duplicateRate"`
	ReorderWindow int           `json:"reorderWindow"`
	MaxDelay      time.Duration `json:"maxDelay"`
}

// Validate ensures the config is within supported ranges.
func (c InjectorConfig) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("duplicateRate must be between 0 and 1")
	}
	if c.ReorderWindow <= 0 {
		return fmt.Errorf("reorderWindow must be >= 1")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Injector applies drop, duplicate, and reorder faults to exchange
// events. A seeded RNG makes runs reproducible.
type Injector struct {
	cfg     InjectorConfig
	rng     *rand.Rand
	pending []schema.ExchangeEvent
}

// NewInjector creates an injector with validation.
func NewInjector(cfg InjectorConfig) (*Injector, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Injector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Process applies faults to a single event and returns any output events.
func (i *Injector) Process(ev schema.ExchangeEvent) []schema.ExchangeEvent {
	if i == nil {
		return []schema.ExchangeEvent{ev}
	}
	if i.cfg.DropRate > 0 && i.rng.Float64() < i.cfg.DropRate {
		return nil
	}
	ev = i.applyDelay(ev)
	if i.cfg.ReorderWindow <= 1 {
		return i.applyDuplicate(ev)
	}
	i.pending = append(i.pending, ev)
	if len(i.pending) < i.cfg.ReorderWindow {
		return nil
	}
	idx := i.rng.Intn(len(i.pending))
	out := i.pending[idx]
	i.pending = append(i.pending[:idx], i.pending[idx+1:]...)
	return i.applyDuplicate(out)
}

// Flush returns any buffered events in random order.
func (i *Injector) Flush() []schema.ExchangeEvent {
	if i == nil || len(i.pending) == 0 {
		return nil
	}
	out := make([]schema.ExchangeEvent, 0, len(i.pending))
	for len(i.pending) > 0 {
		idx := i.rng.Intn(len(i.pending))
		ev := i.pending[idx]
		i.pending = append(i.pending[:idx], i.pending[idx+1:]...)
		out = append(out, i.applyDuplicate(ev)...)
	}
	return out
}

func (i *Injector) applyDuplicate(ev schema.ExchangeEvent) []schema.ExchangeEvent {
	out := []schema.ExchangeEvent{ev}
	if i.cfg.DuplicateRate > 0 && i.rng.Float64() < i.cfg.DuplicateRate {
		out = append(out, ev)
	}
	return out
}

func (i *Injector) applyDelay(ev schema.ExchangeEvent) schema.ExchangeEvent {
	if i.cfg.MaxDelay <= 0 {
		return ev
	}
	delay := i.rng.Int63n(i.cfg.MaxDelay.Nanoseconds() + 1)
	ev.Time += delay
	return ev
}
