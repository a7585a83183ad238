package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/yanun0323/logs"

	"trader/internal/feed"
	"trader/internal/gateway"
	"trader/internal/ledger"
	"trader/internal/obs"
	"trader/internal/ops"
	"trader/internal/recon"
	"trader/internal/risk"
	"trader/internal/runner"
	"trader/internal/schema"
	"trader/internal/sim"
	"trader/internal/state"
)

const reconQueueSize = 4096

// paper runs the full trading loop against the simulated exchange with
// a random-walk market. No credentials, no network.
func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	ticks := flag.Int("ticks", 1000, "Number of market ticks to generate")
	tickInterval := flag.Duration("tick-interval", 5*time.Millisecond, "Delay between ticks")
	startPrice := flag.Int64("start-price", 5000000, "Starting mark price (scaled)")
	walkStep := flag.Int64("walk-step", 500, "Max mark price move per tick (scaled)")
	snapshotPath := flag.String("snapshot-path", "paper-positions.json", "Position snapshot output")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("load config %s, err: %+v", *configPath, err)
		os.Exit(1)
	}
	if loaded.Sim == nil {
		logs.Errorf("config has no sim section; paper trading needs one")
		os.Exit(1)
	}

	metrics := obs.NewMetrics()
	positions := state.NewPositionReducer()
	riskEngine := risk.NewEngine(loaded.Risk)
	book := ledger.NewBook(loaded.Audit.Window, nil)

	simEx, err := sim.NewExchange(*loaded.Sim, loaded.Registry, nil)
	if err != nil {
		logs.Errorf("create simulated exchange, err: %+v", err)
		os.Exit(1)
	}
	gw := gateway.New(simEx, loaded.Registry, loaded.Gateway)
	engine := recon.New(book, positions, riskEngine, gw, metrics, reconQueueSize)
	simEx.SetSink(engine)

	marketStore := feed.NewMarketStore()
	run := runner.New(book, positions, marketStore, riskEngine, gw, engine, metrics)
	for _, reg := range loaded.Strategies {
		if err := run.Register(reg); err != nil {
			logs.Errorf("register strategy %s, err: %+v", reg.Name, err)
			os.Exit(1)
		}
	}
	engine.SetFillHandler(run.OnFill)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		run.Run(runCtx)
	}()

	generateMarket(ctx, marketCfg{
		ticks:     *ticks,
		interval:  *tickInterval,
		start:     schema.Price(*startPrice),
		step:      *walkStep,
		seed:      loaded.Sim.Seed,
		registry:  loaded.Registry,
		exchange:  simEx,
		store:     marketStore,
		onSnap:    run.OnMarket,
	})

	simEx.Flush()
	time.Sleep(200 * time.Millisecond)
	cancel()
	engine.Close()
	wg.Wait()

	report(loaded.Registry, positions, book, metrics)
	if err := state.WriteSnapshot(*snapshotPath, positions.Snapshot()); err != nil {
		logs.Errorf("write position snapshot, err: %+v", err)
	}
}

type marketCfg struct {
	ticks    int
	interval time.Duration
	start    schema.Price
	step     int64
	seed     int64
	registry *schema.Registry
	exchange *sim.Exchange
	store    *feed.MarketStore
	onSnap   func(schema.MarketSnapshot)
}

// generateMarket drives a random-walk mark price per symbol, filling
// crossed orders on the simulated exchange and publishing snapshots the
// way the live feed would.
func generateMarket(ctx context.Context, cfg marketCfg) {
	rng := rand.New(rand.NewSource(cfg.seed))
	marks := make(map[schema.SymbolID]schema.Price)
	for i := 0; i < cfg.registry.SymbolCount(); i++ {
		sym, _ := cfg.registry.SymbolAt(i)
		marks[sym.ID] = cfg.start
	}

	var seq uint64
	for tick := 0; tick < cfg.ticks; tick++ {
		if ctx.Err() != nil {
			return
		}
		for symbolID, mark := range marks {
			move := schema.Price(rng.Int63n(2*cfg.step+1) - cfg.step)
			mark += move
			if mark <= 0 {
				mark = cfg.start
			}
			marks[symbolID] = mark

			cfg.exchange.Tick(symbolID, mark)

			seq++
			snap := schema.MarketSnapshot{
				SymbolID:  symbolID,
				Seq:       seq,
				BidPrice:  mark - 1,
				AskPrice:  mark + 1,
				LastPrice: mark,
				Time:      time.Now().UTC().UnixNano(),
			}
			if cfg.store.Apply(snap) && cfg.onSnap != nil {
				cfg.onSnap(snap)
			}
		}
		if cfg.interval > 0 {
			timer := time.NewTimer(cfg.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func report(registry *schema.Registry, positions *state.PositionReducer, book *ledger.Book, metrics *obs.Metrics) {
	for i := 0; i < registry.SymbolCount(); i++ {
		sym, _ := registry.SymbolAt(i)
		logs.Infof("position %s: %s", sym.Name, sym.Scale.FormatQuantity(positions.Position(sym.ID)))
	}
	snap := metrics.Snapshot()
	logs.Infof("orders tracked=%d staleDrops=%d duplicateFills=%d quarantines=%d unknown=%d/%d",
		book.Count(), snap.StaleDrops, snap.DuplicateFills, snap.Quarantines,
		snap.UnknownResolved, snap.UnknownOrders)
	logs.Infof("latency: orderFlow=%+v riskEval=%+v", snap.OrderFlowLatency, snap.RiskEvalLatency)
}
