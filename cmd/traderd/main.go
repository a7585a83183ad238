package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"trader/internal/exchange"
	"trader/internal/feed"
	"trader/internal/gateway"
	"trader/internal/journal"
	"trader/internal/ledger"
	"trader/internal/obs"
	"trader/internal/ops"
	"trader/internal/recon"
	"trader/internal/risk"
	"trader/internal/runner"
	"trader/internal/state"
	"trader/pkg/conn"
)

const reconQueueSize = 4096

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	snapshotPath := flag.String("snapshot-path", "positions.json", "Position snapshot written on shutdown")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds := ops.LoadCredentials()
	loaded, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("load config %s, err: %+v", *configPath, err)
		os.Exit(1)
	}
	if loaded.Exchange.BaseURL == "" {
		logs.Errorf("exchange.baseUrl is required; the paper tool runs without one")
		os.Exit(1)
	}

	if loaded.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: profileAppName(loaded.Profiling.AppName),
			ServerAddress:   loaded.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("pyroscope start, err: %+v", err)
			os.Exit(1)
		}
		defer func() { _ = profiler.Stop() }()
	}

	signer, err := exchange.NewSigner(creds.APIKey, creds.APISecret, creds.APIPassphrase)
	if err != nil {
		logs.Errorf("bad exchange credentials, err: %+v", err)
		os.Exit(1)
	}
	defer signer.Wipe()

	metrics := obs.NewMetrics()
	positions := state.NewPositionReducer()
	riskEngine := risk.NewEngine(loaded.Risk)

	var store *journal.Store
	if loaded.Journal != nil {
		pg := loaded.Journal.Postgres
		pg.Password = creds.PGPassword
		client, err := conn.Open(pg)
		if err != nil {
			logs.Errorf("open journal database, err: %+v", err)
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()
		store = journal.New(client)
		if err := store.Migrate(); err != nil {
			logs.Errorf("migrate journal, err: %+v", err)
			os.Exit(1)
		}
		recovered, err := store.RecoverPositions()
		if err != nil {
			logs.Errorf("recover positions, err: %+v", err)
			os.Exit(1)
		}
		entries := make([]state.PositionEntry, 0, len(recovered))
		for symbolID, qty := range recovered {
			entries = append(entries, state.PositionEntry{SymbolID: symbolID, Qty: qty})
			riskEngine.SeedPosition(symbolID, qty)
		}
		positions.ApplySnapshot(state.Snapshot{Positions: entries})
		logs.Infof("recovered %d positions from journal", len(recovered))
	}

	var journalSink ledger.Journal
	if store != nil {
		journalSink = store
	}
	book := ledger.NewBook(loaded.Audit.Window, journalSink)

	transport := exchange.NewRestClient(http.DefaultClient, signer, loaded.Exchange.BaseURL, loaded.Registry)
	gw := gateway.New(transport, loaded.Registry, loaded.Gateway)
	engine := recon.New(book, positions, riskEngine, gw, metrics, reconQueueSize)

	marketStore := feed.NewMarketStore()
	marketFeed := feed.New(loaded.Feed, loaded.Registry, signer, marketStore, engine)

	run := runner.New(book, positions, marketStore, riskEngine, gw, engine, metrics)
	for _, reg := range loaded.Strategies {
		if err := run.Register(reg); err != nil {
			logs.Errorf("register strategy %s, err: %+v", reg.Name, err)
			os.Exit(1)
		}
	}
	engine.SetFillHandler(run.OnFill)
	marketFeed.SetMarketHandler(run.OnMarket)

	// live orders from a previous run come back before strategies start
	if err := engine.SweepOpenOrders(ctx); err != nil {
		logs.Errorf("startup sweep, err: %+v", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.RunEviction(ctx, loaded.Audit.EvictInterval)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		marketFeed.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		run.Run(ctx)
	}()
	if *configReload > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchConfig(ctx, *configPath, *configReload, riskEngine)
		}()
	}

	logs.Infof("traderd started: symbols=%d strategies=%d", loaded.Registry.SymbolCount(), len(loaded.Strategies))
	<-ctx.Done()
	engine.Close()
	wg.Wait()

	if err := state.WriteSnapshot(*snapshotPath, positions.Snapshot()); err != nil {
		logs.Errorf("write position snapshot, err: %+v", err)
	}
	logMetrics(metrics)
}

// watchConfig polls the config file and hot-reloads risk limits.
func watchConfig(ctx context.Context, path string, interval time.Duration, engine *risk.Engine) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Errorf("config stat, err: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			loaded, err := ops.Load(path)
			if err != nil {
				logs.Errorf("config reload, err: %+v", err)
				continue
			}
			engine.UpdateConfig(loaded.Risk)
			lastMod = info.ModTime()
			logs.Infof("risk config reloaded: version=%d killSwitch=%t", loaded.Risk.Version, loaded.Risk.KillSwitch)
		}
	}
}

func logMetrics(metrics *obs.Metrics) {
	snap := metrics.Snapshot()
	logs.Infof("shutdown metrics: events=%v staleDrops=%d duplicateFills=%d quarantines=%d unknown=%d/%d alerts=%d",
		snap.EventCounts, snap.StaleDrops, snap.DuplicateFills, snap.Quarantines,
		snap.UnknownResolved, snap.UnknownOrders, snap.Alerts)
	logs.Infof("latency: event=%+v orderFlow=%+v riskEval=%+v",
		snap.EventLatency, snap.OrderFlowLatency, snap.RiskEvalLatency)
}

func profileAppName(name string) string {
	if name == "" {
		return "traderd"
	}
	return name
}
