package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"trader/internal/feed"
	"trader/internal/gateway"
	"trader/internal/risk"
	"trader/internal/schema"
	"trader/internal/sim"
	"trader/internal/strategy"
	"trader/pkg/conn"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Registry   RegistryConfig    `json:"registry"`
	Risk       risk.Config       `json:"risk"`
	Gateway    gateway.Config    `json:"gateway"`
	Feed       feed.Config       `json:"feed"`
	Strategies []StrategyConfig  `json:"strategies"`
	Audit      AuditConfig       `json:"audit"`
	Journal    *JournalConfig    `json:"journal"`
	Sim        *sim.Config       `json:"sim"`
	Profiling  ProfilingConfig   `json:"profiling"`
	Exchange   ExchangeConfig    `json:"exchange"`
}

// RegistryConfig defines venue and symbol mappings.
type RegistryConfig struct {
	Venues  []VenueConfig  `json:"venues"`
	Symbols []SymbolConfig `json:"symbols"`
}

// VenueConfig describes a venue entry.
type VenueConfig struct {
	Name string `json:"name"`
}

// SymbolConfig describes a symbol entry.
type SymbolConfig struct {
	Name  string           `json:"name"`
	Venue string           `json:"venue"`
	Scale schema.ScaleSpec `json:"scale"`
}

// StrategyConfig describes one strategy instance registration.
type StrategyConfig struct {
	ID     uint32                 `json:"id"`
	Name   string                 `json:"name"`
	Kind   string                 `json:"kind"`
	Symbol string                 `json:"symbol"`
	Quoter strategy.QuoterOptions `json:"quoter"`
}

// AuditConfig bounds terminal order retention.
type AuditConfig struct {
	Window        time.Duration `json:"window"`
	EvictInterval time.Duration `json:"evictInterval"`
}

// JournalConfig enables the PostgreSQL audit journal. The password comes
// from the environment, never the file.
type JournalConfig struct {
	Postgres conn.Config `json:"postgres"`
}

// ProfilingConfig gates the continuous profiler.
type ProfilingConfig struct {
	Enabled       bool   `json:"enabled"`
	ServerAddress string `json:"serverAddress"`
	AppName       string `json:"appName"`
}

// ExchangeConfig points at the trading REST API. Credentials come from
// the environment.
type ExchangeConfig struct {
	BaseURL string `json:"baseUrl"`
}

// Credentials are exchange and database secrets resolved from the
// environment.
type Credentials struct {
	APIKey        string
	APISecret     string
	APIPassphrase string
	PGPassword    string
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Registry   *schema.Registry
	Risk       risk.Config
	Gateway    gateway.Config
	Feed       feed.Config
	Strategies []strategy.Registration
	Audit      AuditConfig
	Journal    *JournalConfig
	Sim        *sim.Config
	Profiling  ProfilingConfig
	Exchange   ExchangeConfig
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	registry, err := buildRegistry(cfg.Registry)
	if err != nil {
		return Loaded{}, err
	}
	strategies, err := buildStrategies(cfg.Strategies, registry)
	if err != nil {
		return Loaded{}, err
	}
	if cfg.Audit.Window <= 0 {
		cfg.Audit.Window = time.Hour
	}
	if cfg.Audit.EvictInterval <= 0 {
		cfg.Audit.EvictInterval = time.Minute
	}
	return Loaded{
		Registry:   registry,
		Risk:       cfg.Risk,
		Gateway:    cfg.Gateway,
		Feed:       cfg.Feed,
		Strategies: strategies,
		Audit:      cfg.Audit,
		Journal:    cfg.Journal,
		Sim:        cfg.Sim,
		Profiling:  cfg.Profiling,
		Exchange:   cfg.Exchange,
	}, nil
}

// LoadCredentials reads secrets from the environment, loading .env first
// when present.
func LoadCredentials() Credentials {
	_ = godotenv.Load()
	return Credentials{
		APIKey:        os.Getenv("EXCHANGE_API_KEY"),
		APISecret:     os.Getenv("EXCHANGE_API_SECRET"),
		APIPassphrase: os.Getenv("EXCHANGE_API_PASSPHRASE"),
		PGPassword:    os.Getenv("PG_PASSWORD"),
	}
}

func buildRegistry(cfg RegistryConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, venue := range cfg.Venues {
		if _, err := reg.AddVenue(venue.Name); err != nil {
			return nil, err
		}
	}
	for _, sym := range cfg.Symbols {
		venueID, ok := reg.VenueIDByName(sym.Venue)
		if !ok {
			return nil, fmt.Errorf("venue not found: %s", sym.Venue)
		}
		if err := validateScale(sym.Scale); err != nil {
			return nil, fmt.Errorf("invalid scale for %s: %w", sym.Name, err)
		}
		if _, err := reg.AddSymbol(sym.Name, venueID, sym.Scale); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildStrategies(cfgs []StrategyConfig, reg *schema.Registry) ([]strategy.Registration, error) {
	var out []strategy.Registration
	for _, cfg := range cfgs {
		if cfg.ID == 0 {
			return nil, fmt.Errorf("strategy id must be > 0: %s", cfg.Name)
		}
		symbolID, ok := reg.SymbolIDByName(cfg.Symbol)
		if !ok {
			return nil, fmt.Errorf("strategy symbol not found: %s", cfg.Symbol)
		}
		switch cfg.Kind {
		case "spread-quoter":
			if cfg.Quoter.OrderSize <= 0 {
				return nil, fmt.Errorf("quoter orderSize must be > 0: %s", cfg.Name)
			}
			out = append(out, strategy.Registration{
				ID:       cfg.ID,
				Name:     cfg.Name,
				SymbolID: symbolID,
				Strategy: strategy.NewSpreadQuoter(cfg.ID, symbolID, cfg.Quoter),
			})
		default:
			return nil, fmt.Errorf("unknown strategy kind: %s", cfg.Kind)
		}
	}
	return out, nil
}

func validateScale(scale schema.ScaleSpec) error {
	if scale.PriceScale < 0 || scale.QuantityScale < 0 || scale.FeeScale < 0 {
		return fmt.Errorf("scale must be >= 0")
	}
	return nil
}
