// Package config defines the top-level configuration for the swarm trading
// coordinator and provides validation helpers.
package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by SWARM_* environment variables.
// Secrets (wallet key, store password) only ever come from the environment.
type Config struct {
	Store      StoreConfig      `toml:"store"`
	Wallet     WalletConfig     `toml:"wallet"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Feed       FeedConfig       `toml:"feed"`
	Bus        BusConfig        `toml:"bus"`
	Budget     BudgetConfig     `toml:"budget"`
	Risk       RiskConfig       `toml:"risk"`
	Arb        ArbConfig        `toml:"arb"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Journal    JournalConfig    `toml:"journal"`
	Agents     []string         `toml:"agents"`
	DryRun     bool             `toml:"dry_run"`
	LogLevel   string           `toml:"log_level"`
}

// StoreConfig holds coordination-store (Redis) connection parameters.
type StoreConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// WalletConfig holds wallet credentials and the RPC endpoint used for
// authoritative nonce initialization.
type WalletConfig struct {
	PrivateKey string `toml:"private_key"` // env only in practice
	RPCURL     string `toml:"rpc_url"`
}

// GatewayConfig holds the external service endpoints and their timeouts.
type GatewayConfig struct {
	CatalogHost    string   `toml:"catalog_host"`
	OrderHost      string   `toml:"order_host"`
	OrderTimeout   duration `toml:"order_timeout"`
	CatalogTimeout duration `toml:"catalog_timeout"`
	RetryAttempts  int      `toml:"retry_attempts"`
}

// FeedConfig holds market-data websocket parameters.
type FeedConfig struct {
	URL           string   `toml:"url"`
	MaxAssets     int      `toml:"max_assets"`
	PingInterval  duration `toml:"ping_interval"`
	ReconnectBase duration `toml:"reconnect_base"`
	ReconnectMax  duration `toml:"reconnect_max"`
}

// BusConfig tunes the in-process signal bus.
type BusConfig struct {
	HistoryLimit   int      `toml:"history_limit"`
	CallbackBudget duration `toml:"callback_budget"`
}

// BudgetConfig holds capital allocation policy. Allocations plus
// ReserveFraction must sum to exactly 1; violations are a configuration
// error, never renormalized.
type BudgetConfig struct {
	ReserveFraction      float64            `toml:"reserve_fraction"`
	Allocations          map[string]float64 `toml:"allocations"`
	ReservationTTL       duration           `toml:"reservation_ttl"`
	JanitorInterval      duration           `toml:"janitor_interval"`
	CriticalRaidFraction float64            `toml:"critical_raid_fraction"`
	StoreTimeout         duration           `toml:"store_timeout"`
}

// RiskConfig holds portfolio limits for the risk controller.
type RiskConfig struct {
	MaxPositionSizeUSD   float64 `toml:"max_position_size_usd"`
	MaxTotalExposureUSD  float64 `toml:"max_total_exposure_usd"`
	MaxEntityExposureUSD float64 `toml:"max_entity_exposure_usd"`
	MaxPositionsPerAgent int     `toml:"max_positions_per_agent"`
	MaxDailyLossUSD      float64 `toml:"max_daily_loss_usd"`
	MinSignalQuality     float64 `toml:"min_signal_quality"`
}

// ArbConfig holds pure-arbitrage strategy parameters.
type ArbConfig struct {
	MinProfitPerUnit    float64  `toml:"min_profit_per_unit"`
	MaxSlippageBps      int64    `toml:"max_slippage_bps"`
	SizeCap             float64  `toml:"size_cap"`
	FeeBps              int64    `toml:"fee_bps"`
	GasUSD              float64  `toml:"gas_usd"`
	LegRiskTimeout      duration `toml:"leg_risk_timeout"`
	ExecDeadline        duration `toml:"exec_deadline"`
	ScanInterval        duration `toml:"scan_interval"`
	BoostedScanInterval duration `toml:"boosted_scan_interval"`
}

// SupervisorConfig holds agent lifecycle parameters.
type SupervisorConfig struct {
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	HeartbeatMisses   int      `toml:"heartbeat_misses"`
	RestartBase       duration `toml:"restart_base"`
	RestartMax        duration `toml:"restart_max"`
	MaxRestarts       int      `toml:"max_restarts"`
	RestartWindow     duration `toml:"restart_window"`
	ShutdownGrace     duration `toml:"shutdown_grace"`
}

// JournalConfig holds the optional postgres trade-journal connection. Empty
// DSN disables the journal.
type JournalConfig struct {
	DSN string `toml:"dsn"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Gateway: GatewayConfig{
			CatalogHost:    "https://gamma-api.polymarket.com",
			OrderHost:      "https://clob.polymarket.com",
			OrderTimeout:   duration{3 * time.Second},
			CatalogTimeout: duration{5 * time.Second},
			RetryAttempts:  3,
		},
		Feed: FeedConfig{
			URL:           "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			MaxAssets:     500,
			PingInterval:  duration{20 * time.Second},
			ReconnectBase: duration{1 * time.Second},
			ReconnectMax:  duration{30 * time.Second},
		},
		Bus: BusConfig{
			HistoryLimit:   100,
			CallbackBudget: duration{50 * time.Millisecond},
		},
		Budget: BudgetConfig{
			ReserveFraction: 0.10,
			Allocations: map[string]float64{
				"arb":       0.40,
				"statarb":   0.35,
				"whalecopy": 0.25,
			},
			ReservationTTL:       duration{60 * time.Second},
			JanitorInterval:      duration{15 * time.Second},
			CriticalRaidFraction: 0.5,
			StoreTimeout:         duration{1 * time.Second},
		},
		Risk: RiskConfig{
			MaxPositionSizeUSD:   200,
			MaxTotalExposureUSD:  800,
			MaxEntityExposureUSD: 400,
			MaxPositionsPerAgent: 5,
			MaxDailyLossUSD:      100,
			MinSignalQuality:     0.6,
		},
		Arb: ArbConfig{
			MinProfitPerUnit:    0.02,
			MaxSlippageBps:      200,
			SizeCap:             50,
			FeeBps:              0,
			GasUSD:              0,
			LegRiskTimeout:      duration{5 * time.Second},
			ExecDeadline:        duration{10 * time.Second},
			ScanInterval:        duration{2 * time.Second},
			BoostedScanInterval: duration{500 * time.Millisecond},
		},
		Supervisor: SupervisorConfig{
			HeartbeatInterval: duration{5 * time.Second},
			HeartbeatMisses:   3,
			RestartBase:       duration{5 * time.Second},
			RestartMax:        duration{60 * time.Second},
			MaxRestarts:       5,
			RestartWindow:     duration{15 * time.Minute},
			ShutdownGrace:     duration{30 * time.Second},
		},
		Agents:   []string{"arb"},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// allocationEpsilon absorbs float decoding noise in fraction sums.
const allocationEpsilon = 1e-9

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Store.Addr == "" {
		errs = append(errs, "store: addr must not be empty")
	}
	if c.Store.PoolSize < 1 {
		errs = append(errs, "store: pool_size must be >= 1")
	}

	if c.Gateway.CatalogHost == "" {
		errs = append(errs, "gateway: catalog_host must not be empty")
	}
	if c.Gateway.OrderHost == "" {
		errs = append(errs, "gateway: order_host must not be empty")
	}
	if c.Gateway.RetryAttempts < 0 {
		errs = append(errs, "gateway: retry_attempts must be >= 0")
	}

	if c.Feed.URL == "" {
		errs = append(errs, "feed: url must not be empty")
	}
	if c.Feed.MaxAssets < 1 || c.Feed.MaxAssets > 500 {
		errs = append(errs, fmt.Sprintf("feed: max_assets must be 1-500, got %d", c.Feed.MaxAssets))
	}

	// Allocation policy: fractions are configuration, not derived, and they
	// must account for every dollar. Reject, never renormalize.
	if c.Budget.ReserveFraction < 0 || c.Budget.ReserveFraction >= 1 {
		errs = append(errs, fmt.Sprintf("budget: reserve_fraction must be in [0,1), got %g", c.Budget.ReserveFraction))
	}
	if len(c.Budget.Allocations) == 0 {
		errs = append(errs, "budget: at least one strategy allocation is required")
	}
	sum := c.Budget.ReserveFraction
	names := make([]string, 0, len(c.Budget.Allocations))
	for name, frac := range c.Budget.Allocations {
		names = append(names, name)
		if frac <= 0 {
			errs = append(errs, fmt.Sprintf("budget: allocation %q must be > 0, got %g", name, frac))
		}
		sum += frac
	}
	if math.Abs(sum-1) > allocationEpsilon {
		sort.Strings(names)
		errs = append(errs, fmt.Sprintf(
			"budget: allocations (%s) plus reserve_fraction must sum to 1, got %g",
			strings.Join(names, ", "), sum))
	}
	if c.Budget.CriticalRaidFraction < 0 || c.Budget.CriticalRaidFraction > 1 {
		errs = append(errs, fmt.Sprintf("budget: critical_raid_fraction must be in [0,1], got %g", c.Budget.CriticalRaidFraction))
	}

	if c.Risk.MaxDailyLossUSD <= 0 {
		errs = append(errs, "risk: max_daily_loss_usd must be > 0")
	}
	if c.Risk.MaxPositionsPerAgent < 1 {
		errs = append(errs, "risk: max_positions_per_agent must be >= 1")
	}
	if c.Risk.MinSignalQuality < 0 || c.Risk.MinSignalQuality > 1 {
		errs = append(errs, fmt.Sprintf("risk: min_signal_quality must be in [0,1], got %g", c.Risk.MinSignalQuality))
	}

	if c.Arb.MinProfitPerUnit <= 0 {
		errs = append(errs, "arb: min_profit_per_unit must be > 0")
	}
	if c.Arb.SizeCap <= 0 {
		errs = append(errs, "arb: size_cap must be > 0")
	}

	if len(c.Agents) == 0 {
		errs = append(errs, "agents: at least one agent must be enabled")
	}
	for _, a := range c.Agents {
		if _, ok := c.Budget.Allocations[a]; !ok {
			errs = append(errs, fmt.Sprintf("agents: %q has no budget allocation", a))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
