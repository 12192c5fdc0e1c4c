package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SWARM_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. A missing file is not
// an error: defaults plus environment are enough to run.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SWARM_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This is
// the only channel for secrets; they are never read from disk.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Addr, "SWARM_STORE_ADDR")
	setStr(&cfg.Store.Password, "SWARM_STORE_PASSWORD")
	setInt(&cfg.Store.DB, "SWARM_STORE_DB")
	setInt(&cfg.Store.PoolSize, "SWARM_STORE_POOL_SIZE")
	setBool(&cfg.Store.TLSEnabled, "SWARM_STORE_TLS_ENABLED")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "SWARM_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.RPCURL, "SWARM_WALLET_RPC_URL")

	// ── Gateway ──
	setStr(&cfg.Gateway.CatalogHost, "SWARM_GATEWAY_CATALOG_HOST")
	setStr(&cfg.Gateway.OrderHost, "SWARM_GATEWAY_ORDER_HOST")
	setDuration(&cfg.Gateway.OrderTimeout, "SWARM_GATEWAY_ORDER_TIMEOUT")
	setDuration(&cfg.Gateway.CatalogTimeout, "SWARM_GATEWAY_CATALOG_TIMEOUT")
	setInt(&cfg.Gateway.RetryAttempts, "SWARM_GATEWAY_RETRY_ATTEMPTS")

	// ── Feed ──
	setStr(&cfg.Feed.URL, "SWARM_FEED_URL")
	setInt(&cfg.Feed.MaxAssets, "SWARM_FEED_MAX_ASSETS")
	setDuration(&cfg.Feed.PingInterval, "SWARM_FEED_PING_INTERVAL")

	// ── Budget ──
	setFloat64(&cfg.Budget.ReserveFraction, "SWARM_BUDGET_RESERVE_FRACTION")
	setDuration(&cfg.Budget.ReservationTTL, "SWARM_BUDGET_RESERVATION_TTL")
	setDuration(&cfg.Budget.JanitorInterval, "SWARM_BUDGET_JANITOR_INTERVAL")
	setFloat64(&cfg.Budget.CriticalRaidFraction, "SWARM_BUDGET_CRITICAL_RAID_FRACTION")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxPositionSizeUSD, "SWARM_RISK_MAX_POSITION_SIZE_USD")
	setFloat64(&cfg.Risk.MaxTotalExposureUSD, "SWARM_RISK_MAX_TOTAL_EXPOSURE_USD")
	setFloat64(&cfg.Risk.MaxEntityExposureUSD, "SWARM_RISK_MAX_ENTITY_EXPOSURE_USD")
	setInt(&cfg.Risk.MaxPositionsPerAgent, "SWARM_RISK_MAX_POSITIONS_PER_AGENT")
	setFloat64(&cfg.Risk.MaxDailyLossUSD, "SWARM_RISK_MAX_DAILY_LOSS_USD")
	setFloat64(&cfg.Risk.MinSignalQuality, "SWARM_RISK_MIN_SIGNAL_QUALITY")

	// ── Arb ──
	setFloat64(&cfg.Arb.MinProfitPerUnit, "SWARM_ARB_MIN_PROFIT_PER_UNIT")
	setInt64(&cfg.Arb.MaxSlippageBps, "SWARM_ARB_MAX_SLIPPAGE_BPS")
	setFloat64(&cfg.Arb.SizeCap, "SWARM_ARB_SIZE_CAP")
	setDuration(&cfg.Arb.LegRiskTimeout, "SWARM_ARB_LEG_RISK_TIMEOUT")

	// ── Journal ──
	setStr(&cfg.Journal.DSN, "SWARM_JOURNAL_DSN")

	// ── Top-level ──
	setBool(&cfg.DryRun, "SWARM_DRY_RUN")
	setStr(&cfg.LogLevel, "SWARM_LOG_LEVEL")
	setStringSlice(&cfg.Agents, "SWARM_AGENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
