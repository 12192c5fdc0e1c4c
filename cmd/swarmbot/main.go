// Command swarmbot runs the swarm trading coordinator.
//
// Exit codes: 0 on clean shutdown, 2 on configuration errors, 3 when an
// agent is quarantined or a coordination fault forces a stop, 130 on SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/hivetrade/swarmbot/internal/agent"
	"github.com/hivetrade/swarmbot/internal/app"
	"github.com/hivetrade/swarmbot/internal/config"
	"github.com/hivetrade/swarmbot/internal/domain"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitQuarantine = 3
	exitSigint     = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "swarmbot.toml", "path to TOML configuration file")
		budgetStr  = flag.String("budget", "", "total budget in USD to seed the ledger with")
		agentsStr  = flag.String("agents", "", "comma-separated agent list, overrides config")
		storeURL   = flag.String("store-url", "", "coordination store address, overrides config")
		dryRun     = flag.Bool("dry-run", false, "simulate order execution against local books")
		reset      = flag.Bool("reset", false, "clear the ledger before starting")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfig
	}

	// Flags win over file and environment.
	if *storeURL != "" {
		cfg.Store.Addr = *storeURL
	}
	if *agentsStr != "" {
		var agents []string
		for _, a := range strings.Split(*agentsStr, ",") {
			if a = strings.TrimSpace(a); a != "" {
				agents = append(agents, a)
			}
		}
		cfg.Agents = agents
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}

	var budget decimal.Decimal
	if *budgetStr != "" {
		budget, err = decimal.NewFromString(*budgetStr)
		if err != nil || !budget.IsPositive() {
			fmt.Fprintf(os.Stderr, "invalid --budget %q: must be a positive decimal\n", *budgetStr)
			return exitConfig
		}
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting swarmbot",
		slog.Any("config", config.RedactedConfig(cfg)),
		slog.Bool("dry_run", cfg.DryRun))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = app.Run(ctx, cfg, app.RunOptions{Budget: budget, Reset: *reset}, logger)
	if err == nil {
		if ctx.Err() != nil {
			logger.Info("interrupted, shut down cleanly")
			return exitSigint
		}
		logger.Info("shut down cleanly")
		return exitOK
	}

	logger.Error("fatal", slog.String("error", err.Error()))
	switch {
	case errors.Is(err, agent.ErrQuarantined), errors.Is(err, domain.ErrLockLost):
		return exitQuarantine
	case errors.Is(err, domain.ErrNotSeeded), errors.Is(err, domain.ErrAlreadyExists):
		return exitConfig
	default:
		return exitFailure
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
