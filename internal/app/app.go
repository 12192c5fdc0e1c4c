// Package app assembles the swarm coordinator: coordination store, signal
// bus, market feed, risk controller, budget manager, and the supervised
// agents.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/hivetrade/swarmbot/internal/agent"
	"github.com/hivetrade/swarmbot/internal/book"
	"github.com/hivetrade/swarmbot/internal/budget"
	"github.com/hivetrade/swarmbot/internal/bus"
	"github.com/hivetrade/swarmbot/internal/config"
	"github.com/hivetrade/swarmbot/internal/domain"
	"github.com/hivetrade/swarmbot/internal/feed"
	"github.com/hivetrade/swarmbot/internal/gateway"
	"github.com/hivetrade/swarmbot/internal/journal"
	ledgerredis "github.com/hivetrade/swarmbot/internal/ledger/redis"
	"github.com/hivetrade/swarmbot/internal/risk"
	"github.com/hivetrade/swarmbot/internal/wallet"
)

// RunOptions carry the operator flags that are not part of the config file.
type RunOptions struct {
	Budget decimal.Decimal // zero means do not seed
	Reset  bool
}

// Run wires everything together and blocks until ctx is cancelled or a
// fatal fault occurs. Fatal faults wrap agent.ErrQuarantined so the caller
// can select the right exit code.
func Run(ctx context.Context, cfg *config.Config, opts RunOptions, logger *slog.Logger) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := ledgerredis.New(connectCtx, ledgerredis.ClientConfig{
		Addr:       cfg.Store.Addr,
		Password:   cfg.Store.Password,
		DB:         cfg.Store.DB,
		PoolSize:   cfg.Store.PoolSize,
		MaxRetries: cfg.Store.MaxRetries,
		TLSEnabled: cfg.Store.TLSEnabled,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("app: coordination store: %w", err)
	}
	defer store.Close()

	ledger := ledgerredis.NewLedger(store)
	locks := ledgerredis.NewLockManager(store)

	if opts.Reset {
		if err := ledger.Reset(ctx); err != nil {
			return fmt.Errorf("app: reset ledger: %w", err)
		}
		logger.Warn("ledger reset")
	}

	w, err := wallet.FromEnv()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	logger.Info("wallet loaded", slog.String("address", w.AddressHex()))

	var nonceSrc domain.NonceSource
	if cfg.DryRun || cfg.Wallet.RPCURL == "" {
		nonceSrc = wallet.StaticNonceSource{}
	} else {
		src, err := wallet.DialNonceSource(ctx, cfg.Wallet.RPCURL)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		defer src.Close()
		nonceSrc = src
	}

	manager := budget.NewManager(ledger, locks, nonceSrc, budget.Options{
		ReserveFraction:      cfg.Budget.ReserveFraction,
		Allocations:          cfg.Budget.Allocations,
		ReservationTTL:       cfg.Budget.ReservationTTL.Duration,
		CriticalRaidFraction: cfg.Budget.CriticalRaidFraction,
		StoreTimeout:         cfg.Budget.StoreTimeout.Duration,
	}, logger)

	seeded, err := ledger.Seeded(ctx)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	switch {
	case opts.Budget.IsPositive():
		if seeded && !opts.Reset {
			return fmt.Errorf("app: ledger already seeded, pass --reset to reseed: %w", domain.ErrAlreadyExists)
		}
		if err := manager.SeedIfNeeded(ctx, opts.Budget); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	case !seeded:
		return fmt.Errorf("app: %w: pass --budget to seed the ledger", domain.ErrNotSeeded)
	}

	// Catalog: each binary market carries two tokens, and the feed caps the
	// subscription list.
	catalog := gateway.NewCatalogClient(cfg.Gateway.CatalogHost, cfg.Gateway.CatalogTimeout.Duration)
	markets, err := catalog.ActiveMarkets(ctx, cfg.Feed.MaxAssets/2)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	pairs, assets := buildPairs(markets, cfg.Feed.MaxAssets)
	if len(pairs) == 0 {
		return fmt.Errorf("app: catalog returned no tradable binary markets")
	}
	logger.Info("catalog loaded",
		slog.Int("markets", len(markets)),
		slog.Int("pairs", len(pairs)))

	books := book.NewRegistry()
	signalBus := bus.New(bus.Options{
		HistoryLimit:   cfg.Bus.HistoryLimit,
		CallbackBudget: cfg.Bus.CallbackBudget.Duration,
		Logger:         logger,
	})
	defer signalBus.Close()

	stream, err := feed.New(feed.Options{
		URL:           cfg.Feed.URL,
		Assets:        assets,
		MaxAssets:     cfg.Feed.MaxAssets,
		PingInterval:  cfg.Feed.PingInterval.Duration,
		ReconnectBase: cfg.Feed.ReconnectBase.Duration,
		ReconnectMax:  cfg.Feed.ReconnectMax.Duration,
		Logger:        logger,
	}, books, signalBus)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	controller := risk.NewController(risk.Limits{
		MaxPositionSizeUSD:   decimal.NewFromFloat(cfg.Risk.MaxPositionSizeUSD),
		MaxTotalExposureUSD:  decimal.NewFromFloat(cfg.Risk.MaxTotalExposureUSD),
		MaxEntityExposureUSD: decimal.NewFromFloat(cfg.Risk.MaxEntityExposureUSD),
		MaxPositionsPerAgent: cfg.Risk.MaxPositionsPerAgent,
		MaxDailyLossUSD:      decimal.NewFromFloat(cfg.Risk.MaxDailyLossUSD),
		MinSignalQuality:     cfg.Risk.MinSignalQuality,
	}, signalBus, manager, logger)

	var trades domain.TradeJournal = journal.Nop{}
	if cfg.Journal.DSN != "" {
		pg, err := journal.Open(ctx, cfg.Journal.DSN, logger)
		if err != nil {
			// The journal is analytics, not execution; run without it.
			logger.Warn("journal unavailable, continuing without it",
				slog.String("error", err.Error()))
		} else {
			trades = pg
			defer pg.Close()
		}
	}

	var orders gateway.OrderClient
	if cfg.DryRun {
		orders = gateway.NewDryRunOrderClient(books, logger)
		logger.Warn("dry-run mode: orders are simulated against local books")
	} else {
		orders = gateway.NewHTTPOrderClient(
			cfg.Gateway.OrderHost,
			cfg.Gateway.OrderTimeout.Duration,
			cfg.Gateway.RetryAttempts,
			logger)
	}

	agents := make([]agent.Agent, 0, len(cfg.Agents))
	for _, name := range cfg.Agents {
		agents = append(agents, agent.NewArbitrageAgent(name, agent.ArbOptions{
			Strategy:            name,
			MinProfitPerUnit:    decimal.NewFromFloat(cfg.Arb.MinProfitPerUnit),
			MaxSlippageBps:      cfg.Arb.MaxSlippageBps,
			SizeCap:             decimal.NewFromFloat(cfg.Arb.SizeCap),
			FeeBps:              cfg.Arb.FeeBps,
			GasUSD:              decimal.NewFromFloat(cfg.Arb.GasUSD),
			LegRiskTimeout:      cfg.Arb.LegRiskTimeout.Duration,
			ExecDeadline:        cfg.Arb.ExecDeadline.Duration,
			ScanInterval:        cfg.Arb.ScanInterval.Duration,
			BoostedScanInterval: cfg.Arb.BoostedScanInterval.Duration,
		}, pairs, books, signalBus, manager, controller, orders, trades, logger))
	}

	supervisor := agent.NewSupervisor(agent.SupervisorOptions{
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval.Duration,
		HeartbeatMisses:   cfg.Supervisor.HeartbeatMisses,
		RestartBase:       cfg.Supervisor.RestartBase.Duration,
		RestartMax:        cfg.Supervisor.RestartMax.Duration,
		MaxRestarts:       cfg.Supervisor.MaxRestarts,
		RestartWindow:     cfg.Supervisor.RestartWindow.Duration,
		ShutdownGrace:     cfg.Supervisor.ShutdownGrace.Duration,
	}, signalBus, agents, logger)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := stream.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		manager.RunJanitor(runCtx, cfg.Budget.ReservationTTL.Duration, cfg.Budget.JanitorInterval.Duration)
		return nil
	})
	g.Go(func() error {
		return supervisor.Run(runCtx)
	})
	g.Go(func() error {
		// A lost budget lock means the capital ledger can no longer be
		// trusted: trip the breaker and take the whole swarm down.
		select {
		case <-runCtx.Done():
			return nil
		case ferr := <-manager.Faults():
			controller.Trip("coordination fault: " + ferr.Error())
			return fmt.Errorf("app: %w", ferr)
		}
	})

	runErr := g.Wait()
	logFinalSnapshot(manager, controller, logger)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// buildPairs derives the watched pairs and the feed subscription list from
// the catalog, respecting the asset cap.
func buildPairs(markets []domain.Market, maxAssets int) ([]agent.Pair, []string) {
	var pairs []agent.Pair
	var assets []string
	for _, m := range markets {
		if len(assets)+2 > maxAssets {
			break
		}
		yes, okYes := m.Token(domain.OutcomeYes)
		no, okNo := m.Token(domain.OutcomeNo)
		if !okYes || !okNo {
			continue
		}
		pairs = append(pairs, agent.Pair{
			MarketID: m.ID,
			Question: m.Question,
			YesToken: yes.TokenID,
			NoToken:  no.TokenID,
		})
		assets = append(assets, yes.TokenID, no.TokenID)
	}
	return pairs, assets
}

// logFinalSnapshot records the closing state of the ledger and portfolio so
// an operator can reconcile after shutdown.
func logFinalSnapshot(manager *budget.Manager, controller *risk.Controller, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := manager.Snapshot(ctx)
	if err != nil {
		logger.Warn("final snapshot unavailable", slog.String("error", err.Error()))
		return
	}
	total := decimal.Zero
	for _, bal := range snap.Balances {
		total = total.Add(bal)
	}
	exposure, open := controller.Exposure()
	logger.Info("final snapshot",
		slog.String("total_balance", total.String()),
		slog.Int("open_reservations", len(snap.Reservations)),
		slog.Bool("frozen", snap.Frozen),
		slog.String("exposure", exposure.String()),
		slog.Int("open_positions", open),
		slog.String("daily_loss", controller.DailyLoss().String()))
}
