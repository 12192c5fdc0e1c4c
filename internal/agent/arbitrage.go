package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hivetrade/swarmbot/internal/book"
	"github.com/hivetrade/swarmbot/internal/bus"
	"github.com/hivetrade/swarmbot/internal/domain"
	"github.com/hivetrade/swarmbot/internal/gateway"
	"github.com/hivetrade/swarmbot/internal/risk"
)

// CapitalSource is the budget surface agents use. Satisfied by
// budget.Manager.
type CapitalSource interface {
	RequestReservation(ctx context.Context, strategy string, amount decimal.Decimal, priority domain.ReservationPriority) (domain.Reservation, error)
	ReleaseReservation(ctx context.Context, id string, spent decimal.Decimal) error
	Settle(ctx context.Context, strategy string, proceeds, pnl decimal.Decimal) error
}

// RiskGate is the risk-controller surface agents use.
type RiskGate interface {
	Evaluate(check risk.TradeCheck) error
	TrackPosition(p domain.Position)
	ClosePosition(agent, tokenID string, realizedPnL decimal.Decimal)
}

// Pair is one binary market the arbitrage agent watches.
type Pair struct {
	MarketID string
	Question string
	YesToken string
	NoToken  string
}

// ArbOptions tune the arbitrage strategy.
type ArbOptions struct {
	Strategy            string
	MinProfitPerUnit    decimal.Decimal
	MaxSlippageBps      int64
	SizeCap             decimal.Decimal
	FeeBps              int64
	GasUSD              decimal.Decimal
	LegRiskTimeout      time.Duration
	ExecDeadline        time.Duration
	ScanInterval        time.Duration
	BoostedScanInterval time.Duration
}

// opportunity is one priced candidate from a scan.
type opportunity struct {
	pair       Pair
	yesAsk     domain.PriceLevel
	noAsk      domain.PriceLevel
	sum        decimal.Decimal
	profitUnit decimal.Decimal
}

// ArbitrageAgent hunts for YES+NO ask sums below one dollar and buys both
// legs. Both legs together pay out exactly one dollar at resolution, so a
// matched pair locks its discount as profit regardless of outcome.
type ArbitrageAgent struct {
	heartbeat

	id     string
	opts   ArbOptions
	pairs  []Pair
	books  *book.Registry
	bus    *bus.Bus
	budget CapitalSource
	risk   RiskGate
	orders gateway.OrderClient
	trades domain.TradeJournal
	logger *slog.Logger

	wake    chan struct{}
	handles []bus.Handle

	mu          sync.Mutex
	rivalClaims map[string]time.Time
}

// NewArbitrageAgent wires an agent over the shared substrate.
func NewArbitrageAgent(id string, opts ArbOptions, pairs []Pair, books *book.Registry, b *bus.Bus, budget CapitalSource, riskGate RiskGate, orders gateway.OrderClient, trades domain.TradeJournal, logger *slog.Logger) *ArbitrageAgent {
	if opts.Strategy == "" {
		opts.Strategy = id
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 2 * time.Second
	}
	if opts.BoostedScanInterval <= 0 {
		opts.BoostedScanInterval = 500 * time.Millisecond
	}
	if opts.LegRiskTimeout <= 0 {
		opts.LegRiskTimeout = 5 * time.Second
	}
	if opts.ExecDeadline <= 0 {
		opts.ExecDeadline = 10 * time.Second
	}
	return &ArbitrageAgent{
		id:     id,
		opts:   opts,
		pairs:  pairs,
		books:  books,
		bus:    b,
		budget: budget,
		risk:   riskGate,
		orders: orders,
		trades: trades,
		logger: logger.With(slog.String("component", "arb_agent"), slog.String("agent", id)),

		wake:        make(chan struct{}, 1),
		rivalClaims: make(map[string]time.Time),
	}
}

// ID returns the agent id.
func (a *ArbitrageAgent) ID() string { return a.id }

// Run scans for opportunities until the context is cancelled. The scan
// cadence tightens when the bus reports elevated activity around a watched
// market.
func (a *ArbitrageAgent) Run(ctx context.Context) error {
	a.beat()
	a.subscribe()
	defer a.unsubscribe()
	a.logger.Info("agent started", slog.Int("pairs", len(a.pairs)))

	for {
		interval := a.opts.ScanInterval
		if best, ok := a.scanAndExecute(ctx); ok && a.bus.ShouldIncreaseScanFrequency(best) {
			interval = a.opts.BoostedScanInterval
		}
		a.beat()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("agent stopping")
			return ctx.Err()
		case <-a.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// subscribe registers the bus callbacks the scan loop reacts to: book moves
// on watched assets and high-impact news wake the scanner early, rival
// opportunity announcements are remembered so the agent skips contested
// claims.
func (a *ArbitrageAgent) subscribe() {
	watched := make(map[string]bool, len(a.pairs)*2)
	for _, p := range a.pairs {
		watched[p.YesToken] = true
		watched[p.NoToken] = true
	}
	a.handles = append(a.handles,
		a.bus.Subscribe(domain.SignalMarketState, a.id, func(sig domain.Signal) {
			if ms, ok := sig.Payload.(domain.MarketState); ok && watched[ms.TokenID] {
				a.poke()
			}
		}),
		a.bus.Subscribe(domain.SignalNewsEvent, a.id, func(sig domain.Signal) {
			if ne, ok := sig.Payload.(domain.NewsEvent); ok && ne.Impact == domain.ImpactHigh {
				a.poke()
			}
		}),
		a.bus.Subscribe(domain.SignalMarketOpportunity, a.id, func(sig domain.Signal) {
			op, ok := sig.Payload.(domain.MarketOpportunity)
			if !ok || sig.Source == a.id {
				return
			}
			a.mu.Lock()
			a.rivalClaims[op.OpportunityID] = time.Now()
			a.mu.Unlock()
		}),
	)
}

func (a *ArbitrageAgent) unsubscribe() {
	for _, h := range a.handles {
		a.bus.Unsubscribe(h)
	}
	a.handles = nil
}

// poke wakes the scan loop without blocking the bus dispatcher.
func (a *ArbitrageAgent) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// scanAndExecute runs one scan cycle and executes the best claimable
// opportunity, if any. It returns the question of the best candidate so the
// caller can adjust cadence.
func (a *ArbitrageAgent) scanAndExecute(ctx context.Context) (string, bool) {
	candidates := a.scan()
	if len(candidates) == 0 {
		return "", false
	}

	// Deterministic preference order so every agent in the swarm ranks
	// identically: highest profit, then tightest sum, then market id.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].profitUnit.Equal(candidates[j].profitUnit) {
			return candidates[i].profitUnit.GreaterThan(candidates[j].profitUnit)
		}
		if !candidates[i].sum.Equal(candidates[j].sum) {
			return candidates[i].sum.LessThan(candidates[j].sum)
		}
		return candidates[i].pair.MarketID < candidates[j].pair.MarketID
	})

	best := candidates[0]
	oppID := "arb:" + best.pair.MarketID
	profit, _ := best.profitUnit.Float64()
	confidence := clamp01(0.6 + profit*5)

	// A rival that announced this opportunity and still holds the claim wins
	// without a contest; re-announcing would only add bus noise.
	a.mu.Lock()
	announced, seen := a.rivalClaims[oppID]
	a.mu.Unlock()
	if seen && time.Since(announced) < bus.DefaultClaimTTL {
		if owner := a.bus.ClaimedBy(oppID); owner != "" && owner != a.id {
			a.logger.Debug("opportunity contested by rival",
				slog.String("opportunity", oppID),
				slog.String("owner", owner))
			return best.pair.Question, true
		}
	}

	if err := a.bus.Publish(domain.Signal{
		Kind:     domain.SignalMarketOpportunity,
		Priority: domain.PriorityHigh,
		Source:   a.id,
		TTL:      30 * time.Second,
		Payload: domain.MarketOpportunity{
			OpportunityID:     oppID,
			Kind:              domain.OppPureArb,
			MarketIDs:         []string{best.pair.MarketID},
			TokenIDs:          []string{best.pair.YesToken, best.pair.NoToken},
			ExpectedProfitUSD: best.profitUnit.Mul(a.opts.SizeCap),
			Confidence:        confidence,
			ClaimedBy:         a.id,
		},
	}); err != nil {
		a.logger.Warn("publish opportunity failed", slog.String("error", err.Error()))
	}

	if err := a.bus.Claim(oppID, a.id, bus.DefaultClaimTTL); err != nil {
		if errors.Is(err, domain.ErrClaimDenied) {
			a.logger.Debug("opportunity already claimed",
				slog.String("opportunity", oppID),
				slog.String("owner", a.bus.ClaimedBy(oppID)))
			return best.pair.Question, true
		}
		a.logger.Warn("claim failed", slog.String("error", err.Error()))
		return best.pair.Question, true
	}
	defer a.bus.ReleaseClaim(oppID, a.id)

	execCtx, cancel := context.WithTimeout(ctx, a.opts.ExecDeadline)
	defer cancel()
	a.execute(execCtx, oppID, best)
	return best.pair.Question, true
}

// scan prices every watched pair against the local replicas.
func (a *ArbitrageAgent) scan() []opportunity {
	one := decimal.NewFromInt(1)
	feeRate := decimal.NewFromInt(a.opts.FeeBps).Div(decimal.NewFromInt(10000))

	var out []opportunity
	for _, p := range a.pairs {
		yesBook, ok := a.books.Get(p.YesToken)
		if !ok {
			continue
		}
		noBook, ok := a.books.Get(p.NoToken)
		if !ok {
			continue
		}
		yesAsk, ok := yesBook.BestAsk()
		if !ok {
			continue
		}
		noAsk, ok := noBook.BestAsk()
		if !ok {
			continue
		}

		sum := yesAsk.Price.Add(noAsk.Price)
		fees := sum.Mul(feeRate)
		profitUnit := one.Sub(sum).Sub(fees)

		// Gas is a fixed cost per cycle, so it is amortized over the
		// executable quantity before comparing against the floor.
		threshold := a.opts.MinProfitPerUnit
		q := decimal.Min(yesAsk.Size, noAsk.Size, a.opts.SizeCap)
		if a.opts.GasUSD.IsPositive() && q.IsPositive() {
			threshold = threshold.Add(a.opts.GasUSD.Div(q))
		}
		if profitUnit.LessThan(threshold) {
			continue
		}
		out = append(out, opportunity{
			pair:       p,
			yesAsk:     yesAsk,
			noAsk:      noAsk,
			sum:        sum,
			profitUnit: profitUnit,
		})
	}
	return out
}

// execute runs the two-leg purchase for one claimed opportunity. A matched
// pair locks its discount at any quantity, so sizing is bounded only by
// leg depth and the capital cap; sentiment multipliers apply to directional
// strategies, not here.
func (a *ArbitrageAgent) execute(ctx context.Context, oppID string, opp opportunity) {
	size := decimal.Min(opp.yesAsk.Size, opp.noAsk.Size, a.opts.SizeCap)
	if !size.IsPositive() {
		return
	}
	notional := size.Mul(opp.sum)

	if err := a.risk.Evaluate(risk.TradeCheck{
		Agent:         a.id,
		Entity:        opp.pair.Question,
		TokenID:       opp.pair.YesToken,
		NotionalUSD:   notional,
		SignalQuality: a.bus.SignalStrength(opp.pair.Question),
	}); err != nil {
		a.publishDenial(opp.pair.YesToken, "risk: "+err.Error())
		return
	}

	reservation, err := a.budget.RequestReservation(ctx, a.opts.Strategy, notional, domain.ReservationNormal)
	if err != nil {
		a.publishDenial(opp.pair.YesToken, "budget: "+err.Error())
		return
	}

	slip := decimal.NewFromInt(a.opts.MaxSlippageBps).Div(decimal.NewFromInt(10000))
	limitA := opp.yesAsk.Price.Mul(decimal.NewFromInt(1).Add(slip))
	limitB := opp.noAsk.Price.Mul(decimal.NewFromInt(1).Add(slip))

	legA, err := a.orders.SubmitOrder(ctx, domain.OrderRequest{
		TokenID:        opp.pair.YesToken,
		Side:           domain.OrderSideBuy,
		LimitPrice:     limitA,
		Size:           size,
		TimeInForce:    domain.TIFImmediateOrCancel,
		MaxSlippageBps: a.opts.MaxSlippageBps,
		Strategy:       a.opts.Strategy,
	})
	if err != nil || !legA.Filled() {
		if err != nil {
			a.logger.Warn("leg A submit failed", slog.String("error", err.Error()))
		}
		if relErr := a.budget.ReleaseReservation(ctx, reservation.ID, decimal.Zero); relErr != nil {
			a.logger.Error("release after unfilled leg A failed", slog.String("error", relErr.Error()))
		}
		return
	}

	a.risk.TrackPosition(domain.Position{
		Agent:      a.id,
		TokenID:    opp.pair.YesToken,
		Entity:     opp.pair.Question,
		Side:       domain.OrderSideBuy,
		Size:       legA.FilledSize,
		EntryPrice: legA.AvgPrice,
		MarkPrice:  legA.AvgPrice,
		OpenedAt:   time.Now().UTC(),
	})
	a.journal(oppID, opp.pair.YesToken, domain.OrderSideBuy, legA, false)

	legB, err := a.orders.SubmitOrder(ctx, domain.OrderRequest{
		TokenID:        opp.pair.NoToken,
		Side:           domain.OrderSideBuy,
		LimitPrice:     limitB,
		Size:           legA.FilledSize,
		TimeInForce:    domain.TIFImmediateOrCancel,
		MaxSlippageBps: a.opts.MaxSlippageBps,
		Strategy:       a.opts.Strategy,
	})
	if err != nil {
		a.logger.Warn("leg B submit failed", slog.String("error", err.Error()))
	}

	matched := decimal.Zero
	if legB.Filled() {
		matched = decimal.Min(legA.FilledSize, legB.FilledSize)
		a.journal(oppID, opp.pair.NoToken, domain.OrderSideBuy, legB, false)
	}

	// Any single-sided exposure is leg risk: sell the unmatched YES quantity
	// back immediately rather than carry a directional bet.
	unmatched := legA.FilledSize.Sub(matched)
	hedge := domain.OrderResult{}
	if unmatched.IsPositive() {
		hedge = a.hedgeLeg(opp, unmatched)
	}

	a.settle(ctx, oppID, opp, reservation, legA, legB, hedge, matched)
}

// hedgeLeg unwinds single-sided exposure by selling the filled YES quantity
// at the best bid within the leg-risk window.
func (a *ArbitrageAgent) hedgeLeg(opp opportunity, size decimal.Decimal) domain.OrderResult {
	a.logger.Warn("LEG_RISK:HEDGE",
		slog.String("market", opp.pair.MarketID),
		slog.String("token", opp.pair.YesToken),
		slog.String("size", size.String()))

	hedgeCtx, cancel := context.WithTimeout(context.Background(), a.opts.LegRiskTimeout)
	defer cancel()

	slip := decimal.NewFromInt(a.opts.MaxSlippageBps).Div(decimal.NewFromInt(10000))
	limit := decimal.Zero
	if yesBook, ok := a.books.Get(opp.pair.YesToken); ok {
		if bid, ok := yesBook.BestBid(); ok {
			limit = bid.Price.Mul(decimal.NewFromInt(1).Sub(slip))
		}
	}
	if !limit.IsPositive() {
		// No bid to hedge into; the position stays tracked and the swarm is
		// alerted.
		a.alertUnhedged(opp, size)
		return domain.OrderResult{}
	}

	hedge, err := a.orders.SubmitOrder(hedgeCtx, domain.OrderRequest{
		TokenID:        opp.pair.YesToken,
		Side:           domain.OrderSideSell,
		LimitPrice:     limit,
		Size:           size,
		TimeInForce:    domain.TIFImmediateOrCancel,
		MaxSlippageBps: a.opts.MaxSlippageBps,
		Strategy:       a.opts.Strategy,
	})
	if err != nil || !hedge.Filled() {
		if err != nil {
			a.logger.Error("hedge submit failed", slog.String("error", err.Error()))
		}
		a.alertUnhedged(opp, size)
		return domain.OrderResult{}
	}
	a.journal("arb:"+opp.pair.MarketID, opp.pair.YesToken, domain.OrderSideSell, hedge, true)
	return hedge
}

func (a *ArbitrageAgent) alertUnhedged(opp opportunity, size decimal.Decimal) {
	_ = a.bus.Publish(domain.Signal{
		Kind:     domain.SignalRiskAlert,
		Priority: domain.PriorityHigh,
		Source:   a.id,
		Payload: domain.RiskAlert{
			Severity: domain.SeverityHigh,
			Scope:    domain.ScopeAgent,
			Reason:   fmt.Sprintf("unhedged leg of %s on %s", size, opp.pair.MarketID),
		},
	})
}

// settle accounts the cycle: matched pairs pay out one dollar each at
// resolution, hedged quantity realizes its sale proceeds, and the unspent
// reservation remainder is returned.
func (a *ArbitrageAgent) settle(ctx context.Context, oppID string, opp opportunity, reservation domain.Reservation, legA, legB, hedge domain.OrderResult, matched decimal.Decimal) {
	costA := legA.FilledSize.Mul(legA.AvgPrice)
	costB := legB.FilledSize.Mul(legB.AvgPrice)
	spent := costA.Add(costB).Add(a.opts.GasUSD)

	// Guaranteed payout for matched pairs plus hedge sale proceeds.
	proceeds := matched
	if hedge.Filled() {
		proceeds = proceeds.Add(hedge.FilledSize.Mul(hedge.AvgPrice))
	}
	pnl := proceeds.Sub(spent)

	if err := a.budget.ReleaseReservation(ctx, reservation.ID, spent); err != nil {
		a.logger.Error("release reservation failed",
			slog.String("id", reservation.ID),
			slog.String("error", err.Error()))
	}
	if err := a.budget.Settle(ctx, a.opts.Strategy, proceeds, pnl); err != nil {
		a.logger.Error("settle failed", slog.String("error", err.Error()))
	}

	a.risk.ClosePosition(a.id, opp.pair.YesToken, pnl)

	_ = a.bus.Publish(domain.Signal{
		Kind:     domain.SignalPositionUpdate,
		Priority: domain.PriorityMedium,
		Source:   a.id,
		Payload: domain.PositionUpdate{
			Agent:       a.id,
			TokenID:     opp.pair.YesToken,
			Side:        domain.OrderSideBuy,
			Size:        matched,
			AvgPrice:    opp.sum,
			RealizedPnL: pnl,
		},
	})

	a.logger.Info("opportunity settled",
		slog.String("opportunity", oppID),
		slog.String("matched", matched.String()),
		slog.String("spent", spent.String()),
		slog.String("pnl", pnl.String()))
}

// publishDenial keeps denials observable on the bus alongside fills.
func (a *ArbitrageAgent) publishDenial(tokenID, reason string) {
	_ = a.bus.Publish(domain.Signal{
		Kind:     domain.SignalPositionUpdate,
		Priority: domain.PriorityMedium,
		Source:   a.id,
		Payload: domain.PositionUpdate{
			Agent:      a.id,
			TokenID:    tokenID,
			DenyReason: reason,
		},
	})
}

func (a *ArbitrageAgent) journal(oppID, tokenID string, side domain.OrderSide, result domain.OrderResult, isHedge bool) {
	if a.trades == nil {
		return
	}
	_ = a.trades.Record(context.Background(), domain.JournalEntry{
		Agent:       a.id,
		Opportunity: oppID,
		TokenID:     tokenID,
		Side:        side,
		Price:       result.AvgPrice,
		Size:        result.FilledSize,
		Hedge:       isHedge,
		ExecutedAt:  result.SubmittedAt,
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Compile-time interface check.
var _ Agent = (*ArbitrageAgent)(nil)
