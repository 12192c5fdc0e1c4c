// Package risk enforces portfolio limits and owns the loss circuit breaker.
// Every order intent passes through Evaluate before capital is reserved.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// Limits are the portfolio constraints the controller enforces.
type Limits struct {
	MaxPositionSizeUSD   decimal.Decimal
	MaxTotalExposureUSD  decimal.Decimal
	MaxEntityExposureUSD decimal.Decimal
	MaxPositionsPerAgent int
	MaxDailyLossUSD      decimal.Decimal
	MinSignalQuality     float64
}

// rapidLossFraction and rapidLossWindow define the fast-trip rule: losing
// this fraction of the daily limit inside the window trips the breaker even
// before the full daily limit is reached.
const (
	rapidLossFraction = 0.5
	rapidLossWindow   = 15 * time.Minute
)

// TradeCheck describes an intended trade for Evaluate. SignalGated marks
// entries that depend on signal direction; only those are held to the
// signal-quality floor, and quality is judged on magnitude so a strong
// bearish read passes the same as a strong bullish one.
type TradeCheck struct {
	Agent         string
	Entity        string
	TokenID       string
	NotionalUSD   decimal.Decimal
	SignalQuality float64
	SignalGated   bool
}

// Publisher is the bus surface the controller needs.
type Publisher interface {
	Publish(sig domain.Signal) error
}

// Freezer stops new capital reservations when the breaker trips.
type Freezer interface {
	Freeze()
	Unfreeze()
}

// Controller tracks open positions and realized losses and answers
// admit/deny for every intended trade. All methods are safe for concurrent
// use.
type Controller struct {
	limits  Limits
	bus     Publisher
	freezer Freezer
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	positions map[string]map[string]domain.Position // agent -> tokenID -> position
	tripped   bool
	tripAt    time.Time
	dayStart  time.Time
	dailyLoss decimal.Decimal // positive number, realized losses only
	losses    []lossEvent
}

type lossEvent struct {
	at     time.Time
	amount decimal.Decimal
}

// NewController creates a Controller with the given limits.
func NewController(limits Limits, bus Publisher, freezer Freezer, logger *slog.Logger) *Controller {
	return &Controller{
		limits:    limits,
		bus:       bus,
		freezer:   freezer,
		logger:    logger.With(slog.String("component", "risk")),
		now:       func() time.Time { return time.Now().UTC() },
		positions: make(map[string]map[string]domain.Position),
		dayStart:  time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// SetClock overrides the time source. Test use only.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Evaluate admits or denies an intended trade. Denials are logged with the
// failing rule and are also surfaced on the bus as a position update so the
// swarm can observe them.
func (c *Controller) Evaluate(check TradeCheck) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()

	if c.tripped {
		return c.denyLocked(check, "circuit breaker open", domain.ErrCircuitOpen)
	}
	if check.NotionalUSD.GreaterThan(c.limits.MaxPositionSizeUSD) {
		return c.denyLocked(check,
			fmt.Sprintf("position size %s exceeds limit %s", check.NotionalUSD, c.limits.MaxPositionSizeUSD), nil)
	}
	if total := c.totalExposureLocked().Add(check.NotionalUSD); total.GreaterThan(c.limits.MaxTotalExposureUSD) {
		return c.denyLocked(check,
			fmt.Sprintf("total exposure %s would exceed limit %s", total, c.limits.MaxTotalExposureUSD), nil)
	}
	if check.Entity != "" {
		if ent := c.entityExposureLocked(check.Entity).Add(check.NotionalUSD); ent.GreaterThan(c.limits.MaxEntityExposureUSD) {
			return c.denyLocked(check,
				fmt.Sprintf("entity %q exposure %s would exceed limit %s", check.Entity, ent, c.limits.MaxEntityExposureUSD), nil)
		}
	}
	if len(c.positions[check.Agent]) >= c.limits.MaxPositionsPerAgent {
		return c.denyLocked(check,
			fmt.Sprintf("agent at max open positions (%d)", c.limits.MaxPositionsPerAgent), nil)
	}
	if check.SignalGated && math.Abs(check.SignalQuality) < c.limits.MinSignalQuality {
		return c.denyLocked(check,
			fmt.Sprintf("signal quality %.2f below floor %.2f", check.SignalQuality, c.limits.MinSignalQuality), nil)
	}
	return nil
}

func (c *Controller) denyLocked(check TradeCheck, reason string, sentinel error) error {
	c.logger.Warn("DENY:RISK",
		slog.String("agent", check.Agent),
		slog.String("token", check.TokenID),
		slog.String("notional", check.NotionalUSD.String()),
		slog.String("reason", reason))
	if sentinel != nil {
		return fmt.Errorf("risk: %s: %w", reason, sentinel)
	}
	return fmt.Errorf("risk: deny %s: %s", check.Agent, reason)
}

// TrackPosition records or updates an open position.
func (c *Controller) TrackPosition(p domain.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byToken, ok := c.positions[p.Agent]
	if !ok {
		byToken = make(map[string]domain.Position)
		c.positions[p.Agent] = byToken
	}
	byToken[p.TokenID] = p
}

// ClosePosition removes a position from tracking and records its realized
// result. A realized loss may trip the circuit breaker.
func (c *Controller) ClosePosition(agent, tokenID string, realizedPnL decimal.Decimal) {
	c.mu.Lock()
	if byToken, ok := c.positions[agent]; ok {
		delete(byToken, tokenID)
		if len(byToken) == 0 {
			delete(c.positions, agent)
		}
	}
	c.mu.Unlock()
	c.RecordRealizedPnL(realizedPnL)
}

// RecordRealizedPnL folds one realized result into the daily loss tracking.
// Profits do not offset the rapid-loss window: a burst of losses trips the
// breaker even on a day that is net positive.
func (c *Controller) RecordRealizedPnL(pnl decimal.Decimal) {
	c.mu.Lock()
	c.rolloverLocked()

	if pnl.IsNegative() {
		loss := pnl.Neg()
		c.dailyLoss = c.dailyLoss.Add(loss)
		c.losses = append(c.losses, lossEvent{at: c.now(), amount: loss})
	} else if pnl.IsPositive() {
		c.dailyLoss = decimal.Max(decimal.Zero, c.dailyLoss.Sub(pnl))
	}

	trip, reason := c.shouldTripLocked()
	c.mu.Unlock()

	if trip {
		c.Trip(reason)
	}
}

func (c *Controller) shouldTripLocked() (bool, string) {
	if c.tripped {
		return false, ""
	}
	if c.dailyLoss.GreaterThanOrEqual(c.limits.MaxDailyLossUSD) {
		return true, fmt.Sprintf("daily loss %s reached limit %s", c.dailyLoss, c.limits.MaxDailyLossUSD)
	}

	cutoff := c.now().Add(-rapidLossWindow)
	recent := decimal.Zero
	kept := c.losses[:0]
	for _, e := range c.losses {
		if e.at.After(cutoff) {
			recent = recent.Add(e.amount)
			kept = append(kept, e)
		}
	}
	c.losses = kept

	rapidLimit := c.limits.MaxDailyLossUSD.Mul(decimal.NewFromFloat(rapidLossFraction))
	if recent.GreaterThanOrEqual(rapidLimit) {
		return true, fmt.Sprintf("lost %s within %s (rapid-loss limit %s)", recent, rapidLossWindow, rapidLimit)
	}
	return false, ""
}

// Trip opens the circuit breaker: new reservations are frozen and a CRITICAL
// alert is published exactly once. Only Reset closes it again.
func (c *Controller) Trip(reason string) {
	c.mu.Lock()
	if c.tripped {
		c.mu.Unlock()
		return
	}
	c.tripped = true
	c.tripAt = c.now()
	c.mu.Unlock()

	c.logger.Error("CB:TRIPPED", slog.String("reason", reason))
	if c.freezer != nil {
		c.freezer.Freeze()
	}
	err := c.bus.Publish(domain.Signal{
		Kind:     domain.SignalRiskAlert,
		Priority: domain.PriorityCritical,
		Source:   "risk_controller",
		Payload: domain.RiskAlert{
			Severity: domain.SeverityCritical,
			Scope:    domain.ScopePortfolio,
			Reason:   reason,
		},
	})
	if err != nil {
		c.logger.Error("publish risk alert failed", slog.String("error", err.Error()))
	}
}

// Tripped reports whether the breaker is open.
func (c *Controller) Tripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tripped
}

// Reset closes the breaker and clears loss tracking. Operator action only;
// the breaker never resets itself.
func (c *Controller) Reset() {
	c.mu.Lock()
	wasTripped := c.tripped
	c.tripped = false
	c.dailyLoss = decimal.Zero
	c.losses = nil
	c.mu.Unlock()

	if wasTripped {
		c.logger.Warn("circuit breaker manually reset")
		if c.freezer != nil {
			c.freezer.Unfreeze()
		}
	}
}

// Exposure returns the current total and per-agent position counts for
// operator reporting.
func (c *Controller) Exposure() (total decimal.Decimal, openPositions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, byToken := range c.positions {
		openPositions += len(byToken)
	}
	return c.totalExposureLocked(), openPositions
}

// DailyLoss returns the accumulated realized loss for the current UTC day.
func (c *Controller) DailyLoss() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	return c.dailyLoss
}

func (c *Controller) totalExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, byToken := range c.positions {
		for _, p := range byToken {
			total = total.Add(p.Notional())
		}
	}
	return total
}

func (c *Controller) entityExposureLocked(entity string) decimal.Decimal {
	total := decimal.Zero
	for _, byToken := range c.positions {
		for _, p := range byToken {
			if p.Entity == entity {
				total = total.Add(p.Notional())
			}
		}
	}
	return total
}

// rolloverLocked resets daily loss tracking at UTC midnight. A tripped
// breaker stays tripped across the rollover.
func (c *Controller) rolloverLocked() {
	day := c.now().Truncate(24 * time.Hour)
	if day.After(c.dayStart) {
		c.dayStart = day
		c.dailyLoss = decimal.Zero
		c.losses = nil
	}
}
