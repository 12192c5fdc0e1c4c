package risk

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivetrade/swarmbot/internal/domain"
)

type fakeBus struct {
	mu      sync.Mutex
	signals []domain.Signal
}

func (f *fakeBus) Publish(sig domain.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeBus) alerts() []domain.RiskAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RiskAlert
	for _, s := range f.signals {
		if ra, ok := s.Payload.(domain.RiskAlert); ok {
			out = append(out, ra)
		}
	}
	return out
}

type fakeFreezer struct {
	mu       sync.Mutex
	frozen   bool
	unfrozen bool
}

func (f *fakeFreezer) Freeze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = true
}

func (f *fakeFreezer) Unfreeze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unfrozen = true
}

func testLimits() Limits {
	return Limits{
		MaxPositionSizeUSD:   decimal.NewFromInt(200),
		MaxTotalExposureUSD:  decimal.NewFromInt(800),
		MaxEntityExposureUSD: decimal.NewFromInt(400),
		MaxPositionsPerAgent: 2,
		MaxDailyLossUSD:      decimal.NewFromInt(100),
		MinSignalQuality:     0.6,
	}
}

func newTestController(t *testing.T) (*Controller, *fakeBus, *fakeFreezer) {
	t.Helper()
	b := &fakeBus{}
	f := &fakeFreezer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(testLimits(), b, f, logger), b, f
}

func check(notional int64) TradeCheck {
	return TradeCheck{
		Agent:         "arb",
		Entity:        "Bitcoin",
		TokenID:       "tok-1",
		NotionalUSD:   decimal.NewFromInt(notional),
		SignalQuality: 0.9,
	}
}

func TestEvaluateAdmitsWithinLimits(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.NoError(t, c.Evaluate(check(150)))
}

func TestEvaluateDeniesOversizedPosition(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.Error(t, c.Evaluate(check(201)))
}

func TestEvaluateDeniesOnTotalExposure(t *testing.T) {
	c, _, _ := newTestController(t)

	for i, tok := range []string{"a", "b", "c", "d"} {
		c.TrackPosition(domain.Position{
			Agent:      "agent-" + tok,
			TokenID:    "tok-" + tok,
			Entity:     "Entity" + tok,
			Size:       decimal.NewFromInt(1000),
			EntryPrice: decimal.RequireFromString("0.175"),
		})
		_ = i
	}
	// 4 x 175 = 700 held; 150 more would breach 800.
	assert.Error(t, c.Evaluate(check(150)))
	assert.NoError(t, c.Evaluate(check(90)))
}

func TestEvaluateDeniesOnEntityConcentration(t *testing.T) {
	c, _, _ := newTestController(t)

	c.TrackPosition(domain.Position{
		Agent:      "other",
		TokenID:    "tok-btc",
		Entity:     "Bitcoin",
		Size:       decimal.NewFromInt(1000),
		EntryPrice: decimal.RequireFromString("0.35"),
	})
	// Bitcoin already carries 350; 100 more breaches the 400 entity cap.
	assert.Error(t, c.Evaluate(check(100)))

	other := check(100)
	other.Entity = "Ethereum"
	assert.NoError(t, c.Evaluate(other))
}

func TestEvaluateDeniesOnPositionCount(t *testing.T) {
	c, _, _ := newTestController(t)

	for _, tok := range []string{"tok-1", "tok-2"} {
		c.TrackPosition(domain.Position{
			Agent: "arb", TokenID: tok, Entity: "E",
			Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(1),
		})
	}
	assert.Error(t, c.Evaluate(check(10)))

	c.ClosePosition("arb", "tok-1", decimal.Zero)
	assert.NoError(t, c.Evaluate(check(10)))
}

func TestEvaluateDeniesLowSignalQualityWhenGated(t *testing.T) {
	c, _, _ := newTestController(t)

	weak := check(10)
	weak.SignalGated = true
	weak.SignalQuality = 0.5
	assert.Error(t, c.Evaluate(weak))
}

func TestEvaluateAdmitsStrongBearishSignalWhenGated(t *testing.T) {
	c, _, _ := newTestController(t)

	bearish := check(10)
	bearish.SignalGated = true
	bearish.SignalQuality = -0.8
	assert.NoError(t, c.Evaluate(bearish))
}

func TestEvaluateIgnoresSignalQualityWhenNotGated(t *testing.T) {
	c, _, _ := newTestController(t)

	// Pure arbitrage enters on price structure alone; a dead signal feed
	// must not keep it out of the market.
	flat := check(10)
	flat.SignalQuality = 0
	assert.NoError(t, c.Evaluate(flat))
}

func TestBreakerTripsOnDailyLoss(t *testing.T) {
	c, b, f := newTestController(t)

	c.RecordRealizedPnL(decimal.NewFromInt(-60))
	assert.False(t, c.Tripped())

	c.RecordRealizedPnL(decimal.NewFromInt(-40))
	assert.True(t, c.Tripped())

	f.mu.Lock()
	assert.True(t, f.frozen, "tripping must freeze reservations")
	f.mu.Unlock()

	alerts := b.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, domain.ScopePortfolio, alerts[0].Scope)

	// Everything is denied while tripped.
	assert.ErrorIs(t, c.Evaluate(check(1)), domain.ErrCircuitOpen)
}

func TestBreakerAlertPublishedExactlyOnce(t *testing.T) {
	c, b, _ := newTestController(t)

	c.Trip("first")
	c.Trip("second")
	assert.Len(t, b.alerts(), 1)
}

func TestRapidLossTripsBeforeDailyLimit(t *testing.T) {
	c, _, _ := newTestController(t)

	base := time.Now().UTC()
	c.SetClock(func() time.Time { return base })

	// 50 lost inside the window is half the daily limit: trip.
	c.RecordRealizedPnL(decimal.NewFromInt(-30))
	assert.False(t, c.Tripped())
	c.RecordRealizedPnL(decimal.NewFromInt(-20))
	assert.True(t, c.Tripped())
}

func TestSlowLossesDoNotTripRapidRule(t *testing.T) {
	c, _, _ := newTestController(t)

	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	now := base
	var mu sync.Mutex
	c.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	c.RecordRealizedPnL(decimal.NewFromInt(-30))
	mu.Lock()
	now = base.Add(20 * time.Minute)
	mu.Unlock()
	c.RecordRealizedPnL(decimal.NewFromInt(-30))

	assert.False(t, c.Tripped(),
		"losses spread beyond the rapid window must not trip below the daily limit")
}

func TestResetIsManualOnly(t *testing.T) {
	c, _, f := newTestController(t)

	c.Trip("test")
	require.True(t, c.Tripped())

	c.Reset()
	assert.False(t, c.Tripped())
	assert.NoError(t, c.Evaluate(check(10)))

	f.mu.Lock()
	assert.True(t, f.unfrozen, "reset must unfreeze reservations")
	f.mu.Unlock()
}

func TestProfitsOffsetDailyLossTotal(t *testing.T) {
	c, _, _ := newTestController(t)

	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	now := base
	var mu sync.Mutex
	c.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	c.RecordRealizedPnL(decimal.NewFromInt(-40))
	mu.Lock()
	now = base.Add(20 * time.Minute)
	mu.Unlock()
	c.RecordRealizedPnL(decimal.NewFromInt(40))
	mu.Lock()
	now = base.Add(40 * time.Minute)
	mu.Unlock()
	c.RecordRealizedPnL(decimal.NewFromInt(-40))
	mu.Lock()
	now = base.Add(60 * time.Minute)
	mu.Unlock()
	c.RecordRealizedPnL(decimal.NewFromInt(-20))

	assert.False(t, c.Tripped(), "net daily loss is 60, under the 100 limit")
	assert.True(t, c.DailyLoss().Equal(decimal.NewFromInt(60)))
}
