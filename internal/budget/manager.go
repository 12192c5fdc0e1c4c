// Package budget enforces capital allocation across strategies. All balance
// mutations go through the durable ledger under a single distributed lock, so
// concurrent agents can never double-spend the same dollar.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hivetrade/swarmbot/internal/domain"
)

const (
	budgetLockKey = "budget"
	budgetLockTTL = 5 * time.Second

	nonceLockTTL = 10 * time.Second
)

// Locker extends domain.LockManager with a blocking acquire used for the
// budget lock, where short contention between agents is routine.
type Locker interface {
	domain.LockManager
	AcquireWait(ctx context.Context, key string, ttl time.Duration) (func() error, error)
}

// Options tunes the Manager. Zero values fall back to conservative defaults.
type Options struct {
	ReserveFraction      float64
	Allocations          map[string]float64
	ReservationTTL       time.Duration
	CriticalRaidFraction float64
	StoreTimeout         time.Duration
}

// Manager is the single authority for capital reservations. It is fail
// closed: if the coordination store cannot be reached, every reservation is
// denied rather than risked.
type Manager struct {
	ledger   domain.Ledger
	locks    Locker
	nonceSrc domain.NonceSource
	opts     Options
	logger   *slog.Logger

	frozen atomic.Bool

	// A lost lock means another party may have seen a torn write; the first
	// one is delivered on faults so the supervisor can halt the swarm.
	faultOnce sync.Once
	faults    chan error

	// Per-wallet guard so the authoritative nonce is fetched once per run.
	nonceMu   sync.Mutex
	nonceInit map[string]bool
}

// NewManager wires a Manager over the given ledger and lock manager.
func NewManager(ledger domain.Ledger, locks Locker, nonceSrc domain.NonceSource, opts Options, logger *slog.Logger) *Manager {
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 60 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = time.Second
	}
	if opts.CriticalRaidFraction <= 0 {
		opts.CriticalRaidFraction = 0.5
	}
	return &Manager{
		ledger:    ledger,
		locks:     locks,
		nonceSrc:  nonceSrc,
		opts:      opts,
		logger:    logger.With(slog.String("component", "budget")),
		faults:    make(chan error, 1),
		nonceInit: make(map[string]bool),
	}
}

// Faults delivers the first coordination fault the manager observes. The
// channel fires at most once per run; receivers must treat it as fatal.
func (m *Manager) Faults() <-chan error { return m.faults }

// SeedIfNeeded splits the total budget across strategy allocations and the
// reserve and writes the initial balances. A ledger that is already seeded is
// left untouched.
func (m *Manager) SeedIfNeeded(ctx context.Context, total decimal.Decimal) error {
	seeded, err := m.ledger.Seeded(ctx)
	if err != nil {
		return fmt.Errorf("budget: seed check: %w", err)
	}
	if seeded {
		return nil
	}

	balances := make(map[string]decimal.Decimal, len(m.opts.Allocations)+1)
	allocated := decimal.Zero
	for strategy, frac := range m.opts.Allocations {
		amt := total.Mul(decimal.NewFromFloat(frac)).Round(6)
		balances[strategy] = amt
		allocated = allocated.Add(amt)
	}
	// Reserve absorbs rounding dust so the sum is exactly the total.
	balances[domain.ReserveStrategy] = total.Sub(allocated)

	if err := m.ledger.Seed(ctx, balances); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("budget: seed: %w", err)
	}
	m.logger.Info("ledger seeded",
		slog.String("total", total.String()),
		slog.Int("strategies", len(m.opts.Allocations)))
	return nil
}

// Freeze stops new reservations. Releases and settlements still proceed so
// in-flight trades can unwind. Used by the risk controller when the circuit
// breaker trips.
func (m *Manager) Freeze() {
	if m.frozen.CompareAndSwap(false, true) {
		m.logger.Warn("reservations frozen")
	}
}

// Unfreeze re-enables reservations after a manual circuit-breaker reset.
func (m *Manager) Unfreeze() {
	if m.frozen.CompareAndSwap(true, false) {
		m.logger.Info("reservations unfrozen")
	}
}

// Frozen reports whether new reservations are being refused.
func (m *Manager) Frozen() bool { return m.frozen.Load() }

// RequestReservation earmarks capital for a strategy. NORMAL priority spends
// only the strategy's own balance. HIGH may additionally draw from the shared
// reserve. CRITICAL may further raid other strategies' balances up to the
// configured fraction of each. The reservation records where every dollar
// came from so ReleaseReservation can return the unspent remainder to its
// sources.
func (m *Manager) RequestReservation(ctx context.Context, strategy string, amount decimal.Decimal, priority domain.ReservationPriority) (res domain.Reservation, err error) {
	if !amount.IsPositive() {
		return domain.Reservation{}, fmt.Errorf("budget: reservation amount must be positive, got %s", amount)
	}
	if m.frozen.Load() {
		m.logger.Warn("DENY:BUDGET",
			slog.String("strategy", strategy),
			slog.String("amount", amount.String()),
			slog.String("reason", "frozen"))
		return domain.Reservation{}, fmt.Errorf("budget: reservations frozen: %w", domain.ErrInsufficientBalance)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout+budgetLockTTL)
	defer cancel()

	unlock, err := m.locks.AcquireWait(ctx, budgetLockKey, budgetLockTTL)
	if err != nil {
		m.logger.Warn("DENY:BUDGET",
			slog.String("strategy", strategy),
			slog.String("amount", amount.String()),
			slog.String("reason", "store unavailable"),
			slog.String("error", err.Error()))
		return domain.Reservation{}, fmt.Errorf("budget: %w: %v", domain.ErrStoreUnavailable, err)
	}
	defer func() { err = m.releaseLock(unlock, err) }()

	own, err := m.ledger.Balance(ctx, strategy)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("budget: %w: %v", domain.ErrStoreUnavailable, err)
	}

	r := domain.Reservation{
		ID:               uuid.New().String(),
		Strategy:         strategy,
		Amount:           amount,
		Priority:         priority,
		CreatedAt:        time.Now().UTC(),
		DrawsFromReserve: decimal.Zero,
		DrawsFromOthers:  map[string]decimal.Decimal{},
	}

	fromOwn := decimal.Min(own, amount)
	shortfall := amount.Sub(fromOwn)

	if shortfall.IsPositive() && (priority == domain.ReservationHigh || priority == domain.ReservationCritical) {
		reserve, err := m.ledger.Balance(ctx, domain.ReserveStrategy)
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("budget: %w: %v", domain.ErrStoreUnavailable, err)
		}
		draw := decimal.Min(reserve, shortfall)
		if draw.IsPositive() {
			r.DrawsFromReserve = draw
			shortfall = shortfall.Sub(draw)
		}
	}

	if shortfall.IsPositive() && priority == domain.ReservationCritical {
		all, err := m.ledger.Balances(ctx)
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("budget: %w: %v", domain.ErrStoreUnavailable, err)
		}
		raidCap := decimal.NewFromFloat(m.opts.CriticalRaidFraction)
		for other, bal := range all {
			if !shortfall.IsPositive() {
				break
			}
			if other == strategy || other == domain.ReserveStrategy {
				continue
			}
			raidable := bal.Mul(raidCap)
			draw := decimal.Min(raidable, shortfall)
			if draw.IsPositive() {
				r.DrawsFromOthers[other] = draw
				shortfall = shortfall.Sub(draw)
			}
		}
	}

	if shortfall.IsPositive() {
		m.logger.Warn("DENY:BUDGET",
			slog.String("strategy", strategy),
			slog.String("amount", amount.String()),
			slog.String("available", own.String()),
			slog.String("priority", string(priority)),
			slog.String("reason", "insufficient balance"))
		return domain.Reservation{}, fmt.Errorf("budget: reserve %s for %s: %w", amount, strategy, domain.ErrInsufficientBalance)
	}

	// Debit every source, then record the reservation. The budget lock makes
	// the sequence safe against concurrent requesters.
	if err := m.ledger.SetBalance(ctx, strategy, own.Sub(fromOwn)); err != nil {
		return domain.Reservation{}, fmt.Errorf("budget: debit %s: %w", strategy, err)
	}
	if r.DrawsFromReserve.IsPositive() {
		reserve, err := m.ledger.Balance(ctx, domain.ReserveStrategy)
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("budget: %w: %v", domain.ErrStoreUnavailable, err)
		}
		if err := m.ledger.SetBalance(ctx, domain.ReserveStrategy, reserve.Sub(r.DrawsFromReserve)); err != nil {
			return domain.Reservation{}, fmt.Errorf("budget: debit reserve: %w", err)
		}
	}
	for other, draw := range r.DrawsFromOthers {
		bal, err := m.ledger.Balance(ctx, other)
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("budget: %w: %v", domain.ErrStoreUnavailable, err)
		}
		if err := m.ledger.SetBalance(ctx, other, bal.Sub(draw)); err != nil {
			return domain.Reservation{}, fmt.Errorf("budget: debit %s: %w", other, err)
		}
	}
	if err := m.ledger.PutReservation(ctx, r); err != nil {
		return domain.Reservation{}, fmt.Errorf("budget: store reservation: %w", err)
	}

	m.logger.Debug("reservation granted",
		slog.String("id", r.ID),
		slog.String("strategy", strategy),
		slog.String("amount", amount.String()),
		slog.String("priority", string(priority)))
	return r, nil
}

// ReleaseReservation returns the unspent remainder of a reservation to the
// balances it drew from, in proportion to each source's contribution.
// Releasing an unknown reservation is a no-op: the janitor may have expired
// it first.
func (m *Manager) ReleaseReservation(ctx context.Context, id string, spent decimal.Decimal) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout+budgetLockTTL)
	defer cancel()

	unlock, err := m.locks.AcquireWait(ctx, budgetLockKey, budgetLockTTL)
	if err != nil {
		return fmt.Errorf("budget: release %s: %w: %v", id, domain.ErrStoreUnavailable, err)
	}
	defer func() { err = m.releaseLock(unlock, err) }()

	r, err := m.ledger.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("budget: release %s: %w", id, err)
	}
	if err := m.refund(ctx, r, spent); err != nil {
		return err
	}
	if spent.IsPositive() {
		if err := m.ledger.CreditExecuted(ctx, r.Strategy, spent); err != nil {
			return fmt.Errorf("budget: release %s: %w", id, err)
		}
	}
	if err := m.ledger.DeleteReservation(ctx, id); err != nil {
		return fmt.Errorf("budget: release %s: %w", id, err)
	}
	m.logger.Debug("reservation released",
		slog.String("id", id),
		slog.String("spent", spent.String()),
		slog.String("unspent", r.Amount.Sub(spent).String()))
	return nil
}

// refund distributes the unspent remainder back to the reservation's
// sources. Caller holds the budget lock.
func (m *Manager) refund(ctx context.Context, r domain.Reservation, spent decimal.Decimal) error {
	unspent := r.Amount.Sub(spent)
	if !unspent.IsPositive() {
		return nil
	}

	credit := func(strategy string, amt decimal.Decimal) error {
		bal, err := m.ledger.Balance(ctx, strategy)
		if err != nil {
			return fmt.Errorf("budget: refund %s: %w", strategy, err)
		}
		return m.ledger.SetBalance(ctx, strategy, bal.Add(amt))
	}

	// Each source gets back its share of the unspent remainder; the owning
	// strategy keeps whatever is left after proportional returns, including
	// any rounding dust.
	remaining := unspent
	if r.DrawsFromReserve.IsPositive() {
		share := unspent.Mul(r.DrawsFromReserve).DivRound(r.Amount, 6)
		if err := credit(domain.ReserveStrategy, share); err != nil {
			return err
		}
		remaining = remaining.Sub(share)
	}
	for other, draw := range r.DrawsFromOthers {
		share := unspent.Mul(draw).DivRound(r.Amount, 6)
		if err := credit(other, share); err != nil {
			return err
		}
		remaining = remaining.Sub(share)
	}
	if remaining.IsPositive() {
		if err := credit(r.Strategy, remaining); err != nil {
			return err
		}
	}
	return nil
}

// Settle credits trade proceeds back to a strategy's balance and records the
// realized result in the strategy's metrics.
func (m *Manager) Settle(ctx context.Context, strategy string, proceeds, pnl decimal.Decimal) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout+budgetLockTTL)
	defer cancel()

	unlock, err := m.locks.AcquireWait(ctx, budgetLockKey, budgetLockTTL)
	if err != nil {
		return fmt.Errorf("budget: settle %s: %w: %v", strategy, domain.ErrStoreUnavailable, err)
	}
	defer func() { err = m.releaseLock(unlock, err) }()

	if proceeds.IsPositive() {
		bal, err := m.ledger.Balance(ctx, strategy)
		if err != nil {
			return fmt.Errorf("budget: settle %s: %w", strategy, err)
		}
		if err := m.ledger.SetBalance(ctx, strategy, bal.Add(proceeds)); err != nil {
			return fmt.Errorf("budget: settle %s: %w", strategy, err)
		}
	}
	if err := m.ledger.RecordTradeResult(ctx, strategy, pnl); err != nil {
		return fmt.Errorf("budget: settle %s: %w", strategy, err)
	}
	return nil
}

// NextNonce hands out the next transaction nonce for a wallet under a
// per-wallet lock. The first call per run initializes the counter from the
// authoritative chain source; later calls increment the stored value.
func (m *Manager) NextNonce(ctx context.Context, wallet string) (n uint64, err error) {
	unlock, err := m.locks.AcquireWait(ctx, "nonce:"+wallet, nonceLockTTL)
	if err != nil {
		return 0, fmt.Errorf("budget: nonce lock %s: %w", wallet, err)
	}
	defer func() { err = m.releaseLock(unlock, err) }()

	stored, err := m.ledger.GetNonce(ctx, wallet)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return m.initNonce(ctx, wallet)
	case err != nil:
		return 0, fmt.Errorf("budget: nonce %s: %w", wallet, err)
	}

	m.nonceMu.Lock()
	initialized := m.nonceInit[wallet]
	m.nonceMu.Unlock()
	if !initialized {
		// A stored nonce from a previous run may trail the chain; take the
		// max of the two once per run, then trust the counter.
		return m.initNonceFrom(ctx, wallet, stored+1)
	}

	next := stored + 1
	if err := m.ledger.SetNonce(ctx, wallet, next); err != nil {
		return 0, fmt.Errorf("budget: nonce %s: %w", wallet, err)
	}
	return next, nil
}

func (m *Manager) initNonce(ctx context.Context, wallet string) (uint64, error) {
	return m.initNonceFrom(ctx, wallet, 0)
}

func (m *Manager) initNonceFrom(ctx context.Context, wallet string, floor uint64) (uint64, error) {
	pending, err := m.nonceSrc.PendingNonce(ctx, wallet)
	if err != nil {
		return 0, fmt.Errorf("budget: pending nonce %s: %w", wallet, err)
	}
	next := pending
	if floor > next {
		next = floor
	}
	if err := m.ledger.SetNonce(ctx, wallet, next); err != nil {
		return 0, fmt.Errorf("budget: nonce %s: %w", wallet, err)
	}
	m.nonceMu.Lock()
	m.nonceInit[wallet] = true
	m.nonceMu.Unlock()
	m.logger.Info("nonce initialized",
		slog.String("wallet", wallet),
		slog.Uint64("nonce", next))
	return next, nil
}

// Snapshot captures the current state of all balances and outstanding
// reservations for operator reporting.
type Snapshot struct {
	Balances     map[string]decimal.Decimal
	Reservations []domain.Reservation
	Frozen       bool
	TakenAt      time.Time
}

// Snapshot reads a consistent view of the ledger under the budget lock.
func (m *Manager) Snapshot(ctx context.Context) (snap Snapshot, err error) {
	unlock, err := m.locks.AcquireWait(ctx, budgetLockKey, budgetLockTTL)
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget: snapshot: %w", err)
	}
	defer func() { err = m.releaseLock(unlock, err) }()

	balances, err := m.ledger.Balances(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget: snapshot: %w", err)
	}
	reservations, err := m.ledger.Reservations(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("budget: snapshot: %w", err)
	}
	return Snapshot{
		Balances:     balances,
		Reservations: reservations,
		Frozen:       m.frozen.Load(),
		TakenAt:      time.Now().UTC(),
	}, nil
}

// releaseLock runs an unlock function and folds the outcome into the
// operation's result. A lost lock means another party may have mutated
// balances mid-critical-section, so it is recorded as a coordination fault
// and surfaces to the caller even when the operation itself succeeded.
func (m *Manager) releaseLock(unlock func() error, opErr error) error {
	uerr := unlock()
	if uerr == nil {
		return opErr
	}
	if errors.Is(uerr, domain.ErrLockLost) {
		m.logger.Error("coordination fault: lock lost during critical section",
			slog.String("error", uerr.Error()))
		m.faultOnce.Do(func() { m.faults <- uerr })
		if opErr == nil {
			return fmt.Errorf("budget: %w", uerr)
		}
		return opErr
	}
	m.logger.Warn("lock release failed", slog.String("error", uerr.Error()))
	return opErr
}
