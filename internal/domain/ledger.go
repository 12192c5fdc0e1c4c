package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReservationPriority controls which capital pools a reservation may draw
// from beyond its own strategy balance.
type ReservationPriority string

const (
	ReservationNormal   ReservationPriority = "normal"
	ReservationHigh     ReservationPriority = "high"
	ReservationCritical ReservationPriority = "critical"
)

// ReserveStrategy is the ledger balance key for the shared reserve buffer.
const ReserveStrategy = "reserve"

// Reservation is an earmarked amount of a strategy's capital, tracked until
// release. DrawsFromReserve and DrawsFromOthers record where the amount came
// from so the unspent remainder flows back proportionally.
type Reservation struct {
	ID               string
	Strategy         string
	Amount           decimal.Decimal
	Priority         ReservationPriority
	CreatedAt        time.Time
	DrawsFromReserve decimal.Decimal
	DrawsFromOthers  map[string]decimal.Decimal
}

// LockManager provides named distributed locks with TTL. Acquire returns an
// unlock function that must be called to release the lock; it is safe to
// call more than once. Unlock returns ErrLockLost when the lock had already
// expired or changed hands, which callers must treat as a coordination
// fault.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func() error, err error)
}

// Ledger is the durable capital record in the coordination store. All
// multi-key mutations must happen while the caller holds the budget lock;
// the ledger itself only guarantees per-operation atomicity.
type Ledger interface {
	// Balances.
	Balance(ctx context.Context, strategy string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, strategy string, amount decimal.Decimal) error
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)

	// Reservations.
	PutReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	DeleteReservation(ctx context.Context, id string) error
	Reservations(ctx context.Context) ([]Reservation, error)

	// Nonces. GetNonce returns ErrNotFound before first initialization.
	GetNonce(ctx context.Context, wallet string) (uint64, error)
	SetNonce(ctx context.Context, wallet string, nonce uint64) error

	// Metrics.
	RecordTradeResult(ctx context.Context, strategy string, pnl decimal.Decimal) error
	Metrics(ctx context.Context, strategy string) (StrategyMetrics, error)

	// Executed tracks the capital a strategy has actually spent. The
	// read-modify-write in CreditExecuted relies on the budget lock.
	Executed(ctx context.Context, strategy string) (decimal.Decimal, error)
	CreditExecuted(ctx context.Context, strategy string, amount decimal.Decimal) error

	// Seeded reports whether balances have been initialized.
	Seeded(ctx context.Context) (bool, error)
	// Seed writes the initial balance layout. Fails if already seeded.
	Seed(ctx context.Context, balances map[string]decimal.Decimal) error
}

// NonceSource provides the authoritative starting nonce for a wallet,
// typically the chain's pending transaction count.
type NonceSource interface {
	PendingNonce(ctx context.Context, wallet string) (uint64, error)
}

// JournalEntry is one executed (or hedged) leg recorded for later analysis.
type JournalEntry struct {
	Agent       string
	Opportunity string
	TokenID     string
	Side        OrderSide
	Price       decimal.Decimal
	Size        decimal.Decimal
	RealizedPnL decimal.Decimal
	Hedge       bool
	ExecutedAt  time.Time
}

// TradeJournal persists executed legs. Implementations must never block the
// trading path: errors are reported, not propagated into execution.
type TradeJournal interface {
	Record(ctx context.Context, e JournalEntry) error
	Close()
}
