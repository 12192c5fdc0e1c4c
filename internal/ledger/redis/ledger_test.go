package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivetrade/swarmbot/internal/domain"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewFromRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })
	return NewLedger(client), mr
}

func TestBalanceRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// Unknown strategy reads as zero.
	bal, err := l.Balance(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	amount := decimal.RequireFromString("123.456789")
	require.NoError(t, l.SetBalance(ctx, "arb", amount))

	bal, err = l.Balance(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amount), "decimal balances must survive storage exactly")
}

func TestBalancesListsAllStrategies(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.SetBalance(ctx, "arb", decimal.NewFromInt(10)))
	require.NoError(t, l.SetBalance(ctx, "statarb", decimal.NewFromInt(20)))

	all, err := l.Balances(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all["arb"].Equal(decimal.NewFromInt(10)))
	assert.True(t, all["statarb"].Equal(decimal.NewFromInt(20)))
}

func TestExecutedCounterAccumulatesExactly(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	got, err := l.Executed(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	require.NoError(t, l.CreditExecuted(ctx, "arb", decimal.RequireFromString("48.5")))
	require.NoError(t, l.CreditExecuted(ctx, "arb", decimal.RequireFromString("0.000001")))

	got, err = l.Executed(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("48.500001")))
}

func TestReservationRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	r := domain.Reservation{
		ID:               "res-1",
		Strategy:         "arb",
		Amount:           decimal.RequireFromString("42.5"),
		Priority:         domain.ReservationHigh,
		CreatedAt:        time.Now().UTC().Truncate(time.Millisecond),
		DrawsFromReserve: decimal.NewFromInt(5),
		DrawsFromOthers: map[string]decimal.Decimal{
			"statarb": decimal.RequireFromString("2.5"),
		},
	}
	require.NoError(t, l.PutReservation(ctx, r))

	got, err := l.GetReservation(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, r.Strategy, got.Strategy)
	assert.True(t, got.Amount.Equal(r.Amount))
	assert.Equal(t, r.Priority, got.Priority)
	assert.True(t, got.CreatedAt.Equal(r.CreatedAt))
	assert.True(t, got.DrawsFromReserve.Equal(r.DrawsFromReserve))
	require.Len(t, got.DrawsFromOthers, 1)
	assert.True(t, got.DrawsFromOthers["statarb"].Equal(decimal.RequireFromString("2.5")))

	all, err := l.Reservations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, l.DeleteReservation(ctx, "res-1"))
	_, err = l.GetReservation(ctx, "res-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, l.DeleteReservation(ctx, "res-1"))
}

func TestNonceLifecycle(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GetNonce(ctx, "0xAbC")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, l.SetNonce(ctx, "0xAbC", 41))

	// Wallet addresses are case-normalized.
	n, err := l.GetNonce(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(41), n)
}

func TestSeedIsOneShot(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	seeded, err := l.Seeded(ctx)
	require.NoError(t, err)
	assert.False(t, seeded)

	require.NoError(t, l.Seed(ctx, map[string]decimal.Decimal{
		"arb": decimal.NewFromInt(100),
	}))

	seeded, err = l.Seeded(ctx)
	require.NoError(t, err)
	assert.True(t, seeded)

	err = l.Seed(ctx, map[string]decimal.Decimal{"arb": decimal.NewFromInt(999)})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	bal, err := l.Balance(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "a second seed must not overwrite balances")
}

func TestResetClearsEverything(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Seed(ctx, map[string]decimal.Decimal{"arb": decimal.NewFromInt(100)}))
	require.NoError(t, l.SetNonce(ctx, "0xabc", 5))
	require.NoError(t, l.PutReservation(ctx, domain.Reservation{
		ID: "res-1", Strategy: "arb", Amount: decimal.NewFromInt(1),
		Priority: domain.ReservationNormal, CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, l.Reset(ctx))

	seeded, err := l.Seeded(ctx)
	require.NoError(t, err)
	assert.False(t, seeded)

	all, err := l.Reservations(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = l.GetNonce(ctx, "0xabc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordTradeResultSplitsWinsAndLosses(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RecordTradeResult(ctx, "arb", decimal.NewFromInt(5)))
	require.NoError(t, l.RecordTradeResult(ctx, "arb", decimal.NewFromInt(-2)))
	require.NoError(t, l.RecordTradeResult(ctx, "arb", decimal.Zero))

	m, err := l.Metrics(ctx, "arb")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Trades)
	assert.Equal(t, int64(1), m.Wins)
	assert.Equal(t, int64(1), m.Losses)
	assert.True(t, m.RealizedPnL.Equal(decimal.NewFromInt(3)), "got %s", m.RealizedPnL)
}
