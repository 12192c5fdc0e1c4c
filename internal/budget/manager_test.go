package budget

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivetrade/swarmbot/internal/domain"
	ledgerredis "github.com/hivetrade/swarmbot/internal/ledger/redis"
	"github.com/hivetrade/swarmbot/internal/wallet"
)

func newTestManager(t *testing.T) (*Manager, domain.Ledger) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := ledgerredis.NewFromRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	ledger := ledgerredis.NewLedger(client)
	locks := ledgerredis.NewLockManager(client)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewManager(ledger, locks, wallet.StaticNonceSource{Nonce: 7}, Options{
		ReserveFraction: 0.10,
		Allocations:     map[string]float64{"arb": 0.50, "statarb": 0.40},
		ReservationTTL:  time.Minute,
		StoreTimeout:    time.Second,
	}, logger)
	return m, ledger
}

func totalCapital(t *testing.T, ledger domain.Ledger) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	balances, err := ledger.Balances(ctx)
	require.NoError(t, err)
	reservations, err := ledger.Reservations(ctx)
	require.NoError(t, err)

	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b)
	}
	for _, r := range reservations {
		total = total.Add(r.Amount)
	}
	return total
}

func TestSeedSplitsByAllocation(t *testing.T) {
	m, ledger := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	arb, err := ledger.Balance(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, arb.Equal(decimal.NewFromInt(500)), "got %s", arb)

	reserve, err := ledger.Balance(ctx, domain.ReserveStrategy)
	require.NoError(t, err)
	assert.True(t, reserve.Equal(decimal.NewFromInt(100)), "got %s", reserve)

	// Seeding twice is a no-op.
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(9999)))
	arb, err = ledger.Balance(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, arb.Equal(decimal.NewFromInt(500)))
}

func TestReserveAndReleaseConservesCapital(t *testing.T) {
	m, ledger := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	r, err := m.RequestReservation(ctx, "arb", decimal.NewFromInt(200), domain.ReservationNormal)
	require.NoError(t, err)
	assert.True(t, totalCapital(t, ledger).Equal(decimal.NewFromInt(1000)),
		"reserving must move capital, not create or destroy it")

	arb, err := ledger.Balance(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, arb.Equal(decimal.NewFromInt(300)))

	// Spend 50, the remaining 150 flows back.
	require.NoError(t, m.ReleaseReservation(ctx, r.ID, decimal.NewFromInt(50)))
	assert.True(t, totalCapital(t, ledger).Equal(decimal.NewFromInt(950)))

	arb, err = ledger.Balance(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, arb.Equal(decimal.NewFromInt(450)))

	// Releasing again is a no-op.
	require.NoError(t, m.ReleaseReservation(ctx, r.ID, decimal.NewFromInt(50)))
	assert.True(t, totalCapital(t, ledger).Equal(decimal.NewFromInt(950)))
}

func TestNormalPriorityCannotExceedOwnBalance(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	_, err := m.RequestReservation(ctx, "arb", decimal.NewFromInt(600), domain.ReservationNormal)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestHighPriorityDrawsFromReserve(t *testing.T) {
	m, ledger := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	// arb has 500, reserve has 100; 550 needs a 50 reserve draw.
	r, err := m.RequestReservation(ctx, "arb", decimal.NewFromInt(550), domain.ReservationHigh)
	require.NoError(t, err)
	assert.True(t, r.DrawsFromReserve.Equal(decimal.NewFromInt(50)))

	reserve, err := ledger.Balance(ctx, domain.ReserveStrategy)
	require.NoError(t, err)
	assert.True(t, reserve.Equal(decimal.NewFromInt(50)))

	// Nothing spent: the reserve gets its 50 back in full.
	require.NoError(t, m.ReleaseReservation(ctx, r.ID, decimal.Zero))
	reserve, err = ledger.Balance(ctx, domain.ReserveStrategy)
	require.NoError(t, err)
	assert.True(t, reserve.Equal(decimal.NewFromInt(100)))
}

func TestCriticalPriorityRaidsOthersUpToCap(t *testing.T) {
	m, ledger := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	// arb 500 + reserve 100 + half of statarb's 400 = 800 max.
	r, err := m.RequestReservation(ctx, "arb", decimal.NewFromInt(750), domain.ReservationCritical)
	require.NoError(t, err)
	assert.True(t, r.DrawsFromOthers["statarb"].Equal(decimal.NewFromInt(150)))
	assert.True(t, totalCapital(t, ledger).Equal(decimal.NewFromInt(1000)))

	// Beyond the raid cap the request is denied.
	_, err = m.RequestReservation(ctx, "arb", decimal.NewFromInt(200), domain.ReservationCritical)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestFrozenManagerDeniesReservations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	m.Freeze()
	_, err := m.RequestReservation(ctx, "arb", decimal.NewFromInt(10), domain.ReservationNormal)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Releases still work while frozen.
	m.Unfreeze()
	r, err := m.RequestReservation(ctx, "arb", decimal.NewFromInt(10), domain.ReservationNormal)
	require.NoError(t, err)
	m.Freeze()
	assert.NoError(t, m.ReleaseReservation(ctx, r.ID, decimal.Zero))
}

func TestNextNonceMonotonic(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// First call initializes from the authoritative source.
	n, err := m.NextNonce(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	// Subsequent calls increment.
	n2, err := m.NextNonce(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n2)

	n3, err := m.NextNonce(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n3)
}

func TestNextNonceRecoversFromStaleCounter(t *testing.T) {
	m, ledger := newTestManager(t)
	ctx := context.Background()

	// A previous run left a counter behind the chain's pending nonce of 7.
	require.NoError(t, ledger.SetNonce(ctx, "0xabc", 3))

	n, err := m.NextNonce(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n, "the chain's pending nonce wins over a stale counter")
}

func TestJanitorRefundsExpiredReservations(t *testing.T) {
	m, ledger := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	_, err := m.RequestReservation(ctx, "arb", decimal.NewFromInt(100), domain.ReservationNormal)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	m.sweepExpired(ctx, 5*time.Millisecond)

	reservations, err := ledger.Reservations(ctx)
	require.NoError(t, err)
	assert.Empty(t, reservations)

	arb, err := ledger.Balance(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, arb.Equal(decimal.NewFromInt(500)), "expired capital must be refunded in full")
}

// lostLock hands out locks whose release reports the lock as lost, as if
// the TTL had expired mid-critical-section.
type lostLock struct{}

func (lostLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	return func() error { return domain.ErrLockLost }, nil
}

func (lostLock) AcquireWait(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	return func() error { return domain.ErrLockLost }, nil
}

func TestLostLockSurfacesAsCoordinationFault(t *testing.T) {
	mr := miniredis.RunT(t)
	client := ledgerredis.NewFromRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := NewManager(ledgerredis.NewLedger(client), lostLock{}, wallet.StaticNonceSource{Nonce: 7}, Options{
		Allocations:  map[string]float64{"arb": 0.90},
		StoreTimeout: time.Second,
	}, logger)
	ctx := context.Background()
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	// The reservation itself succeeds, but the lock was lost before release:
	// the caller must see the fault, not a silent success.
	_, err := m.RequestReservation(ctx, "arb", decimal.NewFromInt(10), domain.ReservationNormal)
	assert.ErrorIs(t, err, domain.ErrLockLost)

	select {
	case ferr := <-m.Faults():
		assert.ErrorIs(t, ferr, domain.ErrLockLost)
	default:
		t.Fatal("a lost lock must be reported on the fault channel")
	}

	// Only the first fault is delivered; later ones still fail the call.
	err = m.Settle(ctx, "arb", decimal.NewFromInt(5), decimal.NewFromInt(5))
	assert.ErrorIs(t, err, domain.ErrLockLost)
	select {
	case <-m.Faults():
		t.Fatal("the fault channel must fire at most once")
	default:
	}
}

func TestConcurrentReservationsConserveCapital(t *testing.T) {
	m, ledger := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	const workers = 4
	const cycles = 15
	strategies := []string{"arb", "statarb"}

	// A sampler reads consistent snapshots while workers churn; every one
	// must account for every dollar.
	var torn sync.Map
	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			snap, err := m.Snapshot(ctx)
			if err != nil {
				continue
			}
			total := decimal.Zero
			for _, b := range snap.Balances {
				total = total.Add(b)
			}
			for _, r := range snap.Reservations {
				total = total.Add(r.Amount)
			}
			if !total.Equal(decimal.NewFromInt(1000)) {
				torn.Store(i, total.String())
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < cycles; i++ {
				strategy := strategies[rng.Intn(len(strategies))]
				amount := decimal.NewFromInt(int64(1 + rng.Intn(40)))
				r, err := m.RequestReservation(ctx, strategy, amount, domain.ReservationNormal)
				if err != nil {
					continue // denial under contention loses no capital
				}
				if rng.Intn(2) == 0 {
					time.Sleep(time.Duration(rng.Intn(3)) * time.Millisecond)
				}
				_ = m.ReleaseReservation(ctx, r.ID, decimal.Zero)
			}
		}(int64(w))
	}
	wg.Wait()
	close(stop)
	sampler.Wait()

	torn.Range(func(k, v any) bool {
		t.Errorf("snapshot %v saw total %v, want 1000", k, v)
		return true
	})
	assert.True(t, totalCapital(t, ledger).Equal(decimal.NewFromInt(1000)),
		"nothing was spent, so every dollar must be back in a balance")
}

func TestNextNonceUniqueUnderConcurrentCallers(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const workers = 4
	const perWorker = 10

	var mu sync.Mutex
	var got []uint64
	var errs []error
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n, err := m.NextNonce(ctx, "0xabc")
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else {
					got = append(got, n)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, got, workers*perWorker)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i], "a nonce handed out twice means a double-spent transaction slot")
	}
	assert.Equal(t, uint64(7), got[0], "the first nonce comes from the authoritative source")
	assert.Equal(t, uint64(7+workers*perWorker-1), got[len(got)-1], "no slots may be skipped")
}

func TestSettleRecordsMetrics(t *testing.T) {
	m, ledger := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.SeedIfNeeded(ctx, decimal.NewFromInt(1000)))

	require.NoError(t, m.Settle(ctx, "arb", decimal.NewFromInt(105), decimal.NewFromInt(5)))
	require.NoError(t, m.Settle(ctx, "arb", decimal.Zero, decimal.NewFromInt(-3)))

	arb, err := ledger.Balance(ctx, "arb")
	require.NoError(t, err)
	assert.True(t, arb.Equal(decimal.NewFromInt(605)))

	metrics, err := ledger.Metrics(ctx, "arb")
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.Trades)
	assert.Equal(t, int64(1), metrics.Wins)
	assert.Equal(t, int64(1), metrics.Losses)
}
