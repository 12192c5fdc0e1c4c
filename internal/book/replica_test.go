package book

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivetrade/swarmbot/internal/domain"
)

func lvl(price, size string) domain.PriceLevel {
	return domain.PriceLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func TestSnapshotSortsAndCleans(t *testing.T) {
	r := NewReplica("tok-1")
	r.ApplySnapshot(
		[]domain.PriceLevel{lvl("0.40", "10"), lvl("0.45", "5"), lvl("0.30", "0")},
		[]domain.PriceLevel{lvl("0.55", "7"), lvl("0.50", "3"), lvl("0.60", "-1")},
	)

	bid, ok := r.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("0.45")))

	ask, ok := r.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Price.Equal(decimal.RequireFromString("0.50")))

	bids, asks := r.Depth(10)
	assert.Len(t, bids, 2, "zero-size levels must be dropped")
	assert.Len(t, asks, 2, "negative-size levels must be dropped")
}

func TestDeltaInsertUpdateRemove(t *testing.T) {
	r := NewReplica("tok-1")
	r.ApplySnapshot(
		[]domain.PriceLevel{lvl("0.40", "10")},
		[]domain.PriceLevel{lvl("0.55", "7")},
	)

	// Insert a better bid.
	r.ApplyDelta(SideBid, decimal.RequireFromString("0.42"), decimal.RequireFromString("4"))
	bid, _ := r.BestBid()
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("0.42")))

	// Update its size in place.
	r.ApplyDelta(SideBid, decimal.RequireFromString("0.42"), decimal.RequireFromString("9"))
	bid, _ = r.BestBid()
	assert.True(t, bid.Size.Equal(decimal.RequireFromString("9")))
	bids, _ := r.Depth(10)
	assert.Len(t, bids, 2, "update must not duplicate the level")

	// Zero size removes.
	r.ApplyDelta(SideBid, decimal.RequireFromString("0.42"), decimal.Zero)
	bid, _ = r.BestBid()
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("0.40")))
}

func TestRemovingAbsentLevelIsNoOp(t *testing.T) {
	r := NewReplica("tok-1")
	r.ApplySnapshot(
		[]domain.PriceLevel{lvl("0.40", "10")},
		nil,
	)

	r.ApplyDelta(SideBid, decimal.RequireFromString("0.33"), decimal.Zero)

	bids, _ := r.Depth(10)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(decimal.RequireFromString("0.40")))
}

func TestMidRequiresBothSides(t *testing.T) {
	r := NewReplica("tok-1")

	_, ok := r.Mid()
	assert.False(t, ok)

	r.ApplySnapshot(
		[]domain.PriceLevel{lvl("0.40", "10")},
		[]domain.PriceLevel{lvl("0.50", "5")},
	)
	mid, ok := r.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.RequireFromString("0.45")))
}

func TestSnapshotReplacesPriorState(t *testing.T) {
	r := NewReplica("tok-1")
	r.ApplySnapshot(
		[]domain.PriceLevel{lvl("0.40", "10"), lvl("0.35", "20")},
		[]domain.PriceLevel{lvl("0.55", "7")},
	)
	r.ApplySnapshot(
		[]domain.PriceLevel{lvl("0.30", "1")},
		[]domain.PriceLevel{lvl("0.70", "2")},
	)

	bids, asks := r.Depth(10)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.True(t, bids[0].Price.Equal(decimal.RequireFromString("0.30")),
		"a snapshot is authoritative and discards all prior levels")
}

func TestRegistry(t *testing.T) {
	g := NewRegistry()

	_, ok := g.Get("tok-1")
	assert.False(t, ok)

	r1 := g.GetOrCreate("tok-1")
	r2 := g.GetOrCreate("tok-1")
	assert.Same(t, r1, r2)

	got, ok := g.Get("tok-1")
	require.True(t, ok)
	assert.Same(t, r1, got)

	g.Remove("tok-1")
	_, ok = g.Get("tok-1")
	assert.False(t, ok)
}
