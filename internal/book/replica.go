// Package book maintains local order-book replicas for subscribed assets.
//
// A Replica mirrors the aggregated liquidity of one asset: bids sorted by
// price descending, asks ascending. It is updated only from snapshot and
// delta events delivered by the market-data stream, and read by strategies
// needing best prices and depth. All arithmetic is decimal; float64 never
// enters profitability calculations.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// BookSide identifies which side of the book a delta applies to.
type BookSide string

const (
	SideBid BookSide = "bid"
	SideAsk BookSide = "ask"
)

// Replica is a concurrency-safe mirror of one asset's order book.
type Replica struct {
	mu      sync.RWMutex
	assetID string
	bids    []domain.PriceLevel // sorted by price descending
	asks    []domain.PriceLevel // sorted by price ascending
	updated time.Time
}

// NewReplica creates an empty replica for the given asset.
func NewReplica(assetID string) *Replica {
	return &Replica{assetID: assetID}
}

// AssetID returns the asset this replica mirrors.
func (r *Replica) AssetID() string {
	return r.assetID
}

// ApplySnapshot atomically replaces both sides from a full view. Levels with
// non-positive size are dropped; the input is re-sorted so the snapshot is
// authoritative regardless of source ordering.
func (r *Replica) ApplySnapshot(bids, asks []domain.PriceLevel) {
	nb := cleanLevels(bids)
	na := cleanLevels(asks)
	sort.Slice(nb, func(i, j int) bool { return nb[i].Price.GreaterThan(nb[j].Price) })
	sort.Slice(na, func(i, j int) bool { return na[i].Price.LessThan(na[j].Price) })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bids = nb
	r.asks = na
	r.updated = time.Now().UTC()
}

// ApplyDelta inserts, updates, or (when size is zero or negative) removes a
// single price level. Removing an absent level is a no-op.
func (r *Replica) ApplyDelta(side BookSide, price, size decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = time.Now().UTC()

	switch side {
	case SideBid:
		r.bids = applyLevel(r.bids, price, size, true)
	case SideAsk:
		r.asks = applyLevel(r.asks, price, size, false)
	}
}

// applyLevel updates one sorted side. desc selects bid ordering.
func applyLevel(levels []domain.PriceLevel, price, size decimal.Decimal, desc bool) []domain.PriceLevel {
	i := sort.Search(len(levels), func(i int) bool {
		if desc {
			return !levels[i].Price.GreaterThan(price) // first index with price <= target
		}
		return !levels[i].Price.LessThan(price) // first index with price >= target
	})

	found := i < len(levels) && levels[i].Price.Equal(price)

	if !size.IsPositive() {
		if found {
			return append(levels[:i], levels[i+1:]...)
		}
		return levels
	}

	if found {
		levels[i].Size = size
		return levels
	}

	levels = append(levels, domain.PriceLevel{})
	copy(levels[i+1:], levels[i:])
	levels[i] = domain.PriceLevel{Price: price, Size: size}
	return levels
}

// BestBid returns the top bid level. ok is false when the side is empty.
func (r *Replica) BestBid() (domain.PriceLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.bids) == 0 {
		return domain.PriceLevel{}, false
	}
	return r.bids[0], true
}

// BestAsk returns the top ask level. ok is false when the side is empty.
func (r *Replica) BestAsk() (domain.PriceLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.asks) == 0 {
		return domain.PriceLevel{}, false
	}
	return r.asks[0], true
}

// Mid returns the midpoint of best bid and ask. ok is false when either side
// is empty.
func (r *Replica) Mid() (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.bids) == 0 || len(r.asks) == 0 {
		return decimal.Zero, false
	}
	return r.bids[0].Price.Add(r.asks[0].Price).Div(decimal.NewFromInt(2)), true
}

// Depth returns up to n levels per side for diagnostics. The returned slices
// are copies.
func (r *Replica) Depth(n int) (bids, asks []domain.PriceLevel) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyLevels(r.bids, n), copyLevels(r.asks, n)
}

// LastUpdated returns the time of the most recent snapshot or delta.
func (r *Replica) LastUpdated() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated
}

func cleanLevels(in []domain.PriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		if l.Size.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

func copyLevels(levels []domain.PriceLevel, n int) []domain.PriceLevel {
	if n > len(levels) {
		n = len(levels)
	}
	out := make([]domain.PriceLevel, n)
	copy(out, levels[:n])
	return out
}
