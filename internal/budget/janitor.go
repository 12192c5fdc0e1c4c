package budget

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// RunJanitor periodically refunds reservations that outlived their TTL.
// Expired reservations mean an agent died or hung between reserving and
// releasing; their capital is returned in full so it is not stranded.
// Blocks until ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = m.opts.ReservationTTL
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired(ctx, ttl)
		}
	}
}

// sweepExpired releases every reservation older than ttl with zero spend.
func (m *Manager) sweepExpired(ctx context.Context, ttl time.Duration) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("janitor: snapshot failed", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().UTC().Add(-ttl)
	for _, r := range snap.Reservations {
		if r.CreatedAt.After(cutoff) {
			continue
		}
		if err := m.ReleaseReservation(ctx, r.ID, decimal.Zero); err != nil {
			m.logger.Warn("janitor: release failed",
				slog.String("id", r.ID),
				slog.String("error", err.Error()))
			continue
		}
		m.logger.Warn("janitor: expired reservation refunded",
			slog.String("id", r.ID),
			slog.String("strategy", r.Strategy),
			slog.String("amount", r.Amount.String()),
			slog.Duration("age", time.Since(r.CreatedAt)))
	}
}
