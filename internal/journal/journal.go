// Package journal persists executed trade legs to Postgres for offline
// analysis. The journal is optional and strictly off the trading path:
// writes happen on a background goroutine and failures are logged, never
// propagated into execution.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hivetrade/swarmbot/internal/domain"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS trade_journal (
	id           BIGSERIAL PRIMARY KEY,
	agent        TEXT NOT NULL,
	opportunity  TEXT NOT NULL,
	token_id     TEXT NOT NULL,
	side         TEXT NOT NULL,
	price        NUMERIC NOT NULL,
	size         NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	hedge        BOOLEAN NOT NULL DEFAULT FALSE,
	executed_at  TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
INSERT INTO trade_journal
	(agent, opportunity, token_id, side, price, size, realized_pnl, hedge, executed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Postgres writes journal entries through a buffered channel and a single
// writer goroutine. A full buffer drops the entry with a warning.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	entries chan domain.JournalEntry
	once    sync.Once
	done    chan struct{}
}

// Open connects to Postgres, creates the journal table if needed, and starts
// the writer goroutine.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: create table: %w", err)
	}

	j := &Postgres{
		pool:    pool,
		logger:  logger.With(slog.String("component", "journal")),
		entries: make(chan domain.JournalEntry, 256),
		done:    make(chan struct{}),
	}
	go j.writer()
	return j, nil
}

// Record enqueues one entry. It never blocks: when the buffer is full the
// entry is dropped and counted against the journal, not the trade.
func (j *Postgres) Record(ctx context.Context, e domain.JournalEntry) error {
	select {
	case j.entries <- e:
		return nil
	default:
		j.logger.Warn("journal buffer full, entry dropped",
			slog.String("agent", e.Agent),
			slog.String("token", e.TokenID))
		return nil
	}
}

// Close drains pending entries and releases the pool.
func (j *Postgres) Close() {
	j.once.Do(func() {
		close(j.entries)
		<-j.done
		j.pool.Close()
	})
}

func (j *Postgres) writer() {
	defer close(j.done)
	for e := range j.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := j.pool.Exec(ctx, insertSQL,
			e.Agent, e.Opportunity, e.TokenID, string(e.Side),
			e.Price, e.Size, e.RealizedPnL, e.Hedge, e.ExecutedAt)
		cancel()
		if err != nil {
			j.logger.Warn("journal write failed", slog.String("error", err.Error()))
		}
	}
}

// Nop is a no-op journal used when no DSN is configured.
type Nop struct{}

// Record discards the entry.
func (Nop) Record(ctx context.Context, e domain.JournalEntry) error { return nil }

// Close does nothing.
func (Nop) Close() {}

// Compile-time interface checks.
var (
	_ domain.TradeJournal = (*Postgres)(nil)
	_ domain.TradeJournal = Nop{}
)
