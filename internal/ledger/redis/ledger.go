package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// Key layout. Balances are string-encoded decimals so no float ever touches
// stored capital; reservations and metrics are hashes.
const (
	balancePrefix     = "balance:"
	reservationPrefix = "reservation:"
	noncePrefix       = "nonce:"
	metricPrefix      = "metric:"
	executedPrefix    = "executed:"
	reservationIndex  = "reservations"
	seededKey         = "ledger:seeded"
)

// Ledger implements domain.Ledger on Redis. Multi-key consistency is the
// caller's job (budget lock); each method is individually atomic.
type Ledger struct {
	rdb *redis.Client
}

// NewLedger creates a Ledger backed by the given Client.
func NewLedger(c *Client) *Ledger {
	return &Ledger{rdb: c.Underlying()}
}

func balanceKey(strategy string) string { return balancePrefix + strategy }
func nonceKey(wallet string) string     { return noncePrefix + strings.ToLower(wallet) }

// Balance returns the unreserved capital of a strategy. A missing key reads
// as zero: an unknown strategy simply has nothing to spend.
func (l *Ledger) Balance(ctx context.Context, strategy string) (decimal.Decimal, error) {
	v, err := l.rdb.Get(ctx, balanceKey(strategy)).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: balance %s: %w", strategy, err)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: balance %s: decode %q: %w", strategy, v, err)
	}
	return d, nil
}

// SetBalance writes a strategy balance.
func (l *Ledger) SetBalance(ctx context.Context, strategy string, amount decimal.Decimal) error {
	if err := l.rdb.Set(ctx, balanceKey(strategy), amount.String(), 0).Err(); err != nil {
		return fmt.Errorf("redis: set balance %s: %w", strategy, err)
	}
	return nil
}

// Balances returns every strategy balance, keyed by strategy name.
func (l *Ledger) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	keys, err := l.rdb.Keys(ctx, balancePrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list balances: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(keys))
	for _, k := range keys {
		strategy := strings.TrimPrefix(k, balancePrefix)
		d, err := l.Balance(ctx, strategy)
		if err != nil {
			return nil, err
		}
		out[strategy] = d
	}
	return out, nil
}

// PutReservation stores a reservation hash and indexes its id.
func (l *Ledger) PutReservation(ctx context.Context, r domain.Reservation) error {
	others := "{}"
	if len(r.DrawsFromOthers) > 0 {
		m := make(map[string]string, len(r.DrawsFromOthers))
		for k, v := range r.DrawsFromOthers {
			m[k] = v.String()
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("redis: encode reservation %s: %w", r.ID, err)
		}
		others = string(raw)
	}

	fields := map[string]any{
		"strategy":           r.Strategy,
		"amount":             r.Amount.String(),
		"created_at":         r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"priority":           string(r.Priority),
		"draws_from_reserve": r.DrawsFromReserve.String(),
		"draws_from_others":  others,
	}

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, reservationPrefix+r.ID, fields)
	pipe.SAdd(ctx, reservationIndex, r.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put reservation %s: %w", r.ID, err)
	}
	return nil
}

// GetReservation loads one reservation by id.
func (l *Ledger) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	fields, err := l.rdb.HGetAll(ctx, reservationPrefix+id).Result()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("redis: get reservation %s: %w", id, err)
	}
	if len(fields) == 0 {
		return domain.Reservation{}, fmt.Errorf("redis: reservation %s: %w", id, domain.ErrNotFound)
	}
	return decodeReservation(id, fields)
}

// DeleteReservation removes a reservation and its index entry. Deleting an
// absent reservation is a no-op.
func (l *Ledger) DeleteReservation(ctx context.Context, id string) error {
	pipe := l.rdb.TxPipeline()
	pipe.Del(ctx, reservationPrefix+id)
	pipe.SRem(ctx, reservationIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete reservation %s: %w", id, err)
	}
	return nil
}

// Reservations returns all outstanding reservations.
func (l *Ledger) Reservations(ctx context.Context) ([]domain.Reservation, error) {
	ids, err := l.rdb.SMembers(ctx, reservationIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list reservations: %w", err)
	}
	out := make([]domain.Reservation, 0, len(ids))
	for _, id := range ids {
		fields, err := l.rdb.HGetAll(ctx, reservationPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: get reservation %s: %w", id, err)
		}
		if len(fields) == 0 {
			// Index entry outlived its hash; clean up quietly.
			_ = l.rdb.SRem(ctx, reservationIndex, id).Err()
			continue
		}
		r, err := decodeReservation(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func decodeReservation(id string, fields map[string]string) (domain.Reservation, error) {
	amount, err := decimal.NewFromString(fields["amount"])
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("redis: reservation %s: bad amount %q: %w", id, fields["amount"], err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("redis: reservation %s: bad created_at %q: %w", id, fields["created_at"], err)
	}
	reserve := decimal.Zero
	if v := fields["draws_from_reserve"]; v != "" {
		if reserve, err = decimal.NewFromString(v); err != nil {
			return domain.Reservation{}, fmt.Errorf("redis: reservation %s: bad draws_from_reserve: %w", id, err)
		}
	}
	others := map[string]decimal.Decimal{}
	if raw := fields["draws_from_others"]; raw != "" && raw != "{}" {
		var m map[string]string
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return domain.Reservation{}, fmt.Errorf("redis: reservation %s: bad draws_from_others: %w", id, err)
		}
		for k, v := range m {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return domain.Reservation{}, fmt.Errorf("redis: reservation %s: bad draw %s: %w", id, k, err)
			}
			others[k] = d
		}
	}
	return domain.Reservation{
		ID:               id,
		Strategy:         fields["strategy"],
		Amount:           amount,
		Priority:         domain.ReservationPriority(fields["priority"]),
		CreatedAt:        createdAt,
		DrawsFromReserve: reserve,
		DrawsFromOthers:  others,
	}, nil
}

// Executed returns the cumulative capital a strategy has spent. A missing
// key reads as zero.
func (l *Ledger) Executed(ctx context.Context, strategy string) (decimal.Decimal, error) {
	v, err := l.rdb.Get(ctx, executedPrefix+strategy).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: executed %s: %w", strategy, err)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: executed %s: decode %q: %w", strategy, v, err)
	}
	return d, nil
}

// CreditExecuted adds spent capital to the strategy's executed counter. The
// counter stays a string decimal, so the read-modify-write depends on the
// caller holding the budget lock.
func (l *Ledger) CreditExecuted(ctx context.Context, strategy string, amount decimal.Decimal) error {
	cur, err := l.Executed(ctx, strategy)
	if err != nil {
		return err
	}
	next := cur.Add(amount)
	if err := l.rdb.Set(ctx, executedPrefix+strategy, next.String(), 0).Err(); err != nil {
		return fmt.Errorf("redis: credit executed %s: %w", strategy, err)
	}
	return nil
}

// GetNonce returns the last issued nonce for a wallet, or ErrNotFound before
// first initialization.
func (l *Ledger) GetNonce(ctx context.Context, wallet string) (uint64, error) {
	v, err := l.rdb.Get(ctx, nonceKey(wallet)).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("redis: nonce %s: %w", wallet, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("redis: nonce %s: %w", wallet, err)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: nonce %s: decode %q: %w", wallet, v, err)
	}
	return n, nil
}

// SetNonce writes the last issued nonce for a wallet.
func (l *Ledger) SetNonce(ctx context.Context, wallet string, nonce uint64) error {
	if err := l.rdb.Set(ctx, nonceKey(wallet), strconv.FormatUint(nonce, 10), 0).Err(); err != nil {
		return fmt.Errorf("redis: set nonce %s: %w", wallet, err)
	}
	return nil
}

// RecordTradeResult updates a strategy's metric hash with one completed
// trade. Wins and losses split on the sign of pnl.
func (l *Ledger) RecordTradeResult(ctx context.Context, strategy string, pnl decimal.Decimal) error {
	key := metricPrefix + strategy
	pipe := l.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "trades", 1)
	if pnl.IsPositive() {
		pipe.HIncrBy(ctx, key, "wins", 1)
	} else if pnl.IsNegative() {
		pipe.HIncrBy(ctx, key, "losses", 1)
	}
	pipe.HIncrByFloat(ctx, key, "realized_pnl", pnl.InexactFloat64())
	pipe.HSet(ctx, key, "updated_at", time.Now().UTC().Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record trade %s: %w", strategy, err)
	}
	return nil
}

// Metrics reads a strategy's metric hash. Missing hashes read as zeroes.
func (l *Ledger) Metrics(ctx context.Context, strategy string) (domain.StrategyMetrics, error) {
	fields, err := l.rdb.HGetAll(ctx, metricPrefix+strategy).Result()
	if err != nil {
		return domain.StrategyMetrics{}, fmt.Errorf("redis: metrics %s: %w", strategy, err)
	}
	var m domain.StrategyMetrics
	m.Trades, _ = strconv.ParseInt(fields["trades"], 10, 64)
	m.Wins, _ = strconv.ParseInt(fields["wins"], 10, 64)
	m.Losses, _ = strconv.ParseInt(fields["losses"], 10, 64)
	if v := fields["realized_pnl"]; v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			m.RealizedPnL = d
		}
	}
	if v := fields["updated_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			m.UpdatedAt = t
		}
	}
	return m, nil
}

// Seeded reports whether the initial balance layout has been written.
func (l *Ledger) Seeded(ctx context.Context) (bool, error) {
	n, err := l.rdb.Exists(ctx, seededKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis: seeded: %w", err)
	}
	return n > 0, nil
}

// Seed atomically writes the initial balances and marks the ledger seeded.
// It fails with ErrAlreadyExists when balances were seeded before: --budget
// on an existing ledger requires --reset.
func (l *Ledger) Seed(ctx context.Context, balances map[string]decimal.Decimal) error {
	ok, err := l.rdb.SetNX(ctx, seededKey, time.Now().UTC().Format(time.RFC3339), 0).Result()
	if err != nil {
		return fmt.Errorf("redis: seed: %w", err)
	}
	if !ok {
		return fmt.Errorf("redis: seed: %w", domain.ErrAlreadyExists)
	}
	pipe := l.rdb.TxPipeline()
	for strategy, amount := range balances {
		pipe.Set(ctx, balanceKey(strategy), amount.String(), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: seed balances: %w", err)
	}
	return nil
}

// Reset clears the seeded marker and all balances, reservations, nonces and
// metrics. Operator use only.
func (l *Ledger) Reset(ctx context.Context) error {
	for _, pattern := range []string{balancePrefix + "*", reservationPrefix + "*", noncePrefix + "*", metricPrefix + "*", executedPrefix + "*"} {
		keys, err := l.rdb.Keys(ctx, pattern).Result()
		if err != nil {
			return fmt.Errorf("redis: reset scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis: reset delete: %w", err)
			}
		}
	}
	if err := l.rdb.Del(ctx, reservationIndex, seededKey).Err(); err != nil {
		return fmt.Errorf("redis: reset: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Ledger = (*Ledger)(nil)
