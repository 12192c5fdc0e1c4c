package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's unique
// token, so one holder can never release another holder's lock. Returning 0
// means the lock was already gone or re-acquired by someone else.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager using Redis SETNX with a TTL and
// a Lua-based conditional unlock.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire attempts to obtain a distributed lock for the given key with the
// specified TTL. On success it returns an unlock function that must be
// called to release the lock. Unlock is safe to call multiple times; it
// returns domain.ErrLockLost when the lock expired or changed hands before
// release, which the caller must treat as a coordination fault.
//
// It returns domain.ErrLockHeld if the lock is already held by another
// party.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() error {
		if released {
			return nil
		}
		released = true

		// Use a background context so unlock succeeds even if the caller's
		// context is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		n, err := lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Int()
		if err != nil {
			return fmt.Errorf("redis: release lock %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockLost)
		}
		return nil
	}

	return unlock, nil
}

// AcquireWait retries Acquire with a short poll until the lock is obtained
// or the context expires. Used for the budget lock where contention is
// expected and brief.
func (lm *LockManager) AcquireWait(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	for {
		unlock, err := lm.Acquire(ctx, key, ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: wait for lock %s: %w", key, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
