// Package agent contains the autonomous trading agents and the supervisor
// that owns their lifecycle.
package agent

import (
	"context"
	"sync/atomic"
	"time"
)

// Agent is one autonomous worker. Run blocks until the context is cancelled
// or the agent fails; the supervisor restarts failed agents with backoff.
// LastBeat must advance while the agent is healthy, it is how the supervisor
// detects a hung agent without instrumenting its internals.
type Agent interface {
	ID() string
	Run(ctx context.Context) error
	LastBeat() time.Time
}

// heartbeat is an atomically updated liveness timestamp embedded by agents.
type heartbeat struct {
	last atomic.Int64 // unix nanos
}

func (h *heartbeat) beat() {
	h.last.Store(time.Now().UnixNano())
}

func (h *heartbeat) LastBeat() time.Time {
	n := h.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
