// Package bus implements the in-process signal bus: priority-aware fan-out
// of immutable signals to registered subscribers, bounded per-kind history
// with TTL, opportunity claims, and the derived aggregates strategies
// consume.
//
// All publications flow through a single dispatcher goroutine, so
// subscribers observe publications of one kind in publication order. The
// subscriber callback contract is non-blocking: a callback that exceeds the
// soft budget is flagged for the risk controller but never unregistered, and
// LOW-priority signals are shed to overloaded subscribers (never from
// history).
package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// DefaultHistoryLimit is the per-kind ring buffer length.
const DefaultHistoryLimit = 100

// DefaultCallbackBudget is the soft per-callback time budget.
const DefaultCallbackBudget = 50 * time.Millisecond

// Callback receives a published signal. It runs on the dispatcher goroutine
// and must not block.
type Callback func(domain.Signal)

// Handle identifies a subscription for later removal.
type Handle uint64

// Options tune the bus. Zero values select defaults.
type Options struct {
	HistoryLimit   int
	CallbackBudget time.Duration
	Logger         *slog.Logger
	Clock          func() time.Time
}

type subscriber struct {
	handle     Handle
	kind       domain.SignalKind
	agentID    string
	cb         Callback
	errors     int64
	overruns   int64
	shed       int64
	overloaded bool
}

// Bus is the in-process signal bus. All exported methods are safe for
// concurrent use.
type Bus struct {
	mu         sync.Mutex
	history    map[domain.SignalKind][]domain.Signal
	subs       map[domain.SignalKind][]*subscriber
	byHandle   map[Handle]*subscriber
	nextHandle Handle

	queue   []domain.Signal
	queueCd *sync.Cond
	closed  bool
	done    chan struct{}

	claims map[string]claim

	historyLimit   int
	callbackBudget time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

type claim struct {
	agentID   string
	expiresAt time.Time
}

// New creates a bus and starts its dispatcher goroutine.
func New(opts Options) *Bus {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.CallbackBudget <= 0 {
		opts.CallbackBudget = DefaultCallbackBudget
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	b := &Bus{
		history:        make(map[domain.SignalKind][]domain.Signal),
		subs:           make(map[domain.SignalKind][]*subscriber),
		byHandle:       make(map[Handle]*subscriber),
		claims:         make(map[string]claim),
		done:           make(chan struct{}),
		historyLimit:   opts.HistoryLimit,
		callbackBudget: opts.CallbackBudget,
		logger:         opts.Logger.With(slog.String("component", "signal_bus")),
		now:            opts.Clock,
	}
	b.queueCd = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Publish validates the signal, appends it to its kind's history ring, and
// enqueues it for fan-out. It never waits for subscribers. The signal's ID
// and CreatedAt are assigned when unset.
func (b *Bus) Publish(sig domain.Signal) error {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = b.now()
	}
	if err := sig.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	h := append(b.pruneExpiredLocked(sig.Kind), sig)
	if len(h) > b.historyLimit {
		h = h[len(h)-b.historyLimit:]
	}
	b.history[sig.Kind] = h

	b.queue = append(b.queue, sig)
	b.queueCd.Signal()
	return nil
}

// Subscribe registers a callback for future publications of kind. Late
// subscribers do not see history; use Recent for that.
func (b *Bus) Subscribe(kind domain.SignalKind, agentID string, cb Callback) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHandle++
	s := &subscriber{handle: b.nextHandle, kind: kind, agentID: agentID, cb: cb}
	b.subs[kind] = append(b.subs[kind], s)
	b.byHandle[s.handle] = s
	return s.handle
}

// Unsubscribe removes a subscription. It is idempotent.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byHandle[h]
	if !ok {
		return
	}
	delete(b.byHandle, h)
	list := b.subs[s.kind]
	for i, cur := range list {
		if cur.handle == h {
			b.subs[s.kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Recent returns the unexpired history of kind no older than window, oldest
// first.
func (b *Bus) Recent(kind domain.SignalKind, window time.Duration) []domain.Signal {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Signal
	for _, sig := range b.pruneExpiredLocked(kind) {
		if sig.Age(now) <= window {
			out = append(out, sig)
		}
	}
	return out
}

// Close drains any queued deliveries and stops the dispatcher.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.queueCd.Signal()
	b.mu.Unlock()
	<-b.done
}

// SlowSubscribers returns the agent ids currently flagged as exceeding the
// callback budget, for the risk controller's signal-quality gate.
func (b *Bus) SlowSubscribers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, s := range b.byHandle {
		if s.overloaded {
			out = append(out, s.agentID)
		}
	}
	return out
}

// dispatch is the single delivery loop. Signals are delivered to subscribers
// in registration order; callback panics are isolated and counted.
func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.queueCd.Wait()
		}
		if b.closed && len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		sig := b.queue[0]
		b.queue = b.queue[1:]
		targets := make([]*subscriber, len(b.subs[sig.Kind]))
		copy(targets, b.subs[sig.Kind])
		b.mu.Unlock()

		for _, s := range targets {
			b.deliver(s, sig)
		}
	}
}

func (b *Bus) deliver(s *subscriber, sig domain.Signal) {
	b.mu.Lock()
	if s.overloaded && sig.Priority <= domain.PriorityLow {
		s.shed++
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.mu.Lock()
				s.errors++
				b.mu.Unlock()
				b.logger.Error("subscriber callback panicked",
					slog.String("agent", s.agentID),
					slog.String("kind", string(sig.Kind)),
					slog.Any("panic", r),
				)
			}
		}()
		s.cb(sig)
	}()
	elapsed := time.Since(start)

	b.mu.Lock()
	if elapsed > b.callbackBudget {
		s.overruns++
		if !s.overloaded {
			s.overloaded = true
			b.mu.Unlock()
			b.logger.Warn("subscriber over callback budget",
				slog.String("agent", s.agentID),
				slog.String("kind", string(sig.Kind)),
				slog.Duration("elapsed", elapsed),
			)
			return
		}
	} else {
		s.overloaded = false
	}
	b.mu.Unlock()
}

// pruneExpiredLocked drops expired signals from kind's history so the bus
// never stores an expired signal. Caller holds b.mu.
func (b *Bus) pruneExpiredLocked(kind domain.SignalKind) []domain.Signal {
	now := b.now()
	h := b.history[kind]
	kept := h[:0]
	for _, sig := range h {
		if !sig.Expired(now) {
			kept = append(kept, sig)
		}
	}
	b.history[kind] = kept
	return kept
}
