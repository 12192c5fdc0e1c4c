package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivetrade/swarmbot/internal/domain"
)

type scriptedAgent struct {
	heartbeat
	id   string
	runs atomic.Int32
	run  func(ctx context.Context, n int32) error
}

func (s *scriptedAgent) ID() string { return s.id }

func (s *scriptedAgent) Run(ctx context.Context) error {
	s.beat()
	return s.run(ctx, s.runs.Add(1))
}

type captureBus struct {
	mu      sync.Mutex
	signals []domain.Signal
}

func (c *captureBus) Publish(sig domain.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
	return nil
}

func fastOptions() SupervisorOptions {
	return SupervisorOptions{
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatMisses:   3,
		RestartBase:       time.Millisecond,
		RestartMax:        4 * time.Millisecond,
		MaxRestarts:       2,
		RestartWindow:     time.Minute,
		ShutdownGrace:     100 * time.Millisecond,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCrashingAgentIsRestartedThenQuarantined(t *testing.T) {
	a := &scriptedAgent{id: "flaky", run: func(ctx context.Context, n int32) error {
		return errors.New("boom")
	}}
	b := &captureBus{}
	s := NewSupervisor(fastOptions(), b, []Agent{a}, discard())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)

	require.ErrorIs(t, err, ErrQuarantined)
	// Initial run plus MaxRestarts restarts before quarantine.
	assert.Equal(t, int32(3), a.runs.Load())

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.signals, 1)
	alert := b.signals[0].Payload.(domain.RiskAlert)
	assert.Equal(t, domain.SeverityCritical, alert.Severity)
	assert.Equal(t, domain.ScopeAgent, alert.Scope)
}

func TestPanickingAgentIsCaught(t *testing.T) {
	a := &scriptedAgent{id: "panicky", run: func(ctx context.Context, n int32) error {
		panic("unexpected state")
	}}
	s := NewSupervisor(fastOptions(), &captureBus{}, []Agent{a}, discard())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)

	assert.ErrorIs(t, err, ErrQuarantined,
		"panics count as crashes and eventually quarantine")
}

func TestHealthyAgentStopsCleanlyOnShutdown(t *testing.T) {
	a := &scriptedAgent{id: "healthy", run: func(ctx context.Context, n int32) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	// Keep the heartbeat fresh from a side goroutine like a real agent loop.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				a.beat()
			}
		}
	}()

	s := NewSupervisor(fastOptions(), &captureBus{}, []Agent{a}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	assert.Equal(t, int32(1), a.runs.Load(), "a healthy agent is never restarted")
}

func TestStaleHeartbeatTriggersRestart(t *testing.T) {
	var restarted atomic.Bool
	a := &scriptedAgent{id: "hung", run: func(ctx context.Context, n int32) error {
		if n == 1 {
			// First run beats once and then hangs without beating again.
			<-ctx.Done()
			return ctx.Err()
		}
		restarted.Store(true)
		<-ctx.Done()
		return ctx.Err()
	}}
	s := NewSupervisor(fastOptions(), &captureBus{}, []Agent{a}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return restarted.Load() },
		2*time.Second, 5*time.Millisecond,
		"a hung agent must be detected and restarted")
	cancel()
	<-done
}
