package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// ErrQuarantined is returned by the supervisor when an agent exceeded its
// restart budget and the process must stop.
var ErrQuarantined = errors.New("agent quarantined")

// Publisher is the bus surface the supervisor needs.
type Publisher interface {
	Publish(sig domain.Signal) error
}

// SupervisorOptions tune lifecycle policy. Zero values select defaults.
type SupervisorOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	RestartBase       time.Duration
	RestartMax        time.Duration
	MaxRestarts       int
	RestartWindow     time.Duration
	ShutdownGrace     time.Duration
}

func (o *SupervisorOptions) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = 3
	}
	if o.RestartBase <= 0 {
		o.RestartBase = 5 * time.Second
	}
	if o.RestartMax <= 0 {
		o.RestartMax = 60 * time.Second
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = 15 * time.Minute
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
}

// Supervisor owns agent lifecycles: it runs each agent, watches its
// heartbeat, restarts crashed or hung agents with exponential backoff, and
// quarantines an agent that keeps dying. Quarantine is fatal for the whole
// process: a repeatedly failing agent means something structural is wrong.
type Supervisor struct {
	opts   SupervisorOptions
	bus    Publisher
	logger *slog.Logger
	agents []Agent
}

// NewSupervisor creates a Supervisor for the given agents.
func NewSupervisor(opts SupervisorOptions, bus Publisher, agents []Agent, logger *slog.Logger) *Supervisor {
	opts.defaults()
	return &Supervisor{
		opts:   opts,
		bus:    bus,
		logger: logger.With(slog.String("component", "supervisor")),
		agents: agents,
	}
}

// Run blocks until ctx is cancelled or an agent is quarantined. A quarantine
// returns an error wrapping ErrQuarantined and cancels every other agent.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range s.agents {
		a := a
		g.Go(func() error {
			return s.superviseAgent(ctx, a)
		})
	}
	return g.Wait()
}

// superviseAgent runs one agent's restart loop.
func (s *Supervisor) superviseAgent(ctx context.Context, a Agent) error {
	log := s.logger.With(slog.String("agent", a.ID()))
	backoff := s.opts.RestartBase
	var restarts []time.Time

	for {
		started := time.Now()
		err := s.runOnce(ctx, a, log)
		if ctx.Err() != nil {
			return nil
		}
		uptime := time.Since(started)
		log.Warn("agent exited",
			slog.String("error", errString(err)),
			slog.Duration("uptime", uptime))

		// A long healthy run earns a fresh backoff.
		if uptime > s.opts.RestartWindow/3 {
			backoff = s.opts.RestartBase
		}

		now := time.Now()
		kept := restarts[:0]
		for _, t := range restarts {
			if now.Sub(t) < s.opts.RestartWindow {
				kept = append(kept, t)
			}
		}
		restarts = append(kept, now)

		if len(restarts) > s.opts.MaxRestarts {
			reason := fmt.Sprintf("agent %s restarted %d times within %s",
				a.ID(), len(restarts), s.opts.RestartWindow)
			log.Error("agent quarantined", slog.String("reason", reason))
			s.publishAlert(reason)
			return fmt.Errorf("supervisor: %s: %w", reason, ErrQuarantined)
		}

		log.Info("restarting agent",
			slog.Duration("backoff", backoff),
			slog.Int("recent_restarts", len(restarts)))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.opts.RestartMax {
			backoff = s.opts.RestartMax
		}
	}
}

// runOnce runs the agent until it exits or its heartbeat goes stale. A stale
// heartbeat cancels the agent's context; an agent that still does not return
// within the shutdown grace is abandoned to its goroutine.
func (s *Supervisor) runOnce(ctx context.Context, a Agent, log *slog.Logger) error {
	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("supervisor: agent %s panicked: %v", a.ID(), r)
			}
		}()
		errCh <- a.Run(agentCtx)
	}()

	stale := time.Duration(s.opts.HeartbeatMisses) * s.opts.HeartbeatInterval
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			cancel()
			return s.awaitExit(errCh, a, log)
		case <-ticker.C:
			last := a.LastBeat()
			if last.IsZero() || time.Since(last) <= stale {
				continue
			}
			log.Warn("agent heartbeat stale, restarting",
				slog.Duration("since_last_beat", time.Since(last)),
				slog.Duration("threshold", stale))
			cancel()
			return s.awaitExit(errCh, a, log)
		}
	}
}

func (s *Supervisor) awaitExit(errCh <-chan error, a Agent, log *slog.Logger) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(s.opts.ShutdownGrace):
		log.Error("agent did not stop within grace period, abandoning goroutine")
		return fmt.Errorf("supervisor: agent %s hung past shutdown grace", a.ID())
	}
}

func (s *Supervisor) publishAlert(reason string) {
	err := s.bus.Publish(domain.Signal{
		Kind:     domain.SignalRiskAlert,
		Priority: domain.PriorityCritical,
		Source:   "supervisor",
		Payload: domain.RiskAlert{
			Severity: domain.SeverityCritical,
			Scope:    domain.ScopeAgent,
			Reason:   reason,
		},
	})
	if err != nil {
		s.logger.Error("publish quarantine alert failed", slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return "nil"
	}
	return err.Error()
}
