// Package engine provides the tick-based simulation loop. A Scheduler owns the
// world clock and calls every registered agent once per tick, in name order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timeshift92/emperium-sub001/internal/world"
)

// ErrDuplicateAgent is returned when two agents share a name.
var ErrDuplicateAgent = errors.New("duplicate agent name")

// Agent is one independent piece of simulation logic. Tick is called once
// per tick; a returned error or a panic is isolated to this agent.
type Agent interface {
	Name() string
	Tick(ctx context.Context, svc *Services) error
}

// TickReport summarizes one Step.
type TickReport struct {
	Tick     uint64        `json:"tick"`
	Ran      []string      `json:"ran"`
	Failed   []string      `json:"failed,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Scheduler drives the simulation forward.
type Scheduler struct {
	svc    *Services
	agents []Agent

	// Interval is the base tick interval at speed 1.
	Interval time.Duration

	mu      sync.Mutex
	speed   float64 // 1.0 = one tick per Interval, 0 = paused
	running atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

// NewScheduler creates a scheduler over svc.Clock. Agents run in name order
// regardless of registration order.
func NewScheduler(svc *Services, agents ...Agent) (*Scheduler, error) {
	if svc == nil || svc.Clock == nil {
		return nil, fmt.Errorf("scheduler needs services with a clock")
	}
	sorted := make([]Agent, len(agents))
	copy(sorted, agents)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name() == sorted[i-1].Name() {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, sorted[i].Name())
		}
	}
	return &Scheduler{
		svc:      svc,
		agents:   sorted,
		Interval: time.Second,
		speed:    1.0,
		stop:     make(chan struct{}),
	}, nil
}

// Agents returns agent names in run order.
func (s *Scheduler) Agents() []string {
	names := make([]string, len(s.agents))
	for i, a := range s.agents {
		names[i] = a.Name()
	}
	return names
}

// CurrentTick returns the last completed tick.
func (s *Scheduler) CurrentTick() uint64 {
	return s.svc.Clock.Tick()
}

// Speed returns the current speed multiplier.
func (s *Scheduler) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// SetSpeed changes the speed multiplier; 0 or less pauses the loop.
func (s *Scheduler) SetSpeed(v float64) {
	s.mu.Lock()
	s.speed = v
	s.mu.Unlock()
	slog.Info("simulation speed changed", "speed", v)
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Step advances the clock exactly once and runs every agent once.
func (s *Scheduler) Step(ctx context.Context) (TickReport, error) {
	start := time.Now()
	tick := s.svc.Clock.Tick() + 1
	if err := s.svc.Clock.Advance(tick); err != nil {
		return TickReport{}, fmt.Errorf("advance clock: %w", err)
	}

	report := TickReport{Tick: tick}
	for _, a := range s.agents {
		if ctx.Err() != nil {
			break
		}
		if err := s.runAgent(ctx, a); err != nil {
			report.Failed = append(report.Failed, a.Name())
			s.fault(a.Name(), tick, err)
			continue
		}
		report.Ran = append(report.Ran, a.Name())
	}
	report.Duration = time.Since(start)
	return report, nil
}

// panicError carries a recovered agent panic.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func (s *Scheduler) runAgent(ctx context.Context, a Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return a.Tick(ctx, s.svc)
}

func (s *Scheduler) fault(agent string, tick uint64, err error) {
	var p *panicError
	panicked := errors.As(err, &p)
	if panicked {
		slog.Warn("agent panicked", "agent", agent, "tick", tick, "error", err, "stack", string(p.stack))
	} else {
		slog.Warn("agent failed", "agent", agent, "tick", tick, "error", err)
	}
	if s.svc.Events == nil {
		return
	}
	s.svc.Events.Enqueue(world.NewEvent(tick, world.EventAgentFault, "", map[string]any{
		"agent":    agent,
		"error":    err.Error(),
		"panicked": panicked,
	}))
}

// Run steps the simulation until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	defer s.running.Store(false)
	slog.Info("simulation engine started", "tick", s.CurrentTick(), "speed", s.Speed(), "agents", len(s.agents))

	for {
		speed := s.Speed()
		wait := 100 * time.Millisecond
		if speed > 0 {
			start := time.Now()
			report, err := s.Step(ctx)
			if err != nil {
				return err
			}
			if report.Tick%world.TicksPerSimDay == 0 {
				slog.Info("sim day complete", "tick", report.Tick, "time", world.SimTime(report.Tick))
			}
			wait = max(time.Duration(float64(s.Interval)/speed)-time.Since(start), 0)
		}

		select {
		case <-ctx.Done():
			slog.Info("simulation engine stopped", "tick", s.CurrentTick())
			return nil
		case <-s.stop:
			slog.Info("simulation engine stopped", "tick", s.CurrentTick())
			return nil
		case <-time.After(wait):
		}
	}
}

// Stop halts the loop started by Run.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
}
