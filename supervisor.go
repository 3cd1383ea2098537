package quip

import (
	"context"
	"sync"

	"github.com/ielm/quip/internal/executor"
	"github.com/joeycumines/go-catrate"
)

// SupervisorState is a Supervisor's lifecycle state.
type SupervisorState int

const (
	SupervisorIdle SupervisorState = iota
	SupervisorStarting
	SupervisorRunning
	SupervisorRestarting
	SupervisorStopping
	SupervisorStopped
)

func (s SupervisorState) String() string {
	switch s {
	case SupervisorIdle:
		return "idle"
	case SupervisorStarting:
		return "starting"
	case SupervisorRunning:
		return "running"
	case SupervisorRestarting:
		return "restarting"
	case SupervisorStopping:
		return "stopping"
	case SupervisorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// supervised is anything a Supervisor can own as a direct child in declared
// order: a ChildrenGroup or another Supervisor. Both report faults up via
// the same faultEvent channel convention.
type supervised interface {
	Path() ActorPath
	Start(ctx context.Context, exec *executor.Executor, reg *Registry, parentEvents chan<- faultEvent)
	Stop(ctx context.Context)
}

// SupervisorRef is a handle to a Supervisor used for administrative
// operations (mirrors ChildRef/GroupRef).
type SupervisorRef struct {
	path       ActorPath
	supervisor *Supervisor
}

// Path returns the supervisor's ActorPath.
func (r SupervisorRef) Path() ActorPath { return r.path }

// Stop stops the referenced supervisor and its whole subtree.
func (r SupervisorRef) Stop(ctx context.Context) {
	if r.supervisor != nil {
		r.supervisor.Stop(ctx)
	}
}

// Supervisor is the parent of children groups and/or sub-supervisors,
// applying a SupervisionStrategy when a direct child escalates a fault to
// it. A bare child never reports to a Supervisor directly — only its
// owning ChildrenGroup does, and only once that group's own restart budget
// is exhausted.
type Supervisor struct {
	path          ActorPath
	strategy      SupervisionStrategy
	restartPolicy RestartPolicy

	mu    sync.Mutex
	units []supervised
	state SupervisorState

	events       chan faultEvent
	parentEvents chan<- faultEvent
	limiter      *catrate.Limiter

	exec     *executor.Executor
	registry *Registry
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewSupervisor builds an idle Supervisor. Children groups and
// sub-supervisors are attached with AddGroup/AddSupervisor, in the order
// they should start.
func NewSupervisor(path ActorPath, strategy SupervisionStrategy, policy RestartPolicy) *Supervisor {
	return &Supervisor{
		path:          path,
		strategy:      strategy,
		restartPolicy: policy,
		events:        make(chan faultEvent, 64),
		limiter:       newRestartLimiter(policy),
	}
}

// Path returns the supervisor's ActorPath.
func (s *Supervisor) Path() ActorPath { return s.path }

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ref returns a SupervisorRef for administrative operations.
func (s *Supervisor) Ref() SupervisorRef { return SupervisorRef{path: s.path, supervisor: s} }

// AddGroup attaches g as the next direct child in declared order. Must be
// called before Start.
func (s *Supervisor) AddGroup(g *ChildrenGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, g)
}

// AddSupervisor attaches sub as the next direct child in declared order.
// Must be called before Start.
func (s *Supervisor) AddSupervisor(sub *Supervisor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, sub)
}

// Start starts every direct child in declared order and begins processing
// this supervisor's own fault-event queue. parentEvents is nil for the root
// supervisor (the root supervisor has no parent).
func (s *Supervisor) Start(ctx context.Context, exec *executor.Executor, reg *Registry, parentEvents chan<- faultEvent) {
	s.mu.Lock()
	s.state = SupervisorStarting
	s.exec = exec
	s.registry = reg
	s.parentEvents = parentEvents
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	units := append([]supervised(nil), s.units...)
	s.mu.Unlock()

	go s.eventLoop(loopCtx)
	for _, u := range units {
		u.Start(loopCtx, exec, reg, s.events)
	}

	s.mu.Lock()
	s.state = SupervisorRunning
	s.mu.Unlock()
}

// Stop stops every direct child, in reverse declared order, then terminates
// this supervisor's event loop. Terminal: State() reports SupervisorStopped.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	s.state = SupervisorStopping
	units := append([]supervised(nil), s.units...)
	cancel := s.cancel
	s.mu.Unlock()

	for i := len(units) - 1; i >= 0; i-- {
		units[i].Stop(ctx)
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.state = SupervisorStopped
	s.mu.Unlock()
}

func (s *Supervisor) eventLoop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleFault(ctx, ev)
		}
	}
}

func (s *Supervisor) handleFault(ctx context.Context, ev faultEvent) {
	if ev.Stopped {
		logger.Debugw("child supervisor/group stopped", "path", ev.Subject.String())
		return
	}

	s.mu.Lock()
	idx := s.indexOfLocked(ev.Subject)
	n := len(s.units)
	s.mu.Unlock()
	if idx < 0 {
		return
	}

	logger.Warnw("child escalated fault", "path", ev.Subject.String(), "reason", ev.Reason.String(), "strategy", s.strategy.String())

	if _, ok := s.limiter.Allow(s.path.String()); !ok {
		s.onExhaustion(ctx)
		return
	}

	s.mu.Lock()
	s.state = SupervisorRestarting
	s.mu.Unlock()

	targets := restartTargets(s.strategy, idx, n)
	s.mu.Lock()
	units := make([]supervised, len(targets))
	for i, t := range targets {
		units[i] = s.units[t]
	}
	s.mu.Unlock()

	for i := len(units) - 1; i >= 0; i-- {
		units[i].Stop(ctx)
	}
	for _, u := range units {
		u.Start(ctx, s.exec, s.registry, s.events)
	}

	s.mu.Lock()
	s.state = SupervisorRunning
	s.mu.Unlock()
}

func (s *Supervisor) onExhaustion(ctx context.Context) {
	logger.Errorw("supervisor restart rate exhausted", "path", s.path.String(), "policy", s.restartPolicy.OnExhaustion.String())
	switch s.restartPolicy.OnExhaustion {
	case Stop:
		s.Stop(ctx)
		s.postToParent(faultEvent{Subject: s.path, Stopped: true})
	default:
		s.mu.Lock()
		units := append([]supervised(nil), s.units...)
		s.mu.Unlock()
		for i := len(units) - 1; i >= 0; i-- {
			units[i].Stop(ctx)
		}
		s.postToParent(faultEvent{Subject: s.path, Reason: ReasonExhaustedRestarts})
	}
}

func (s *Supervisor) postToParent(ev faultEvent) {
	if s.parentEvents == nil {
		return
	}
	s.parentEvents <- ev
}

func (s *Supervisor) indexOfLocked(path ActorPath) int {
	for i, u := range s.units {
		if u.Path() == path {
			return i
		}
	}
	return -1
}
