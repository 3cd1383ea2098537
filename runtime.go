package quip

import (
	"context"
	"sync"
	"time"

	"github.com/ielm/quip/internal/executor"
	"go.uber.org/zap"
)

// config collects Runtime construction options before New builds the
// underlying executor.
type config struct {
	execOpts []executor.Option
	logger   *zap.Logger
}

// Option configures a Runtime at construction time.
type Option func(*config)

// WithParallelism overrides the executor's worker-goroutine count.
func WithParallelism(n int) Option {
	return func(c *config) { c.execOpts = append(c.execOpts, executor.WithParallelism(n)) }
}

// WithLocalQueueCapacity overrides each worker's local run-queue capacity.
func WithLocalQueueCapacity(n int) Option {
	return func(c *config) { c.execOpts = append(c.execOpts, executor.WithLocalQueueCapacity(n)) }
}

// WithBlockingPoolCap overrides the blocking pool's maximum concurrent goroutines.
func WithBlockingPoolCap(n int) Option {
	return func(c *config) { c.execOpts = append(c.execOpts, executor.WithBlockingPoolCap(n)) }
}

// WithBlockingIdleTimeout overrides how long an idle blocking-pool goroutine survives.
func WithBlockingIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.execOpts = append(c.execOpts, executor.WithBlockingIdleTimeout(d)) }
}

// WithRuntimeLogger installs l as both the executor's and quip's own
// package-wide logger (see log.go).
func WithRuntimeLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Runtime is the process-wide entry point: it owns the executor, the
// registry, and the root supervisor. Explicit construction via New is
// preferred; Default is offered only as an ergonomic convenience layer.
type Runtime struct {
	mu       sync.Mutex
	exec     *executor.Executor
	registry *Registry
	root     *Supervisor
	started  bool
}

// New builds a Runtime with an Idle root supervisor (OneForOne, no
// restart-rate limit — replace it with RootSupervisor/SetRootSupervisor before Start if
// a different root strategy is desired). Sub-supervisors and children
// groups are attached via Supervise/Children before calling Start.
func New(opts ...Option) *Runtime {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.logger != nil {
		WithLogger(cfg.logger)
		cfg.execOpts = append(cfg.execOpts, executor.WithLogger(cfg.logger))
	}

	return &Runtime{
		exec:     executor.NewExecutor(cfg.execOpts...),
		registry: NewRegistry(),
		root:     NewSupervisor(RootPath, OneForOne, RestartPolicy{}),
	}
}

var (
	defaultOnce    sync.Once
	defaultRuntime *Runtime
)

// Default returns the process-wide Runtime, building it lazily behind a
// sync.Once on first use.
func Default() *Runtime {
	defaultOnce.Do(func() { defaultRuntime = New() })
	return defaultRuntime
}

// RootSupervisor returns the runtime's root supervisor so a builder can
// attach children groups and sub-supervisors before Start.
func (r *Runtime) RootSupervisor() *Supervisor { return r.root }

// SetRootSupervisor replaces the default root supervisor. Must be called
// before Start.
func (r *Runtime) SetRootSupervisor(root *Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
}

// Supervise attaches sub as a direct sub-supervisor of the root, in
// declared order. Must be called before Start.
func (r *Runtime) Supervise(sub *Supervisor) { r.root.AddSupervisor(sub) }

// Children attaches g as a direct children group of the root, in declared
// order. Must be called before Start.
func (r *Runtime) Children(g *ChildrenGroup) { r.root.AddGroup(g) }

// Registry returns the runtime's registry, e.g. for resolving a path
// supplied by the builder DSL into a live reference.
func (r *Runtime) Registry() *Registry { return r.registry }

// Executor returns the runtime's SMP executor.
func (r *Runtime) Executor() *executor.Executor { return r.exec }

// Start starts the root supervisor (and transitively every attached group
// and sub-supervisor) in declared order. Idempotent.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.root.Start(ctx, r.exec, r.registry, nil)
	r.started = true
}

// Stop stops the root supervisor's subtree, then shuts down the executor,
// draining every queued task with a ShuttingDown marker.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()

	if started {
		r.root.Stop(ctx)
	}
	return r.exec.Shutdown(ctx)
}

// Broadcast fans msg out to every children group directly attached to the
// root supervisor (sub-supervisors are not message-addressable themselves;
// broadcast their own groups individually via their own Ref/Children calls).
func (r *Runtime) Broadcast(msg Message) []BroadcastResult {
	r.root.mu.Lock()
	units := append([]supervised(nil), r.root.units...)
	r.root.mu.Unlock()

	var results []BroadcastResult
	for _, u := range units {
		if g, ok := u.(*ChildrenGroup); ok {
			results = append(results, g.broadcastAll(msg))
		}
	}
	return results
}
