// Package executor implements the SMP, NUMA-aware, work-stealing scheduler
// that runs quip's procs: a fixed set of worker goroutines each with a
// local run queue, a channel-backed global injector (with a mutex-guarded
// overflow list), randomized work stealing, and a dynamically sized
// blocking pool for synchronous work.
package executor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

var maxprocsOnce sync.Once

// Options configures an Executor. Zero value Options yields sane defaults
// when passed through NewExecutor's option list.
type Options struct {
	Parallelism         int
	LocalQueueCapacity  int
	InjectorCapacity    int
	InjectorDrainBatch  int
	BlockingPoolCap     int
	BlockingIdleTimeout time.Duration
	Logger              *zap.Logger
}

func defaultOptions() Options {
	return Options{
		Parallelism:         0, // resolved in NewExecutor via GOMAXPROCS
		LocalQueueCapacity:  256,
		InjectorCapacity:    4096,
		InjectorDrainBatch:  32,
		BlockingPoolCap:     512,
		BlockingIdleTimeout: 10 * time.Second,
		Logger:              zap.NewNop(),
	}
}

// Option mutates Options; see WithParallelism et al.
type Option func(*Options)

// WithParallelism overrides the number of worker goroutines. <= 0 means
// "use GOMAXPROCS", the default.
func WithParallelism(n int) Option { return func(o *Options) { o.Parallelism = n } }

// WithLocalQueueCapacity overrides each worker's local deque capacity.
func WithLocalQueueCapacity(n int) Option { return func(o *Options) { o.LocalQueueCapacity = n } }

// WithBlockingPoolCap overrides the blocking pool's maximum concurrent goroutines.
func WithBlockingPoolCap(n int) Option { return func(o *Options) { o.BlockingPoolCap = n } }

// WithBlockingIdleTimeout overrides how long an idle blocking goroutine survives.
func WithBlockingIdleTimeout(d time.Duration) Option {
	return func(o *Options) { o.BlockingIdleTimeout = d }
}

// WithLogger installs a zap.Logger for executor diagnostics (a task panic that escapes proc-boundary recovery).
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// Executor owns the worker goroutines, the global injector, and the
// blocking pool. The zero value is not usable; construct with NewExecutor.
type Executor struct {
	opts       Options
	log        *zap.SugaredLogger
	workers    []*worker
	injector   chan Task
	overflowMu sync.Mutex
	overflow   []Task
	blocking   *blockingPool
	searching  int32
	shutdownCh chan struct{}
	shutOnce   sync.Once
	wg         sync.WaitGroup
	started    bool
}

// NewExecutor builds and starts an Executor with the given options.
func NewExecutor(opts ...Option) *Executor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Parallelism <= 0 {
		maxprocsOnce.Do(func() {
			// Best-effort: align GOMAXPROCS with the container's CPU quota
			// before sizing the worker pool from it, so containerized
			// deployments don't over-subscribe workers relative to their
			// actual CPU allotment.
			_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))
		})
		o.Parallelism = runtime.GOMAXPROCS(0)
	}
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}

	ex := &Executor{
		opts:       o,
		log:        o.Logger.Sugar(),
		injector:   make(chan Task, o.InjectorCapacity),
		blocking:   newBlockingPool(o.BlockingPoolCap, o.BlockingIdleTimeout),
		shutdownCh: make(chan struct{}),
	}

	nodeCount := detectNUMANodes()
	ex.workers = make([]*worker, o.Parallelism)
	for i := 0; i < o.Parallelism; i++ {
		ex.workers[i] = newWorker(i, ex, numaNodeFor(i, nodeCount))
	}

	ex.wg.Add(len(ex.workers))
	for _, w := range ex.workers {
		go w.run()
	}
	ex.started = true
	return ex
}

// Parallelism reports the number of worker goroutines.
func (ex *Executor) Parallelism() int { return len(ex.workers) }

// Submit schedules t onto the global injector (the off-worker spawn path)
// and wakes one sleeping worker.
func (ex *Executor) Submit(t Task) {
	ex.submitGlobal(t)
}

func (ex *Executor) submitGlobal(t Task) {
	select {
	case ex.injector <- t:
	default:
		ex.overflowMu.Lock()
		ex.overflow = append(ex.overflow, t)
		ex.overflowMu.Unlock()
	}
	ex.wakeOne()
}

// SubmitBlocking hands f to the dynamically sized blocking pool. f must not
// be stolen or scheduled cooperatively; it runs on its own goroutine.
func (ex *Executor) SubmitBlocking(f func()) {
	ex.blocking.Submit(f)
}

func (ex *Executor) wakeOne() {
	for _, w := range ex.workers {
		select {
		case w.wake <- struct{}{}:
			return
		default:
		}
	}
}

func (ex *Executor) drainInjector(max int) []Task {
	out := make([]Task, 0, max)
	for len(out) < max {
		select {
		case t := <-ex.injector:
			out = append(out, t)
		default:
			goto overflowCheck
		}
	}
overflowCheck:
	if len(out) < max {
		ex.overflowMu.Lock()
		for len(out) < max && len(ex.overflow) > 0 {
			n := len(ex.overflow) - 1
			out = append(out, ex.overflow[n])
			ex.overflow = ex.overflow[:n]
		}
		ex.overflowMu.Unlock()
	}
	return out
}

// stealOrder returns every other worker in a randomized order, same-NUMA
// node peers first, so stealing is opportunistic but locality-biased.
func (ex *Executor) stealOrder(self *worker) []*worker {
	others := make([]*worker, 0, len(ex.workers)-1)
	var sameNode, otherNode []*worker
	for _, w := range ex.workers {
		if w == self {
			continue
		}
		if w.numaNode == self.numaNode {
			sameNode = append(sameNode, w)
		} else {
			otherNode = append(otherNode, w)
		}
	}
	self.rng.Shuffle(len(sameNode), func(i, j int) {
		sameNode[i], sameNode[j] = sameNode[j], sameNode[i]
	})
	self.rng.Shuffle(len(otherNode), func(i, j int) {
		otherNode[i], otherNode[j] = otherNode[j], otherNode[i]
	})
	others = append(others, sameNode...)
	others = append(others, otherNode...)
	return others
}

func (ex *Executor) execute(w *worker, t Task) {
	defer func() {
		if r := recover(); r != nil {
			ex.log.Errorw("task panicked outside proc boundary recovery", "panic", r, "worker", w.id)
		}
	}()
	t(&TaskContext{worker: w})
}

func (ex *Executor) enterSearching() { atomic.AddInt32(&ex.searching, 1) }
func (ex *Executor) exitSearching()  { atomic.AddInt32(&ex.searching, -1) }

// Searching reports how many workers are currently in their backoff wait or
// parked on their wake channel (workers that are stealing or draining the
// injector are not counted). Parking does not consult this count; a wake
// is not lost because each worker's wake channel is buffered.
func (ex *Executor) Searching() int32 { return atomic.LoadInt32(&ex.searching) }

// BlockingLive reports the current number of live blocking-pool goroutines.
func (ex *Executor) BlockingLive() int64 { return ex.blocking.Live() }

// Shutdown signals every worker to stop pulling new work, drains each
// worker's local deque and the injector (running every still-queued Task
// with Dropped=true), shuts down the blocking pool, and waits for every
// worker goroutine to exit or ctx to expire.
func (ex *Executor) Shutdown(ctx context.Context) error {
	ex.shutOnce.Do(func() {
		close(ex.shutdownCh)
	})

	done := make(chan struct{})
	go func() {
		ex.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Drain anything still sitting in the injector/overflow after every
	// worker has stopped pulling from it.
	for {
		drained := ex.drainInjector(ex.opts.InjectorDrainBatch)
		if len(drained) == 0 {
			break
		}
		for _, t := range drained {
			t(&TaskContext{Dropped: true})
		}
	}

	ex.blocking.Shutdown()
	return nil
}
