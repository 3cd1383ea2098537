package executor

import (
	"math/rand"
	"time"
)

// Task is the unit of work the executor schedules. tc carries the
// spawning-worker context (so the task can push follow-on work onto the
// local deque) and, during shutdown drain, Dropped is set so the task can
// run its own "shutting down" completion path instead of doing real work.
type Task func(tc *TaskContext)

// TaskContext is handed to a running Task so it can spawn further work
// without going through the (comparatively contended) global injector.
type TaskContext struct {
	worker  *worker
	Dropped bool
}

// Spawn pushes t onto the current worker's local deque, falling back to the
// global injector if the local deque is full. During a shutdown drain (or
// for a Task invoked outside any worker) there is nowhere left to schedule
// follow-on work, so Spawn drops it — matching Shutdown's contract that
// every queued Task sees Dropped=true and should not enqueue more work.
func (tc *TaskContext) Spawn(t Task) {
	if tc == nil || tc.Dropped || tc.worker == nil {
		return
	}
	if tc.worker.dq.pushBack(t) {
		return
	}
	// local queue overflow: drain half to the injector, matching the
	// documented spawn path, then push t into the now-freed slot.
	for _, spilled := range tc.worker.dq.drainHalfToOverflow() {
		tc.worker.exec.submitGlobal(spilled)
	}
	if tc.worker.dq.pushBack(t) {
		return
	}
	tc.worker.exec.submitGlobal(t)
}

const (
	minBackoff = 50 * time.Microsecond
	maxBackoff = 4 * time.Millisecond
)

type worker struct {
	id       int
	exec     *Executor
	dq       *deque
	numaNode int
	wake     chan struct{} // buffered(1): idempotent wake, matches "multiple wakes collapse to one"
	rng      *rand.Rand
}

func newWorker(id int, exec *Executor, numaNode int) *worker {
	return &worker{
		id:       id,
		exec:     exec,
		dq:       newDeque(exec.opts.LocalQueueCapacity),
		numaNode: numaNode,
		wake:     make(chan struct{}, 1),
		rng:      rand.New(rand.NewSource(int64(id)*2654435761 + 1)),
	}
}

func (w *worker) signalWake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run() {
	defer w.exec.wg.Done()
	backoff := minBackoff
	for {
		select {
		case <-w.exec.shutdownCh:
			w.drainOnShutdown()
			return
		default:
		}

		if t, ok := w.dq.popFront(); ok {
			backoff = minBackoff
			w.exec.execute(w, t)
			continue
		}

		if t, ok := w.stealFromPeers(); ok {
			backoff = minBackoff
			w.exec.execute(w, t)
			continue
		}

		if drained := w.exec.drainInjector(w.exec.opts.InjectorDrainBatch); len(drained) > 0 {
			backoff = minBackoff
			// run the first now, stash the rest locally
			first := drained[0]
			for _, t := range drained[1:] {
				if !w.dq.pushBack(t) {
					w.exec.submitGlobal(t)
				}
			}
			w.exec.execute(w, first)
			continue
		}

		if w.spinThenPark(backoff) {
			return // shutdown observed while parked
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// stealFromPeers tries every other worker once, in a random start order to
// avoid convoy effects, preferring same-NUMA-node peers first.
func (w *worker) stealFromPeers() (Task, bool) {
	peers := w.exec.stealOrder(w)
	for _, p := range peers {
		if batch := p.dq.stealBatch(); len(batch) > 0 {
			first := batch[0]
			for _, t := range batch[1:] {
				if !w.dq.pushBack(t) {
					w.exec.submitGlobal(t)
				}
			}
			return first, true
		}
	}
	return nil, false
}

// spinThenPark spends a short exponential-backoff spin before parking on
// the worker's wake channel; returns true if shutdown fired while parked.
func (w *worker) spinThenPark(backoff time.Duration) (shutdown bool) {
	w.exec.enterSearching()
	defer w.exec.exitSearching()

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-w.wake:
		return false
	case <-w.exec.shutdownCh:
		return true
	case <-timer.C:
	}

	// park until woken or shut down
	select {
	case <-w.wake:
		return false
	case <-w.exec.shutdownCh:
		return true
	}
}

// drainOnShutdown runs every task still on this worker's local deque with
// Dropped=true so the caller's completion hooks observe a shutdown marker
// rather than silently vanishing.
func (w *worker) drainOnShutdown() {
	for {
		t, ok := w.dq.popFront()
		if !ok {
			return
		}
		t(&TaskContext{worker: w, Dropped: true})
	}
}
