package executor

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// blockingPool runs synchronous work (spawn_blocking) off the work-stealing
// worker set. It starts idle, grows on demand up to cap live goroutines, and
// shrinks a goroutine after it sits idle for idleTimeout. The live-goroutine
// count is gated with a weighted semaphore — a natural fit for "at most N
// concurrently outstanding" that a plain channel or mutex doesn't express as
// directly.
type blockingPool struct {
	sem         *semaphore.Weighted
	idleTimeout time.Duration
	tasks       chan func()
	shutdown    chan struct{}
	wg          sync.WaitGroup
	live        int64
}

func newBlockingPool(cap int, idleTimeout time.Duration) *blockingPool {
	if cap <= 0 {
		cap = 1
	}
	return &blockingPool{
		sem:         semaphore.NewWeighted(int64(cap)),
		idleTimeout: idleTimeout,
		tasks:       make(chan func()),
		shutdown:    make(chan struct{}),
	}
}

// Submit hands f to an idle blocking goroutine, spawns a new one if under
// cap, or blocks the caller until one becomes free — spawn_blocking itself
// is allowed to block its caller; it is tell/ask that must never block.
func (p *blockingPool) Submit(f func()) {
	select {
	case p.tasks <- f:
		return
	default:
	}
	if p.sem.TryAcquire(1) {
		p.wg.Add(1)
		atomic.AddInt64(&p.live, 1)
		go p.runWorker(f)
		return
	}
	select {
	case p.tasks <- f:
	case <-p.shutdown:
	}
}

func (p *blockingPool) runWorker(first func()) {
	defer p.wg.Done()
	defer atomic.AddInt64(&p.live, -1)
	defer p.sem.Release(1)

	f := first
	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		runRecovered(f)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.idleTimeout)

		select {
		case f = <-p.tasks:
		case <-timer.C:
			return
		case <-p.shutdown:
			return
		}
	}
}

func runRecovered(f func()) {
	defer func() { _ = recover() }()
	f()
}

// Live reports the current number of live blocking goroutines.
func (p *blockingPool) Live() int64 { return atomic.LoadInt64(&p.live) }

// Shutdown signals every idle blocking goroutine to exit and waits for all
// live goroutines (idle or mid-task) to finish their current task and stop.
func (p *blockingPool) Shutdown() {
	close(p.shutdown)
	p.wg.Wait()
}
