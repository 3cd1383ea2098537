package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExecutorRunsAllSubmittedTasks(t *testing.T) {
	ex := NewExecutor(WithParallelism(2))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ex.Shutdown(ctx)
	}()

	const n = 1000
	var wg sync.WaitGroup
	var count int64
	wg.Add(n)
	for i := 0; i < n; i++ {
		ex.Submit(func(tc *TaskContext) {
			defer wg.Done()
			if !tc.Dropped {
				atomic.AddInt64(&count, 1)
			}
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all tasks to run")
	}

	if got := atomic.LoadInt64(&count); got != n {
		t.Fatalf("expected %d tasks executed, got %d", n, got)
	}
}

func TestExecutorLocalSpawnRunsAllFannedOutTasks(t *testing.T) {
	ex := NewExecutor(WithParallelism(2))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ex.Shutdown(ctx)
	}()

	const fanout = 200
	var wg sync.WaitGroup
	wg.Add(fanout)
	ex.Submit(func(tc *TaskContext) {
		for i := 0; i < fanout; i++ {
			tc.Spawn(func(inner *TaskContext) {
				defer wg.Done()
			})
		}
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fanned-out tasks")
	}
}

func TestExecutorShutdownDrainsQueuedTasks(t *testing.T) {
	ex := NewExecutor(WithParallelism(1))

	var dropped int64
	var ran int64
	ex.Submit(func(tc *TaskContext) {
		if tc.Dropped {
			atomic.AddInt64(&dropped, 1)
		} else {
			atomic.AddInt64(&ran, 1)
			time.Sleep(50 * time.Millisecond)
		}
	})
	for i := 0; i < 10; i++ {
		ex.Submit(func(tc *TaskContext) {
			if tc.Dropped {
				atomic.AddInt64(&dropped, 1)
			} else {
				atomic.AddInt64(&ran, 1)
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ex.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if atomic.LoadInt64(&ran)+atomic.LoadInt64(&dropped) != 11 {
		t.Fatalf("expected 11 tasks accounted for, ran=%d dropped=%d", ran, dropped)
	}
}

func TestBlockingPoolRunsAndShrinks(t *testing.T) {
	ex := NewExecutor(WithParallelism(1), WithBlockingPoolCap(4), WithBlockingIdleTimeout(20*time.Millisecond))

	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		ex.SubmitBlocking(func() {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
		})
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for ex.BlockingLive() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if live := ex.BlockingLive(); live != 0 {
		t.Fatalf("expected blocking pool to shrink to 0 idle goroutines, got %d", live)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ex.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
