package quip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ielm/quip/internal/executor"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// catrate.Limiter spawns a background worker goroutine on its first
	// Allow call that self-terminates only ~retention after its last event
	// (no Stop/Close is exposed); tests that configure a real RestartPolicy
	// and trigger a restart leave one running well past test completion.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/joeycumines/go-catrate.(*Limiter).worker"))
}

func newTestExecutor(t *testing.T) *executor.Executor {
	t.Helper()
	ex := executor.NewExecutor(executor.WithParallelism(2))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ex.Shutdown(ctx)
	})
	return ex
}

func TestSpawnResolvesCompleted(t *testing.T) {
	ex := newTestExecutor(t)
	jh := Spawn(context.Background(), ex, func(ctx context.Context, stack *ProcStack) (any, error) {
		return 42, nil
	}, NewProcStack())

	outcome, err := jh.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.State != ProcCompleted || outcome.Value.(int) != 42 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestSpawnRecoversPanic(t *testing.T) {
	ex := newTestExecutor(t)
	var afterPanicCalled bool
	stack := NewProcStack()
	stack.AfterPanic = func(_ *ProcStack, payload any) { afterPanicCalled = true }

	jh := Spawn(context.Background(), ex, func(ctx context.Context, stack *ProcStack) (any, error) {
		panic("boom")
	}, stack)

	outcome, err := jh.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.State != ProcPanicked {
		t.Fatalf("expected ProcPanicked, got %v", outcome.State)
	}
	if outcome.PanicValue != "boom" {
		t.Fatalf("expected panic value 'boom', got %q", outcome.PanicValue)
	}
	if !afterPanicCalled {
		t.Fatal("expected AfterPanic hook to run")
	}
}

func TestSpawnPropagatesUserError(t *testing.T) {
	ex := newTestExecutor(t)
	wantErr := errors.New("boom")
	jh := Spawn(context.Background(), ex, func(ctx context.Context, stack *ProcStack) (any, error) {
		return nil, wantErr
	}, NewProcStack())

	outcome, err := jh.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, outcome.Err)
	}
}

func TestJoinHandleMultipleConcurrentWaits(t *testing.T) {
	ex := newTestExecutor(t)
	release := make(chan struct{})
	jh := Spawn(context.Background(), ex, func(ctx context.Context, stack *ProcStack) (any, error) {
		<-release
		return "done", nil
	}, NewProcStack())

	const waiters = 8
	results := make(chan ProcOutcome, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			outcome, err := jh.Wait(context.Background())
			if err != nil {
				t.Error(err)
			}
			results <- outcome
		}()
	}

	time.Sleep(10 * time.Millisecond)
	close(release)

	for i := 0; i < waiters; i++ {
		outcome := <-results
		if outcome.Value.(string) != "done" {
			t.Fatalf("unexpected outcome from concurrent waiter: %+v", outcome)
		}
	}
}

func TestJoinHandleCancelIsCooperative(t *testing.T) {
	ex := newTestExecutor(t)
	stack := NewProcStack()
	started := make(chan struct{})
	jh := Spawn(context.Background(), ex, func(ctx context.Context, stack *ProcStack) (any, error) {
		close(started)
		for !stack.Token().Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return nil, nil
	}, stack)

	<-started
	jh.Cancel()

	outcome, err := jh.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.State != ProcCancelled {
		t.Fatalf("expected ProcCancelled once the proc observes the token, got %v", outcome.State)
	}
}

func TestProcStackCloneGetsFreshIdentity(t *testing.T) {
	s := NewProcStack()
	c := s.Clone()
	if c.PID == s.PID {
		t.Fatal("expected Clone to allocate a fresh ProcID")
	}
	if c.Token() == s.Token() {
		t.Fatal("expected Clone to allocate an independent CancellationToken")
	}
}
