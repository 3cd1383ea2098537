package quip

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/ielm/quip/internal/executor"
)

// ProcID is an opaque, monotonically-assigned, process-wide unique
// identifier for a Proc.
type ProcID uint64

var procIDCounter uint64

// NextProcID allocates the next ProcID.
func NextProcID() ProcID {
	return ProcID(atomic.AddUint64(&procIDCounter, 1))
}

// ProcState is a Proc's lifecycle state: Pending -> Running -> (Completed |
// Panicked | Cancelled).
type ProcState int32

const (
	ProcPending ProcState = iota
	ProcRunning
	ProcCompleted
	ProcPanicked
	ProcCancelled
)

func (s ProcState) String() string {
	switch s {
	case ProcPending:
		return "pending"
	case ProcRunning:
		return "running"
	case ProcCompleted:
		return "completed"
	case ProcPanicked:
		return "panicked"
	case ProcCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ProcStack is the configuration attached to a Proc before spawning. All
// callbacks are optional. Stacks are cloneable; a clone shares the
// callback closures (plain function values) but gets its own fresh
// CancellationToken and ProcID, matching "clones share nothing except
// plain values".
type ProcStack struct {
	PID ProcID
	// RunID is a fresh UUID minted per incarnation, independent of PID
	// (process-wide sequential) and ActorPath/generation (identity-stable
	// across restarts) — it exists purely so a single run of a proc can be
	// correlated across log lines even after the process-wide PID counter
	// wraps or is reused by an unrelated proc.
	RunID         string
	BeforeStart   func(*ProcStack)
	AfterComplete func(*ProcStack, ProcOutcome)
	AfterPanic    func(*ProcStack, any)
	AfterRestart  func(*ProcStack)

	// IsRestart marks a stack built for a respawned incarnation; when set,
	// AfterRestart fires once on the new proc's first poll, before
	// BeforeStart.
	IsRestart bool

	token *CancellationToken
}

// NewProcStack builds a ProcStack with a fresh PID, RunID, and cancellation
// token.
func NewProcStack() ProcStack {
	return ProcStack{PID: NextProcID(), RunID: uuid.NewString(), token: &CancellationToken{}}
}

// Clone returns a copy of s with a new PID and a new, independent
// cancellation token; callback closures are shared by value.
func (s ProcStack) Clone() ProcStack {
	c := s
	c.PID = NextProcID()
	c.RunID = uuid.NewString()
	c.token = &CancellationToken{}
	return c
}

// Token returns s's cancellation token, allocating one if s was built as a
// zero value rather than via NewProcStack.
func (s *ProcStack) Token() *CancellationToken {
	if s.token == nil {
		s.token = &CancellationToken{}
	}
	return s.token
}

// ProcOutcome is what a JoinHandle resolves with. For ProcPanicked, Value
// and Err are always zero and PanicValue carries the stringified panic
// payload — Wait never re-panics.
type ProcOutcome struct {
	State      ProcState
	Value      any
	Err        error
	PanicValue string
}

// ProcFunc is the unit of supervised async work a Proc drives: a single
// non-reentrant closure rather than a resumable poll loop. Suspension is
// expressed through ctx and through blocking calls (mailbox receive, ask
// wait) that honor ctx; the stack's CancellationToken is observed only where
// the body checks it (a Child checks it before each mailbox receive).
type ProcFunc func(ctx context.Context, stack *ProcStack) (any, error)

// JoinHandle is the one-shot handle returned by Spawn. Multiple goroutines
// may Wait concurrently; all observe the same ProcOutcome once resolved.
type JoinHandle struct {
	mu     sync.Mutex
	result *ProcOutcome
	ready  chan struct{}
	token  *CancellationToken
}

func newJoinHandle(token *CancellationToken) *JoinHandle {
	return &JoinHandle{ready: make(chan struct{}), token: token}
}

func (h *JoinHandle) resolve(o ProcOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		h.result = &o
		close(h.ready)
	}
}

// Cancel sets the proc's cooperative cancellation token. It does not
// interrupt a running ProcFunc directly — the proc observes the
// cancellation where its body next checks the token. Dropping a JoinHandle
// without calling Cancel never cancels the proc (detached run).
func (h *JoinHandle) Cancel() { h.token.Cancel() }

// Wait blocks until the proc resolves or ctx is done.
func (h *JoinHandle) Wait(ctx context.Context) (ProcOutcome, error) {
	select {
	case <-h.ready:
		h.mu.Lock()
		defer h.mu.Unlock()
		return *h.result, nil
	case <-ctx.Done():
		return ProcOutcome{}, ctx.Err()
	}
}

// Done reports whether the proc has resolved, without blocking.
func (h *JoinHandle) Done() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// Spawn submits a task to exec that starts the proc on its own goroutine,
// and returns a JoinHandle. before_start runs before fn is invoked; after_complete runs
// on a normal (or cancelled, or shutdown-dropped) return; a recovered panic
// inside fn instead runs after_panic and resolves the JoinHandle with
// ProcPanicked — the panic is never re-raised.
func Spawn(ctx context.Context, exec *executor.Executor, fn ProcFunc, stack ProcStack) *JoinHandle {
	if stack.token == nil {
		stack.token = &CancellationToken{}
	}
	jh := newJoinHandle(stack.token)
	exec.Submit(func(tc *executor.TaskContext) {
		if tc.Dropped {
			runProc(ctx, fn, stack, jh, true)
			return
		}
		// The body runs on its own goroutine so a proc blocked at a
		// suspension point does not hold the worker that started it.
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorw("proc hook panicked", "panic", r, "pid", stack.PID)
				}
			}()
			runProc(ctx, fn, stack, jh, false)
		}()
	})
	return jh
}

func runProc(ctx context.Context, fn ProcFunc, stack ProcStack, jh *JoinHandle, dropped bool) {
	if dropped {
		outcome := ProcOutcome{State: ProcCancelled, Err: ErrShuttingDown}
		if stack.AfterComplete != nil {
			stack.AfterComplete(&stack, outcome)
		}
		jh.resolve(outcome)
		return
	}

	if stack.token.Cancelled() {
		outcome := ProcOutcome{State: ProcCancelled}
		if stack.AfterComplete != nil {
			stack.AfterComplete(&stack, outcome)
		}
		jh.resolve(outcome)
		return
	}

	if stack.IsRestart && stack.AfterRestart != nil {
		stack.AfterRestart(&stack)
	}
	if stack.BeforeStart != nil {
		stack.BeforeStart(&stack)
	}

	outcome, panicked := runCatchingPanic(ctx, fn, &stack)
	if panicked {
		if stack.AfterPanic != nil {
			stack.AfterPanic(&stack, outcome.PanicValue)
		}
		jh.resolve(outcome)
		return
	}

	if stack.AfterComplete != nil {
		stack.AfterComplete(&stack, outcome)
	}
	jh.resolve(outcome)
}

func runCatchingPanic(ctx context.Context, fn ProcFunc, stack *ProcStack) (result ProcOutcome, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			result = ProcOutcome{State: ProcPanicked, PanicValue: fmt.Sprint(r)}
		}
	}()
	val, err := fn(ctx, stack)
	state := ProcCompleted
	if stack.token.Cancelled() {
		state = ProcCancelled
	}
	return ProcOutcome{State: state, Value: val, Err: err}, false
}
