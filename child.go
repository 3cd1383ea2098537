package quip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ielm/quip/internal/executor"
)

// errChildStopped/errChildKilled/errChildRestartRequested are internal
// sentinels Child.run returns to tell its AfterComplete hook which kind of
// non-panic exit happened, without overloading ProcOutcome.Err with a real
// user-visible error for what is, from the supervisor's perspective, a
// perfectly ordinary termination.
var (
	errChildStopped          = errors.New("quip: child stopped")
	errChildKilled           = errors.New("quip: child killed")
	errChildRestartRequested = errors.New("quip: child restart requested")
)

// faultEvent is what a Child posts to its parent ChildrenGroup (never a
// Supervisor directly) when its proc terminates. Stopped
// distinguishes a deliberate Stop/Kill/shutdown exit (no restart decision
// needed) from a fault that the group's supervision strategy must act on.
type faultEvent struct {
	Subject ActorPath
	Reason  FaultReason
	Cause   error
	Stopped bool
}

// Child binds a mailbox, a Handler factory, the executing proc, and a
// generation counter — the runtime's basic unit of supervision.
type Child struct {
	path       ActorPath
	mailbox    *Mailbox
	init       func() (Handler, error)
	generation uint64
	events     chan<- faultEvent
	registry   *Registry
	exec       *executor.Executor
	jh         *JoinHandle
}

// NewChild constructs a Child at path with the given mailbox capacity
// (negative means unbounded — see Mailbox). init is invoked once per incarnation
// (including every restart) to produce the Handler that drives the child's
// message loop; events is the send-only handle to the owning group's fault
// channel.
func NewChild(path ActorPath, mailboxCapacity int, init func() (Handler, error), events chan<- faultEvent) *Child {
	return &Child{
		path:    path,
		mailbox: NewMailbox(mailboxCapacity),
		init:    init,
		events:  events,
	}
}

// Path returns the child's ActorPath.
func (c *Child) Path() ActorPath { return c.path }

// Generation returns the child's current generation.
func (c *Child) Generation() uint64 { return c.generation }

// Mailbox exposes the child's mailbox, e.g. for a group to preserve or drain
// it across a restart per its DrainOnRestart policy.
func (c *Child) Mailbox() *Mailbox { return c.mailbox }

// Ref returns a weak ChildRef to this child's current incarnation.
func (c *Child) Ref() ChildRef {
	return ChildRef{path: c.path, generation: c.generation, registry: c.registry}
}

// ChildRef is a weak handle to a running child: a path, the generation it
// was obtained at, and the registry that resolves it. A reference taken
// before a restart fails every operation with ErrGone once the child's
// generation has moved on; it is never silently rebound to
// the new incarnation.
type ChildRef struct {
	path       ActorPath
	generation uint64
	registry   *Registry
}

// Path returns the referenced path.
func (r ChildRef) Path() ActorPath { return r.path }

// Generation returns the generation this reference was captured at.
func (r ChildRef) Generation() uint64 { return r.generation }

func (r ChildRef) resolve() (Inbox, error) {
	if r.registry == nil {
		return nil, ErrGone
	}
	return r.registry.Resolve(r.path, r.generation)
}

// Tell enqueues msg without blocking. It returns ErrGone if the reference is
// stale, ErrBackpressure if a bounded mailbox is full, or ErrShuttingDown if
// the mailbox has been closed.
func (r ChildRef) Tell(msg Message) error {
	inbox, err := r.resolve()
	if err != nil {
		return err
	}
	return inbox.Enqueue(Envelope{Payload: msg})
}

// Ask enqueues a user message carrying a fresh reply channel and waits for
// the reply, ctx cancellation, or timeout (<=0 means no extra deadline
// beyond ctx). On timeout the pending reply slot is marked abandoned; a
// late reply racing in after that point is dropped.
func (r ChildRef) Ask(ctx context.Context, payload any, timeout time.Duration) (any, error) {
	inbox, err := r.resolve()
	if err != nil {
		return nil, err
	}
	reply := newReplyChan()
	if err := inbox.Enqueue(Envelope{Payload: UserMessage(payload), ReplyTo: reply}); err != nil {
		return nil, err
	}
	actx, cancel := askDeadline(ctx, timeout)
	defer cancel()
	return reply.wait(actx)
}

// Stop sends the graceful-stop control message.
func (r ChildRef) Stop() error { return r.Tell(StopMessage()) }

// Kill sends the immediate-termination control message.
func (r ChildRef) Kill() error { return r.Tell(KillMessage()) }

// Restart sends the explicit-restart control message.
func (r ChildRef) Restart() error { return r.Tell(RestartMessage()) }

// Start registers the child in reg at its current generation and spawns its
// proc on exec at the current generation. Restart does not call Start; it
// spawns each incarnation that follows a restart itself.
func (c *Child) Start(ctx context.Context, exec *executor.Executor, reg *Registry) *JoinHandle {
	c.exec = exec
	c.registry = reg
	reg.Register(c.path, c.generation, c.mailbox)

	stack := NewProcStack()
	stack.AfterPanic = func(_ *ProcStack, payload any) {
		c.postFault(ReasonPanic, fmt.Errorf("%v", payload))
	}
	stack.AfterComplete = func(_ *ProcStack, outcome ProcOutcome) {
		c.onComplete(outcome)
	}

	jh := Spawn(ctx, exec, c.run, stack)
	c.jh = jh
	return jh
}

// Restart bumps the generation, rebuilds the mailbox per drainOnRestart, and
// respawns the child's proc with after_restart set on the fresh stack.
func (c *Child) Restart(ctx context.Context, drainOnRestart bool) *JoinHandle {
	c.generation++
	if drainOnRestart {
		c.mailbox.Drain()
	} else {
		c.mailbox.Reopen()
	}

	stack := NewProcStack()
	stack.IsRestart = true
	stack.AfterRestart = func(s *ProcStack) {
		logger.Debugw("child respawned", "path", c.path.String(), "generation", c.generation, "run_id", s.RunID)
	}
	stack.AfterPanic = func(_ *ProcStack, payload any) {
		c.postFault(ReasonPanic, fmt.Errorf("%v", payload))
	}
	stack.AfterComplete = func(_ *ProcStack, outcome ProcOutcome) {
		c.onComplete(outcome)
	}

	c.registry.Register(c.path, c.generation, c.mailbox)
	jh := Spawn(ctx, c.exec, c.run, stack)
	c.jh = jh
	return jh
}

// haltAndWait sends the immediate-termination control message directly
// (bypassing the registry, since a group holds its children by direct
// pointer) and blocks until the incarnation's proc has resolved.
func (c *Child) haltAndWait(ctx context.Context) {
	if c.jh == nil {
		return
	}
	_ = c.mailbox.Enqueue(Envelope{Payload: KillMessage()})
	_, _ = c.jh.Wait(ctx)
}

func (c *Child) onComplete(outcome ProcOutcome) {
	switch {
	case outcome.Err == nil:
		c.postStopped(nil)
	case errors.Is(outcome.Err, errChildStopped), errors.Is(outcome.Err, errChildKilled):
		c.postStopped(nil)
	case errors.Is(outcome.Err, errChildRestartRequested):
		c.postFault(ReasonRestartRequested, nil)
	default:
		c.postFault(ReasonErrored, outcome.Err)
	}
}

func (c *Child) postFault(reason FaultReason, cause error) {
	if c.events == nil {
		return
	}
	c.events <- faultEvent{Subject: c.path, Reason: reason, Cause: cause}
}

func (c *Child) postStopped(cause error) {
	if c.events == nil {
		return
	}
	c.events <- faultEvent{Subject: c.path, Stopped: true, Cause: cause}
}

// run is the child's ProcFunc: init the handler once, then loop pulling
// envelopes off the mailbox and dispatching them until a control message or
// cancellation ends the incarnation.
func (c *Child) run(ctx context.Context, stack *ProcStack) (any, error) {
	handler, err := c.init()
	if err != nil {
		return nil, err
	}

	for {
		if stack.Token().Cancelled() {
			return nil, errChildStopped
		}

		env, ok, err := c.mailbox.DequeueCtx(ctx)
		if err != nil {
			return nil, errChildStopped
		}
		if !ok {
			// Mailbox closed and drained out from under the loop; there is
			// no more work and no control message will ever arrive.
			return nil, errChildStopped
		}

		switch env.Payload.Tag {
		case ControlStop:
			c.mailbox.Drain()
			return nil, errChildStopped
		case ControlKill:
			return nil, errChildKilled
		case ControlRestart:
			return nil, errChildRestartRequested
		}

		c.dispatch(ctx, env, handler)
	}
}

// dispatch runs a single user message through handler, relaying the result
// to the sender's reply channel if one was allocated by Ask. A panic inside
// Receive fails the in-flight reply with ErrRecipientFailed (the envelope
// being actively handled is never redelivered) and then
// re-panics so the proc boundary's recover (proc.go) still drives the
// Faulted(Panic) path.
func (c *Child) dispatch(ctx context.Context, env Envelope, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			if env.ReplyTo != nil {
				env.ReplyTo.failWith(ErrRecipientFailed)
			}
			panic(r)
		}
	}()

	result, err := handler.Receive(ctx, env)
	if env.ReplyTo == nil {
		return
	}
	if err != nil {
		env.ReplyTo.failWith(err)
		return
	}
	env.ReplyTo.Reply(result)
}
