package quip

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/ielm/quip/internal/executor"
	"github.com/joeycumines/go-catrate"
)

// Dispatcher selects which child in a group receives a Tell.
type Dispatcher int

const (
	// RoundRobin cycles through children via an atomic counter mod n.
	RoundRobin Dispatcher = iota
	// Random picks a uniformly random child.
	Random
	// Broadcast delivers to every child independently.
	Broadcast
)

func (d Dispatcher) String() string {
	switch d {
	case RoundRobin:
		return "round_robin"
	case Random:
		return "random"
	case Broadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// GroupState is a ChildrenGroup's lifecycle state.
type GroupState int

const (
	GroupIdle GroupState = iota
	GroupRunning
	GroupRestarting
	GroupStopped
)

// BroadcastEntry is one child's outcome from an explicit Broadcast call.
type BroadcastEntry struct {
	Path ActorPath
	Err  error
}

// BroadcastResult aggregates every child's Tell outcome from a Broadcast.
type BroadcastResult struct {
	Entries []BroadcastEntry
}

// OK reports whether every entry succeeded.
func (r BroadcastResult) OK() bool {
	for _, e := range r.Entries {
		if e.Err != nil {
			return false
		}
	}
	return true
}

// GroupOption configures a ChildrenGroup at construction time.
type GroupOption func(*ChildrenGroup)

// WithDrainOnRestart controls whether a child's mailbox is discarded
// (true) or preserved (false, the default) across a restart.
func WithDrainOnRestart(drain bool) GroupOption {
	return func(g *ChildrenGroup) { g.drainOnRestart = drain }
}

// ChildrenGroup manages n identical children behind a Dispatcher, applying
// its own SupervisionStrategy and RestartPolicy when one of them faults —
// the fault never reaches the owning Supervisor unless the group's own
// restart budget is exhausted.
type ChildrenGroup struct {
	path           ActorPath
	dispatcher     Dispatcher
	strategy       SupervisionStrategy
	restartPolicy  RestartPolicy
	drainOnRestart bool

	mu       sync.Mutex
	children []*Child
	state    GroupState
	rrSeq    uint64

	events       chan faultEvent
	parentEvents chan<- faultEvent
	limiter      *catrate.Limiter

	exec     *executor.Executor
	registry *Registry
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewChildrenGroup builds a group of redundancy identical children rooted at
// path. init is called once per incarnation of each instance (index 0..
// redundancy-1) to build that instance's Handler.
func NewChildrenGroup(
	path ActorPath,
	redundancy int,
	mailboxCapacity int,
	init func(instance int) (Handler, error),
	dispatcher Dispatcher,
	strategy SupervisionStrategy,
	policy RestartPolicy,
	opts ...GroupOption,
) *ChildrenGroup {
	g := &ChildrenGroup{
		path:          path,
		dispatcher:    dispatcher,
		strategy:      strategy,
		restartPolicy: policy,
		events:        make(chan faultEvent, 64),
		limiter:       newRestartLimiter(policy),
	}
	for _, opt := range opts {
		opt(g)
	}
	for i := 0; i < redundancy; i++ {
		instance := i
		childPath := path.Instance(i)
		g.children = append(g.children, NewChild(childPath, mailboxCapacity, func() (Handler, error) {
			return init(instance)
		}, g.events))
	}
	return g
}

// Path returns the group's ActorPath.
func (g *ChildrenGroup) Path() ActorPath { return g.path }

// State returns the group's current lifecycle state.
func (g *ChildrenGroup) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Children returns weak references to every current child incarnation.
func (g *ChildrenGroup) Children() []ChildRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ChildRef, len(g.children))
	for i, c := range g.children {
		out[i] = c.Ref()
	}
	return out
}

// Ref returns a GroupRef usable for Tell/Broadcast dispatch.
func (g *ChildrenGroup) Ref() GroupRef { return GroupRef{path: g.path, group: g} }

// Start spawns every child and the group's own fault-event loop. parentEvents
// is the owning Supervisor's event channel, used only on restart-rate
// exhaustion.
func (g *ChildrenGroup) Start(ctx context.Context, exec *executor.Executor, reg *Registry, parentEvents chan<- faultEvent) {
	g.mu.Lock()
	g.exec = exec
	g.registry = reg
	g.parentEvents = parentEvents
	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.loopDone = make(chan struct{})
	g.state = GroupRunning
	children := append([]*Child(nil), g.children...)
	g.mu.Unlock()

	go g.eventLoop(loopCtx)
	for _, c := range children {
		c.Start(loopCtx, exec, reg)
	}
}

// Stop halts every child with the Kill control message, in reverse declared
// order, unregisters it, and terminates the group's event loop.
func (g *ChildrenGroup) Stop(ctx context.Context) {
	g.mu.Lock()
	children := append([]*Child(nil), g.children...)
	g.state = GroupStopped
	cancel := g.cancel
	g.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].haltAndWait(ctx)
		if g.registry != nil {
			g.registry.Unregister(children[i].Path())
		}
	}
	if cancel != nil {
		cancel()
	}
}

func (g *ChildrenGroup) eventLoop(ctx context.Context) {
	defer close(g.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-g.events:
			g.handleFault(ctx, ev)
		}
	}
}

func (g *ChildrenGroup) handleFault(ctx context.Context, ev faultEvent) {
	if ev.Stopped {
		logger.Debugw("child stopped", "path", ev.Subject.String())
		return
	}

	g.mu.Lock()
	idx := g.indexOfLocked(ev.Subject)
	n := len(g.children)
	g.mu.Unlock()
	if idx < 0 {
		// Subject is not one of this group's children.
		return
	}

	logger.Infow("child faulted", "path", ev.Subject.String(), "reason", ev.Reason.String(), "strategy", g.strategy.String())

	if _, ok := g.limiter.Allow(g.path.String()); !ok {
		g.onExhaustion(ctx)
		return
	}

	targets := restartTargets(g.strategy, idx, n)

	g.mu.Lock()
	children := make([]*Child, len(targets))
	for i, t := range targets {
		children[i] = g.children[t]
	}
	g.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		if targets[i] == idx {
			continue // already terminated; this fault is what we're handling
		}
		children[i].haltAndWait(ctx)
	}
	for _, c := range children {
		c.Restart(ctx, g.drainOnRestart)
	}
}

func (g *ChildrenGroup) onExhaustion(ctx context.Context) {
	logger.Warnw("restart rate exhausted", "path", g.path.String(), "policy", g.restartPolicy.OnExhaustion.String())
	switch g.restartPolicy.OnExhaustion {
	case Stop:
		g.Stop(ctx)
		g.postToParent(faultEvent{Subject: g.path, Stopped: true})
	default:
		g.mu.Lock()
		children := append([]*Child(nil), g.children...)
		g.mu.Unlock()
		for i := len(children) - 1; i >= 0; i-- {
			children[i].haltAndWait(ctx)
		}
		g.postToParent(faultEvent{Subject: g.path, Reason: ReasonExhaustedRestarts})
	}
}

func (g *ChildrenGroup) postToParent(ev faultEvent) {
	if g.parentEvents == nil {
		return
	}
	g.parentEvents <- ev
}

func (g *ChildrenGroup) indexOfLocked(path ActorPath) int {
	for i, c := range g.children {
		if c.Path() == path {
			return i
		}
	}
	return -1
}

// tell dispatches msg to a single child (or, under the Broadcast dispatcher,
// to every child) per the group's Dispatcher.
func (g *ChildrenGroup) tell(msg Message) error {
	g.mu.Lock()
	n := len(g.children)
	g.mu.Unlock()
	if n == 0 {
		return ErrGone
	}

	switch g.dispatcher {
	case Random:
		g.mu.Lock()
		target := g.children[rand.IntN(n)]
		g.mu.Unlock()
		return target.Ref().Tell(msg)
	case Broadcast:
		result := g.broadcastAll(msg)
		for _, e := range result.Entries {
			if e.Err != nil {
				return e.Err
			}
		}
		return nil
	case RoundRobin:
		fallthrough
	default:
		idx := int(atomic.AddUint64(&g.rrSeq, 1)-1) % n
		g.mu.Lock()
		target := g.children[idx]
		g.mu.Unlock()
		return target.Ref().Tell(msg)
	}
}

func (g *ChildrenGroup) broadcastAll(msg Message) BroadcastResult {
	g.mu.Lock()
	children := append([]*Child(nil), g.children...)
	g.mu.Unlock()

	result := BroadcastResult{Entries: make([]BroadcastEntry, len(children))}
	for i, c := range children {
		result.Entries[i] = BroadcastEntry{Path: c.Path(), Err: c.Ref().Tell(msg)}
	}
	return result
}

// GroupRef is a handle to a ChildrenGroup used for message dispatch.
type GroupRef struct {
	path  ActorPath
	group *ChildrenGroup
}

// Path returns the group's ActorPath.
func (r GroupRef) Path() ActorPath { return r.path }

// Tell dispatches msg to one (or, under Broadcast dispatch, every) child per
// the group's Dispatcher.
func (r GroupRef) Tell(msg Message) error {
	if r.group == nil {
		return ErrGone
	}
	return r.group.tell(msg)
}

// Broadcast fans msg out to every child independently of the group's
// configured Dispatcher, returning a per-child aggregate result.
func (r GroupRef) Broadcast(msg Message) BroadcastResult {
	if r.group == nil {
		return BroadcastResult{}
	}
	return r.group.broadcastAll(msg)
}
