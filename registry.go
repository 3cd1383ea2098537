package quip

import (
	"hash/fnv"
	"sync"
)

const registryShardCount = 16

// Inbox is anything that accepts envelopes — satisfied by *Mailbox. It is an
// interface rather than a raw channel because Mailbox's DequeueCtx needs to
// observe context cancellation and a closed/backpressure state that a bare
// `chan Envelope` cannot express on the send side.
type Inbox interface {
	Enqueue(Envelope) error
}

// registryEntry is what the registry tracks for a live path: the current
// generation (bumped on every restart) and a handle to the owner's inbox.
type registryEntry struct {
	generation uint64
	inbox      Inbox
}

type registryShard struct {
	mu sync.RWMutex
	m  map[ActorPath]registryEntry
}

// Registry is the single source of truth for tell/ask by ActorPath. It is a
// sharded concurrent map so that lookups from many worker goroutines don't
// serialize on one lock.
type Registry struct {
	shards [registryShardCount]*registryShard
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{m: make(map[ActorPath]registryEntry, 16)}
	}
	return r
}

func (r *Registry) shardFor(p ActorPath) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p.str))
	return r.shards[h.Sum32()%registryShardCount]
}

// Register records path as live at the given generation with inbox as its
// delivery target, overwriting any previous (stale) entry — used both for
// first registration and for generation bumps on restart.
func (r *Registry) Register(p ActorPath, generation uint64, inbox Inbox) {
	shard := r.shardFor(p)
	shard.mu.Lock()
	shard.m[p] = registryEntry{generation: generation, inbox: inbox}
	shard.mu.Unlock()
}

// Unregister removes path entirely, e.g. on terminal stop.
func (r *Registry) Unregister(p ActorPath) {
	shard := r.shardFor(p)
	shard.mu.Lock()
	delete(shard.m, p)
	shard.mu.Unlock()
}

// Lookup returns the live entry for path, or ok=false if unregistered.
func (r *Registry) Lookup(p ActorPath) (generation uint64, inbox Inbox, ok bool) {
	shard := r.shardFor(p)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	e, found := shard.m[p]
	if !found {
		return 0, nil, false
	}
	return e.generation, e.inbox, true
}

// Resolve checks whether a generation-stamped reference is still live,
// returning ErrGone if the path is unregistered or the generation is stale
// (a stale reference is never silently rebound).
func (r *Registry) Resolve(p ActorPath, generation uint64) (Inbox, error) {
	gen, inbox, ok := r.Lookup(p)
	if !ok || gen != generation {
		return nil, ErrGone
	}
	return inbox, nil
}
