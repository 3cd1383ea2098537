package quip

import (
	"context"
	"sync"
	"time"
)

// Envelope is the unit of message transport. Envelopes are moved, never
// shared: once handed to a mailbox, only its single consumer reads it.
type Envelope struct {
	Sender  ActorPath
	Payload Message
	ReplyTo *ReplyChan
}

type replyOutcome struct {
	value any
	err   error
}

// ReplyChan is a single-producer, single-consumer one-shot reply slot
// allocated by Ask. The child completes it with the handler's return value
// or error; if the envelope is discarded by Mailbox.Drain before it is
// handled, the slot is failed with ErrNoReply. Once completed (by reply, no-reply, timeout, or recipient failure) every
// further completion attempt is silently ignored, realizing "late replies
// are dropped" from the concurrency model.
type ReplyChan struct {
	ch   chan replyOutcome
	once sync.Once
}

func newReplyChan() *ReplyChan {
	return &ReplyChan{ch: make(chan replyOutcome, 1)}
}

func (r *ReplyChan) complete(o replyOutcome) {
	r.once.Do(func() {
		r.ch <- o
	})
}

// Reply delivers value as the single reply. Subsequent calls (to Reply or
// any other completion) are no-ops.
func (r *ReplyChan) Reply(value any) {
	r.complete(replyOutcome{value: value})
}

func (r *ReplyChan) failWith(err error) {
	r.complete(replyOutcome{err: err})
}

// wait blocks until the reply arrives, the context is done (-> ErrTimeout),
// or the slot is abandoned for another reason.
func (r *ReplyChan) wait(ctx context.Context) (any, error) {
	select {
	case o := <-r.ch:
		return o.value, o.err
	case <-ctx.Done():
		r.failWith(ErrTimeout)
		// A reply may have raced in concurrently with the deadline; prefer
		// whichever value is already buffered if complete() lost the race
		// (the once guard means at most one of the two was actually
		// recorded, but the buffered slot still holds it).
		select {
		case o := <-r.ch:
			return o.value, o.err
		default:
			return nil, ErrTimeout
		}
	}
}

// askDeadline turns an optional timeout into a context with cancellation,
// defaulting to no deadline (caller's ctx governs).
func askDeadline(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
