package quip

import "sync/atomic"

// CancellationToken is the cooperative cancellation flag carried by a
// ProcStack. Cancel() only marks it; nothing is interrupted mid-flight. A
// Child's mailbox loop checks the flag before each mailbox receive, and any
// ProcFunc may poll Cancelled itself. A mailbox receive that is already
// blocked, and an Ask waiting for its reply, do not observe the flag.
type CancellationToken struct {
	flag atomic.Bool
}

// Cancel marks the token as cancelled. Idempotent.
func (t *CancellationToken) Cancel() {
	if t == nil {
		return
	}
	t.flag.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *CancellationToken) Cancelled() bool {
	return t != nil && t.flag.Load()
}
