package quip

import "context"

// Handler is the user-supplied dispatch target for a Child's mailbox loop.
// Receive runs once per envelope dequeued; its return value and error are
// relayed to the sender's Ask reply channel (if any) and otherwise ignored —
// a returned error is the handler's concern and does not, by itself,
// terminate the child (only an escaping panic or an init failure does).
type Handler interface {
	Receive(ctx context.Context, env Envelope) (any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, env Envelope) (any, error)

// Receive calls f.
func (f HandlerFunc) Receive(ctx context.Context, env Envelope) (any, error) {
	return f(ctx, env)
}
