package quip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailboxFIFOOrdering(t *testing.T) {
	mb := NewMailbox(-1)
	for i := 0; i < 5; i++ {
		require.NoError(t, mb.Enqueue(Envelope{Payload: UserMessage(i)}))
	}
	for i := 0; i < 5; i++ {
		env, ok, err := mb.DequeueCtx(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, env.Payload.Payload, "expected FIFO order at position %d", i)
	}
}

func TestMailboxBoundedBackpressure(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.Enqueue(Envelope{Payload: UserMessage(1)}))
	require.ErrorIs(t, mb.Enqueue(Envelope{Payload: UserMessage(2)}), ErrBackpressure)
}

func TestMailboxZeroCapacityAlwaysBackpressures(t *testing.T) {
	mb := NewMailbox(0)
	require.ErrorIs(t, mb.Enqueue(Envelope{Payload: UserMessage(1)}), ErrBackpressure)
}

func TestMailboxCloseDrainsThenStops(t *testing.T) {
	mb := NewMailbox(-1)
	_ = mb.Enqueue(Envelope{Payload: UserMessage("a")})
	mb.Close()

	env, ok, err := mb.DequeueCtx(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "expected the queued envelope to still drain")
	require.Equal(t, "a", env.Payload.Payload)

	_, ok, err = mb.DequeueCtx(context.Background())
	require.NoError(t, err)
	require.False(t, ok, "expected ok=false once drained and closed")

	require.ErrorIs(t, mb.Enqueue(Envelope{}), ErrShuttingDown)
}

func TestMailboxDequeueCtxCancellation(t *testing.T) {
	mb := NewMailbox(-1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := mb.DequeueCtx(ctx)
	require.False(t, ok)
	require.Error(t, err, "expected a context deadline error on an empty mailbox")
}

func TestMailboxReopenAfterDrain(t *testing.T) {
	mb := NewMailbox(-1)
	_ = mb.Enqueue(Envelope{Payload: UserMessage(1)})
	dropped := mb.Drain()
	require.Len(t, dropped, 1, "expected Drain to return the one queued envelope")
	require.Equal(t, 0, mb.Len(), "expected mailbox empty after Drain")
	require.NoError(t, mb.Enqueue(Envelope{Payload: UserMessage(2)}), "enqueue after Drain (mailbox never closed) should succeed")
}
