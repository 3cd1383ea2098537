package quip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoHandler() (Handler, error) {
	return HandlerFunc(func(ctx context.Context, env Envelope) (any, error) {
		return env.Payload.Payload, nil
	}), nil
}

func newTestChild(t *testing.T, init func() (Handler, error)) (*Child, *Registry, chan faultEvent) {
	t.Helper()
	ex := newTestExecutor(t)
	reg := NewRegistry()
	events := make(chan faultEvent, 8)
	c := NewChild(Intern("/root/child_"+t.Name()), 4, init, events)
	jh := c.Start(context.Background(), ex, reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.haltAndWait(ctx)
		_, _ = jh.Wait(ctx)
	})
	return c, reg, events
}

func TestChildAskRoundTrips(t *testing.T) {
	c, _, _ := newTestChild(t, echoHandler)
	ref := c.Ref()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := ref.Ask(ctx, "hello", 0)
	require.NoError(t, err)
	require.Equal(t, "hello", result)
}

func TestChildStopPostsStoppedNotFaulted(t *testing.T) {
	c, _, events := newTestChild(t, echoHandler)
	ref := c.Ref()
	require.NoError(t, ref.Stop())

	select {
	case ev := <-events:
		require.True(t, ev.Stopped, "expected a graceful Stop to report Stopped=true, got %+v", ev)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the stop faultEvent")
	}
}

func TestChildRefStaleAfterRestart(t *testing.T) {
	c, _, _ := newTestChild(t, echoHandler)
	stale := c.Ref()

	c.haltAndWait(context.Background())
	c.Restart(context.Background(), false)
	// give the new incarnation a moment to register
	time.Sleep(20 * time.Millisecond)

	require.ErrorIs(t, stale.Tell(UserMessage("x")), ErrGone)

	fresh := c.Ref()
	require.NotEqual(t, stale.Generation(), fresh.Generation(), "expected Restart to bump the generation")
	require.NoError(t, fresh.Tell(UserMessage("x")))
}

func TestChildHandlerPanicFailsAskAndFaults(t *testing.T) {
	c, _, events := newTestChild(t, func() (Handler, error) {
		return HandlerFunc(func(ctx context.Context, env Envelope) (any, error) {
			panic("handler exploded")
		}), nil
	})
	ref := c.Ref()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ref.Ask(ctx, "x", 0)
	require.ErrorIs(t, err, ErrRecipientFailed)

	select {
	case ev := <-events:
		require.Equal(t, ReasonPanic, ev.Reason, "expected a panic faultEvent, got %+v", ev)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the panic faultEvent")
	}
}

func TestChildInitErrorFaults(t *testing.T) {
	wantErr := errors.New("init failed")
	ex := newTestExecutor(t)
	reg := NewRegistry()
	events := make(chan faultEvent, 8)
	c := NewChild(Intern("/root/child_init_err"), 4, func() (Handler, error) {
		return nil, wantErr
	}, events)
	c.Start(context.Background(), ex, reg)

	select {
	case ev := <-events:
		require.ErrorIs(t, ev.Cause, wantErr)
		require.Equal(t, ReasonErrored, ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the init faultEvent")
	}
}
