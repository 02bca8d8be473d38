package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

type stubConn struct{ id string }

func (c *stubConn) ID() string                     { return c.id }
func (c *stubConn) Send(env *types.Envelope) error { return nil }
func (c *stubConn) Close() error                   { return nil }

// recordingHandler records calls and tracks concurrent entry
type recordingHandler struct {
	mu          sync.Mutex
	messages    []string
	disconnects []string
	inside      atomic.Int32
	overlapped  atomic.Bool
	panicOn     string
}

func (r *recordingHandler) enter() func() {
	if r.inside.Add(1) > 1 {
		r.overlapped.Store(true)
	}
	return func() { r.inside.Add(-1) }
}

func (r *recordingHandler) HandleMessage(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	defer r.enter()()
	if env.Type == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	r.messages = append(r.messages, env.Type)
	r.mu.Unlock()
	if env.Type == "fail" {
		return errors.New("handler failure")
	}
	return nil
}

func (r *recordingHandler) HandleDisconnect(ctx context.Context, connectionID string) {
	defer r.enter()()
	r.mu.Lock()
	r.disconnects = append(r.disconnects, connectionID)
	r.mu.Unlock()
}

func (r *recordingHandler) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), append([]string(nil), r.disconnects...)
}

func startHub(t *testing.T, handler interfaces.MessageHandler) *Hub {
	t.Helper()
	h := NewHub(handler)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(&recordingHandler{})
	ctx := context.Background()

	require.NoError(t, h.Start(ctx))
	assert.ErrorIs(t, h.Start(ctx), ErrHubAlreadyRunning)
	assert.True(t, h.IsRunning())

	require.NoError(t, h.Stop())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
	assert.False(t, h.IsRunning())
}

func TestHub_RejectsWorkWhenStopped(t *testing.T) {
	h := NewHub(&recordingHandler{})
	conn := &stubConn{id: "c1"}

	assert.ErrorIs(t, h.SubmitMessage(conn, &types.Envelope{Type: "x"}), ErrHubNotRunning)
	assert.ErrorIs(t, h.SubmitDisconnect("c1"), ErrHubNotRunning)
	assert.False(t, h.Dispatch(func(ctx context.Context) {}))
	assert.ErrorIs(t, h.SubmitMessage(nil, &types.Envelope{Type: "x"}), ErrNilConnection)
}

func TestHub_ProcessesInOrderOnOneGoroutine(t *testing.T) {
	handler := &recordingHandler{}
	h := startHub(t, handler)
	conn := &stubConn{id: "c1"}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = h.SubmitMessage(conn, &types.Envelope{Type: "tick"})
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		msgs, _ := handler.snapshot()
		return len(msgs) == 200
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, handler.overlapped.Load(), "handler must never run concurrently")

	// a single producer keeps its order
	require.NoError(t, h.SubmitMessage(conn, &types.Envelope{Type: "a"}))
	require.NoError(t, h.SubmitMessage(conn, &types.Envelope{Type: "b"}))
	require.NoError(t, h.SubmitDisconnect("c1"))
	require.Eventually(t, func() bool {
		msgs, discs := handler.snapshot()
		return len(msgs) == 202 && len(discs) == 1
	}, time.Second, 5*time.Millisecond)
	msgs, discs := handler.snapshot()
	assert.Equal(t, []string{"a", "b"}, msgs[200:])
	assert.Equal(t, []string{"c1"}, discs)
}

func TestHub_DispatchRunsTasksSerially(t *testing.T) {
	handler := &recordingHandler{}
	h := startHub(t, handler)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		go func() {
			h.Dispatch(func(ctx context.Context) {
				defer handler.enter()()
				ran.Add(1)
			})
		}()
	}
	require.Eventually(t, func() bool { return ran.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.False(t, handler.overlapped.Load())
}

func TestHub_RecoversFromHandlerPanic(t *testing.T) {
	handler := &recordingHandler{panicOn: "explode"}
	h := startHub(t, handler)
	conn := &stubConn{id: "c1"}

	require.NoError(t, h.SubmitMessage(conn, &types.Envelope{Type: "explode"}))
	require.NoError(t, h.SubmitMessage(conn, &types.Envelope{Type: "fail"}))
	require.NoError(t, h.SubmitMessage(conn, &types.Envelope{Type: "after"}))

	require.Eventually(t, func() bool {
		msgs, _ := handler.snapshot()
		return len(msgs) == 2
	}, time.Second, 5*time.Millisecond)
	msgs, _ := handler.snapshot()
	assert.Equal(t, []string{"fail", "after"}, msgs)
	assert.True(t, h.IsRunning())
}

func TestHub_ContextCancelStopsLoop(t *testing.T) {
	h := NewHub(&recordingHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))

	cancel()
	require.Eventually(t, func() bool { return !h.IsRunning() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
}

func TestHub_MessageChannelFull(t *testing.T) {
	block := make(chan struct{})
	h := NewHub(&recordingHandler{})
	require.NoError(t, h.Start(context.Background()))
	defer func() {
		close(block)
		_ = h.Stop()
	}()

	// park the loop so the buffer fills
	require.True(t, h.Dispatch(func(ctx context.Context) { <-block }))
	conn := &stubConn{id: "c1"}

	var err error
	for i := 0; i < 2000 && err == nil; i++ {
		err = h.SubmitMessage(conn, &types.Envelope{Type: "tick"})
	}
	assert.ErrorIs(t, err, ErrMessageChannelFull)
}
