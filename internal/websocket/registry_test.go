package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

type mockConn struct {
	id     string
	mu     sync.Mutex
	sent   []*types.Envelope
	closed bool
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(env *types.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnectionClosed
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockConn) received() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

var _ interfaces.Rooms = (*Registry)(nil)

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.RegisterConnection(nil), ErrNilConnection)

	c := &mockConn{id: "c1"}
	require.NoError(t, r.RegisterConnection(c))
	assert.ErrorIs(t, r.RegisterConnection(&mockConn{id: "c1"}), ErrDuplicateConnection)

	got, ok := r.GetConnection("c1")
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := NewRegistry()
	a, b, c := &mockConn{id: "a"}, &mockConn{id: "b"}, &mockConn{id: "c"}
	for _, conn := range []*mockConn{a, b, c} {
		require.NoError(t, r.RegisterConnection(conn))
	}
	r.Join("S1", a)
	r.Join("S1", b)
	r.Join("S2", c)

	n := r.Broadcast("S1", &types.Envelope{Type: "x"}, "a")
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, a.received())
	assert.Equal(t, 1, b.received())
	assert.Equal(t, 0, c.received())

	assert.Equal(t, 2, r.Broadcast("S1", &types.Envelope{Type: "y"}, ""))
	assert.Equal(t, 0, r.Broadcast("missing", &types.Envelope{Type: "z"}, ""))
}

func TestRegistry_LeaveAndEmptyRoomCleanup(t *testing.T) {
	r := NewRegistry()
	a := &mockConn{id: "a"}
	require.NoError(t, r.RegisterConnection(a))
	r.Join("S1", a)
	assert.Equal(t, Stats{Connections: 1, Rooms: 1}, r.GetStats())

	r.Leave("S1", "a")
	r.Leave("S1", "a")
	r.Leave("nope", "zzz")
	assert.Equal(t, Stats{Connections: 1, Rooms: 0}, r.GetStats())
	assert.Empty(t, r.RoomMembers("S1"))
}

func TestRegistry_UnregisterRemovesMemberships(t *testing.T) {
	r := NewRegistry()
	a, b := &mockConn{id: "a"}, &mockConn{id: "b"}
	require.NoError(t, r.RegisterConnection(a))
	require.NoError(t, r.RegisterConnection(b))
	r.Join("S1", a)
	r.Join("S1", b)
	r.Join("S2", a)

	r.UnregisterConnection(a)
	_, ok := r.GetConnection("a")
	assert.False(t, ok)
	assert.Len(t, r.RoomMembers("S1"), 1)
	assert.Empty(t, r.RoomMembers("S2"))
	assert.Equal(t, 1, r.GetStats().Rooms)

	// idempotent
	r.UnregisterConnection(a)
	r.UnregisterConnection(nil)
}

func TestRegistry_UnregisterOnlySameInstance(t *testing.T) {
	r := NewRegistry()
	a := &mockConn{id: "a"}
	require.NoError(t, r.RegisterConnection(a))

	r.UnregisterConnection(&mockConn{id: "a"})
	_, ok := r.GetConnection("a")
	assert.True(t, ok)
}

func TestRegistry_SendTo(t *testing.T) {
	r := NewRegistry()
	a := &mockConn{id: "a"}
	require.NoError(t, r.RegisterConnection(a))

	require.NoError(t, r.SendTo("a", &types.Envelope{Type: "x"}))
	assert.Equal(t, 1, a.received())
	assert.ErrorIs(t, r.SendTo("ghost", &types.Envelope{Type: "x"}), interfaces.ErrConnectionGone)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	conns := []*mockConn{{id: "a"}, {id: "b"}}
	for _, c := range conns {
		require.NoError(t, r.RegisterConnection(c))
	}
	r.CloseAll()
	for _, c := range conns {
		assert.True(t, c.closed)
	}
}

func TestRegistry_ConcurrentJoinBroadcastUnregister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &mockConn{id: fmt.Sprintf("c%d", i)}
			_ = r.RegisterConnection(c)
			r.Join("S", c)
			r.Broadcast("S", &types.Envelope{Type: "x"}, c.id)
			r.UnregisterConnection(c)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, Stats{}, r.GetStats())
}
