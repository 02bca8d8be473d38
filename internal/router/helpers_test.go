package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duasync/internal/session"
	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []*types.Envelope
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env *types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, e := range c.sent {
		out = append(out, e.Type)
	}
	return out
}

func (c *fakeConn) count(eventType string) int {
	n := 0
	for _, t := range c.kinds() {
		if t == eventType {
			n++
		}
	}
	return n
}

// last returns the most recent envelope of eventType, or nil
func (c *fakeConn) last(eventType string) *types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == eventType {
			return c.sent[i]
		}
	}
	return nil
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

type fakeRooms struct {
	mu    sync.Mutex
	rooms map[string]map[string]interfaces.Connection
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rooms: make(map[string]map[string]interfaces.Connection)}
}

func (f *fakeRooms) Join(sessionID string, conn interfaces.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[sessionID] == nil {
		f.rooms[sessionID] = make(map[string]interfaces.Connection)
	}
	f.rooms[sessionID][conn.ID()] = conn
}

func (f *fakeRooms) Leave(sessionID, connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms[sessionID], connectionID)
}

func (f *fakeRooms) Broadcast(sessionID string, env *types.Envelope, excludeID string) int {
	f.mu.Lock()
	members := make([]interfaces.Connection, 0)
	for id, c := range f.rooms[sessionID] {
		if id != excludeID {
			members = append(members, c)
		}
	}
	f.mu.Unlock()
	for _, c := range members {
		_ = c.Send(env)
	}
	return len(members)
}

func (f *fakeRooms) SendTo(connectionID string, env *types.Envelope) error {
	return interfaces.ErrConnectionGone
}

func (f *fakeRooms) has(sessionID, connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rooms[sessionID][connID]
	return ok
}

type fakeCatalog struct {
	totals map[string]int
	bodies map[string]*types.ContentBody
}

func (f *fakeCatalog) Metadata(ctx context.Context, contentType string) ([]types.ContentMetadata, error) {
	var out []types.ContentMetadata
	for _, b := range f.bodies {
		if contentType == "" || b.Type == contentType {
			out = append(out, b.ContentMetadata)
		}
	}
	return out, nil
}

func (f *fakeCatalog) Body(ctx context.Context, contentType, contentID string) (*types.ContentBody, error) {
	b, ok := f.bodies[contentType+"/"+contentID]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return b, nil
}

func (f *fakeCatalog) TotalUnits(ctx context.Context, contentType, contentID string) (int, error) {
	return f.totals[contentType+"/"+contentID], nil
}

// harness serializes handler calls and timer tasks the way the hub does
type harness struct {
	t      *testing.T
	mu     sync.Mutex
	reg    *session.Registry
	rooms  *fakeRooms
	router *Router
}

func newHarness(t *testing.T, opts Options, catalog interfaces.ContentCatalog, codes ...string) *harness {
	t.Helper()
	if len(codes) == 0 {
		codes = []string{"AB12CD"}
	}
	i := 0
	gen := func() (string, error) {
		c := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return c, nil
	}
	h := &harness{t: t, reg: session.NewRegistry(session.WithCodeGenerator(gen)), rooms: newFakeRooms()}
	h.router = NewRouter(h.reg, h.rooms, catalog, opts)
	h.router.SetDispatcher(h)
	t.Cleanup(h.router.Shutdown)
	return h
}

func (h *harness) Dispatch(fn func(ctx context.Context)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(context.Background())
	return true
}

func (h *harness) send(conn *fakeConn, eventType string, payload interface{}) error {
	h.t.Helper()
	env, err := types.NewEnvelope(eventType, payload)
	require.NoError(h.t, err)
	return h.sendEnv(conn, env)
}

func (h *harness) sendRaw(conn *fakeConn, eventType, raw string) error {
	return h.sendEnv(conn, &types.Envelope{Type: eventType, Data: json.RawMessage(raw)})
}

func (h *harness) sendEnv(conn *fakeConn, env *types.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.router.HandleMessage(context.Background(), conn, env)
}

func (h *harness) drop(conn *fakeConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.router.HandleDisconnect(context.Background(), conn.ID())
}

func (h *harness) session(id string) *session.Session {
	h.t.Helper()
	s, ok := h.reg.GetSession(id)
	require.True(h.t, ok, "session %s missing", id)
	return s
}

// create makes conn host of a new session and returns its id
func (h *harness) create(conn *fakeConn, name string) string {
	h.t.Helper()
	require.NoError(h.t, h.send(conn, types.EventCreateSession, types.CreateSessionRequest{Name: name}))
	created := decode[types.SessionCreatedEvent](h.t, conn.last(types.EventSessionCreated))
	return created.SessionID
}

func (h *harness) join(conn *fakeConn, sessionID, name string) {
	h.t.Helper()
	require.NoError(h.t, h.send(conn, types.EventJoinSession, types.JoinSessionRequest{SessionID: sessionID, Name: name}))
}

func decode[T any](t *testing.T, env *types.Envelope) T {
	t.Helper()
	require.NotNil(t, env, "expected envelope")
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.GracePeriod = 50 * time.Millisecond
	return opts
}
