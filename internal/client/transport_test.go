package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duasync/pkg/types"
)

type recordingListener struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	envelopes   []*types.Envelope
}

func (l *recordingListener) OnConnected() {
	l.mu.Lock()
	l.connects++
	l.mu.Unlock()
}

func (l *recordingListener) OnDisconnected(error) {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()
}

func (l *recordingListener) OnEnvelope(env *types.Envelope) {
	l.mu.Lock()
	l.envelopes = append(l.envelopes, env)
	l.mu.Unlock()
}

func (l *recordingListener) counts() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects, l.disconnects, len(l.envelopes)
}

// echoServer answers get_content_body requests and pushes a connected
// event on every new socket. kick closes all open sockets.
type echoServer struct {
	server *httptest.Server
	mu     sync.Mutex
	conns  []*websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	s := &echoServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		hello, _ := types.NewEnvelope(types.EventConnected, types.ConnectedEvent{ConnectionID: "c1"})
		_ = conn.WriteJSON(hello)

		for {
			var env types.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case types.EventGetContentBody:
				var req types.ContentBodyRequest
				_ = env.Decode(&req)
				if req.ContentID == "missing" {
					_ = conn.WriteJSON(&types.Envelope{Type: types.EventResponse, RequestID: env.RequestID, Error: "content not found"})
					continue
				}
				resp, _ := types.NewEnvelope(types.EventResponse, body(req.ContentType, req.ContentID, "Al-Fatiha", 7))
				resp.RequestID = env.RequestID
				_ = conn.WriteJSON(resp)
			case "stall":
				// never answered
			default:
				out, _ := types.NewEnvelope(types.EventParticipantsUpdated, types.ParticipantsUpdatedEvent{})
				_ = conn.WriteJSON(out)
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *echoServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *echoServer) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func fastOptions() TransportOptions {
	return TransportOptions{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}
}

func startTransport(t *testing.T, url string) (*Transport, *recordingListener) {
	t.Helper()
	tr := NewTransport(url, fastOptions())
	l := &recordingListener{}
	tr.SetListener(l)
	tr.Start()
	t.Cleanup(func() { _ = tr.Close() })
	return tr, l
}

func TestTransport_Backoff(t *testing.T) {
	tr := NewTransport("ws://unused", TransportOptions{})
	assert.Equal(t, time.Second, tr.Backoff(0))
	assert.Equal(t, 2*time.Second, tr.Backoff(1))
	assert.Equal(t, 4*time.Second, tr.Backoff(2))
	assert.Equal(t, 5*time.Second, tr.Backoff(3))
	assert.Equal(t, 5*time.Second, tr.Backoff(50))
}

func TestTransport_SendWhileOffline(t *testing.T) {
	tr := NewTransport("ws://127.0.0.1:1/ws", fastOptions())
	assert.False(t, tr.Online())
	assert.ErrorIs(t, tr.Send(types.EventCreateSession, types.CreateSessionRequest{Name: "Amina"}), ErrNotConnected)
	require.NoError(t, tr.Close())
}

func TestTransport_RequestResponse(t *testing.T) {
	srv := newEchoServer(t)
	tr, l := startTransport(t, srv.url())

	require.Eventually(t, tr.Online, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := NewRemoteResolver(tr).Resolve(ctx, "quran", "1")
	require.NoError(t, err)
	assert.Equal(t, "Al-Fatiha", got.Title)

	_, err = tr.Request(ctx, types.EventGetContentBody, types.ContentBodyRequest{ContentType: "quran", ContentID: "missing"})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "content not found", remote.Message)

	// responses are never forwarded to the listener
	require.Eventually(t, func() bool { _, _, n := l.counts(); return n >= 1 }, time.Second, 5*time.Millisecond)
	l.mu.Lock()
	for _, env := range l.envelopes {
		assert.NotEqual(t, types.EventResponse, env.Type)
	}
	l.mu.Unlock()
}

func TestTransport_PushEventsReachListener(t *testing.T) {
	srv := newEchoServer(t)
	tr, l := startTransport(t, srv.url())
	require.Eventually(t, tr.Online, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Send(types.EventCreateSession, types.CreateSessionRequest{Name: "Amina"}))
	require.Eventually(t, func() bool { _, _, n := l.counts(); return n >= 2 }, time.Second, 5*time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, types.EventConnected, l.envelopes[0].Type)
	assert.Equal(t, types.EventParticipantsUpdated, l.envelopes[1].Type)
}

func TestTransport_ReconnectsAfterServerDrop(t *testing.T) {
	srv := newEchoServer(t)
	tr, l := startTransport(t, srv.url())
	require.Eventually(t, tr.Online, time.Second, 5*time.Millisecond)

	srv.kick()

	require.Eventually(t, func() bool {
		c, d, _ := l.counts()
		return d >= 1 && c >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, tr.Online())
}

func TestTransport_PendingRequestFailsOnDisconnect(t *testing.T) {
	srv := newEchoServer(t)
	tr, _ := startTransport(t, srv.url())
	require.Eventually(t, tr.Online, time.Second, 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), "stall", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	srv.kick()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not released on disconnect")
	}
}

func TestTransport_RequestHonoursContext(t *testing.T) {
	srv := newEchoServer(t)
	tr, _ := startTransport(t, srv.url())
	require.Eventually(t, tr.Online, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := tr.Request(ctx, "stall", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_CloseStopsRedialing(t *testing.T) {
	srv := newEchoServer(t)
	tr := NewTransport(srv.url(), fastOptions())
	l := &recordingListener{}
	tr.SetListener(l)
	tr.Start()
	require.Eventually(t, tr.Online, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Close())
	assert.False(t, tr.Online())

	time.Sleep(60 * time.Millisecond)
	c, d, _ := l.counts()
	assert.Equal(t, 1, c)
	assert.Equal(t, 0, d)
	assert.ErrorIs(t, tr.Send(types.EventCreateSession, nil), ErrNotConnected)
}
