package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"duasync/pkg/types"
)

// Listener receives transport lifecycle and inbound events
type Listener interface {
	OnConnected()
	OnDisconnected(err error)
	OnEnvelope(env *types.Envelope)
}

// TransportOptions tunes dialing and reconnection
type TransportOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	Header         http.Header
}

// DefaultTransportOptions reconnects after 1s, doubling to a 5s cap
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// Transport keeps one WebSocket open to the server, redialing forever until
// Close. Responses are matched to requests by requestId; everything else
// goes to the listener.
type Transport struct {
	url      string
	opts     TransportOptions
	dialer   *websocket.Dialer
	listener Listener

	mu   sync.RWMutex
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *types.Envelope

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
	started bool
}

func NewTransport(url string, opts TransportOptions) *Transport {
	def := DefaultTransportOptions()
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(def.MaxBackoff, opts.InitialBackoff)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		url:     url,
		opts:    opts,
		dialer:  websocket.DefaultDialer,
		pending: make(map[string]chan *types.Envelope),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// SetListener must be called before Start
func (t *Transport) SetListener(l Listener) {
	t.listener = l
}

// Start begins the dial loop in the background
func (t *Transport) Start() {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.run()
}

// Online reports whether a connection is currently open
func (t *Transport) Online() bool {
	return t.current() != nil
}

func (t *Transport) current() *websocket.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

func (t *Transport) setConn(c *websocket.Conn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

// Backoff returns the delay before redial attempt n (0-based)
func (t *Transport) Backoff(attempt int) time.Duration {
	d := t.opts.InitialBackoff
	for i := 0; i < attempt && d < t.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, t.opts.MaxBackoff)
}

func (t *Transport) run() {
	defer close(t.done)

	attempt := 0
	for {
		if t.ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(t.ctx, t.opts.DialTimeout)
		conn, _, err := t.dialer.DialContext(dialCtx, t.url, t.opts.Header)
		cancel()
		if err != nil {
			delay := t.Backoff(attempt)
			log.Debug().Err(err).Str("url", t.url).Dur("retry_in", delay).Msg("dial failed")
			attempt++
			if !t.wait(delay) {
				return
			}
			continue
		}

		attempt = 0
		t.setConn(conn)
		log.Debug().Str("url", t.url).Msg("transport connected")
		if t.listener != nil {
			t.listener.OnConnected()
		}

		err = t.readLoop(conn)

		t.setConn(nil)
		_ = conn.Close()
		t.failPending()

		if t.ctx.Err() != nil {
			return
		}
		log.Debug().Err(err).Msg("transport disconnected")
		if t.listener != nil {
			t.listener.OnDisconnected(err)
		}
		attempt = 1
		if !t.wait(t.Backoff(0)) {
			return
		}
	}
}

func (t *Transport) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			log.Debug().Err(err).Msg("dropping malformed server frame")
			continue
		}

		if env.Type == types.EventResponse && env.RequestID != "" {
			if t.deliver(&env) {
				continue
			}
		}
		if t.listener != nil {
			t.listener.OnEnvelope(&env)
		}
	}
}

func (t *Transport) deliver(env *types.Envelope) bool {
	t.pendingMu.Lock()
	ch, ok := t.pending[env.RequestID]
	if ok {
		delete(t.pending, env.RequestID)
	}
	t.pendingMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// failPending wakes every waiting Request with a nil response
func (t *Transport) failPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		ch <- nil
		delete(t.pending, id)
	}
}

// Send writes one event; it fails fast with ErrNotConnected while offline
func (t *Transport) Send(eventType string, payload interface{}) error {
	env, err := types.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	return t.write(env)
}

func (t *Transport) write(env *types.Envelope) error {
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	return conn.WriteJSON(env)
}

// Request sends an event tagged with a fresh requestId and waits for the
// matching response
func (t *Transport) Request(ctx context.Context, eventType string, payload interface{}) (*types.Envelope, error) {
	env, err := types.NewEnvelope(eventType, payload)
	if err != nil {
		return nil, err
	}
	env.RequestID = uuid.NewString()

	ch := make(chan *types.Envelope, 1)
	t.pendingMu.Lock()
	t.pending[env.RequestID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, env.RequestID)
		t.pendingMu.Unlock()
	}()

	if err := t.write(env); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrNotConnected
		}
		if resp.Error != "" {
			return nil, &RemoteError{Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, ErrTransportClosed
	}
}

// Close stops reconnecting and closes the current connection
func (t *Transport) Close() error {
	t.cancel()
	if conn := t.current(); conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}

	t.startMu.Lock()
	started := t.started
	t.startMu.Unlock()
	if started {
		<-t.done
	}
	return nil
}
