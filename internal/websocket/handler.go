package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"duasync/internal/observability"
	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

// EventSink receives inbound traffic; implemented by the hub
type EventSink interface {
	SubmitMessage(conn interfaces.Connection, env *types.Envelope) error
	SubmitDisconnect(connID string) error
}

// Options tunes transport timing
type Options struct {
	AllowedOrigins []string
	ReadLimit      int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
}

// DefaultOptions returns the heartbeat and buffer defaults
// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
// detects dead peers well inside the participant grace window
func DefaultOptions() Options {
	return Options{
		ReadLimit:    64 * 1024,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   100,
	}
}

// Handler upgrades HTTP requests and pumps frames between sockets and the hub
type Handler struct {
	registry *Registry
	sink     EventSink
	upgrader websocket.Upgrader
	opts     Options
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *Registry, sink EventSink, opts Options) *Handler {
	def := DefaultOptions()
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	h := &Handler{registry: registry, sink: sink, opts: opts}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      originChecker(opts.AllowedOrigins),
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// originChecker allows any origin when the list is empty or contains "*"
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser clients do not send an Origin
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// HandleWebSocket upgrades the request, registers the connection and starts its pumps
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, h.opts.SendBuffer, h.opts.WriteTimeout)
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Error().Err(err).Msg("failed to register connection")
		_ = wsConn.Close()
		return
	}
	log.Info().Str("conn", wsConn.ID()).Str("remote", r.RemoteAddr).Msg("client connected")

	connected, _ := types.NewEnvelope(types.EventConnected, types.ConnectedEvent{ConnectionID: wsConn.ID()})
	if err := wsConn.Send(connected); err != nil {
		log.Debug().Err(err).Str("conn", wsConn.ID()).Msg("failed to send connected event")
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat until the socket dies
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		if err := h.sink.SubmitDisconnect(conn.ID()); err != nil {
			log.Debug().Err(err).Str("conn", conn.ID()).Msg("disconnect not delivered to hub")
		}
		log.Info().Str("conn", conn.ID()).Msg("client disconnected")
	}()

	conn.conn.SetReadLimit(h.opts.ReadLimit)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		log.Debug().Err(err).Msg("failed to set read deadline")
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", conn.ID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatch(conn, data)
	}
}

// heartbeat pings the peer until the connection closes
// FUNCTIONAL DISCOVERY: WriteControl may run concurrently with the writer goroutine
func (h *Handler) heartbeat(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// dispatch decodes one frame and hands it to the hub
func (h *Handler) dispatch(conn *Connection, data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		observability.RecordDropped(observability.DropInvalidPayload)
		sendError(conn, types.ErrCodeInvalidPayload, "message must be a JSON envelope with a type")
		return
	}

	if err := h.sink.SubmitMessage(conn, &env); err != nil {
		observability.RecordDropped(observability.DropQueueFull)
		log.Warn().Err(err).Str("conn", conn.ID()).Str("type", env.Type).Msg("message not queued")
		sendError(conn, types.ErrCodeInternal, "server busy, message dropped")
	}
}

func sendError(conn interfaces.Connection, code, message string) {
	env, err := types.NewEnvelope(types.EventError, types.ErrorEvent{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.Send(env)
}
