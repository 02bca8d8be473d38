package hub

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

// Hub serializes every inbound message, disconnect, and deferred task onto one goroutine
// ARCHITECTURAL DISCOVERY: Session state is only ever mutated from run(), which
// is what makes the handlers' read-modify-broadcast sequences atomic
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channels absorb bursts; disconnects and
	// tasks block instead of dropping because losing one would strand a participant
	messageChannel    chan *MessageContext
	disconnectChannel chan string
	taskChannel       chan func(ctx context.Context)
	shutdownChannel   chan struct{}
	done              chan struct{}

	handler interfaces.MessageHandler

	running bool
	mu      sync.RWMutex
}

// MessageContext wraps an inbound envelope with its sender
type MessageContext struct {
	Conn       interfaces.Connection
	Envelope   *types.Envelope
	ReceivedAt time.Time
}

// NewHub creates a new hub around the protocol handler
func NewHub(handler interfaces.MessageHandler) *Hub {
	return &Hub{
		messageChannel:    make(chan *MessageContext, 1000),
		disconnectChannel: make(chan string, 100),
		taskChannel:       make(chan func(ctx context.Context), 100),
		shutdownChannel:   make(chan struct{}),
		done:              make(chan struct{}),
		handler:           handler,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Info().Msg("starting event hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down and waits for the loop to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false

	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	h.mu.Unlock()

	log.Info().Msg("stopping event hub")
	<-h.done
	return nil
}

// IsRunning reports whether the loop is accepting work
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// SubmitMessage queues an inbound envelope without blocking the read pump
func (h *Hub) SubmitMessage(conn interfaces.Connection, env *types.Envelope) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !h.IsRunning() {
		return ErrHubNotRunning
	}

	msg := &MessageContext{Conn: conn, Envelope: env, ReceivedAt: time.Now()}
	select {
	case h.messageChannel <- msg:
		return nil
	default:
		return ErrMessageChannelFull
	}
}

// SubmitDisconnect queues transport loss for a connection
func (h *Hub) SubmitDisconnect(connID string) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.disconnectChannel <- connID:
		return nil
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	}
}

// Dispatch runs fn on the hub goroutine; implements interfaces.Dispatcher
func (h *Hub) Dispatch(fn func(ctx context.Context)) bool {
	if !h.IsRunning() {
		return false
	}
	select {
	case h.taskChannel <- fn:
		return true
	case <-h.shutdownChannel:
		return false
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer log.Info().Msg("hub processing stopped")

	for {
		select {
		case msg := <-h.messageChannel:
			h.handleMessage(ctx, msg)

		case connID := <-h.disconnectChannel:
			h.safely("disconnect", func() { h.handler.HandleDisconnect(ctx, connID) })

		case fn := <-h.taskChannel:
			h.safely("task", func() { fn(ctx) })

		case <-h.shutdownChannel:
			log.Debug().Msg("hub shutdown requested")
			return

		case <-ctx.Done():
			log.Debug().Msg("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// handleMessage processes one envelope through the handler
// TECHNICAL DISCOVERY: Handler errors are logged but never stop the loop
func (h *Hub) handleMessage(ctx context.Context, msg *MessageContext) {
	h.safely(msg.Envelope.Type, func() {
		if err := h.handler.HandleMessage(ctx, msg.Conn, msg.Envelope); err != nil {
			log.Debug().
				Err(err).
				Str("conn", msg.Conn.ID()).
				Str("type", msg.Envelope.Type).
				Dur("queued", time.Since(msg.ReceivedAt)).
				Msg("message not applied")
		}
	})
}

// safely recovers a panicking handler so one bad message cannot stop every session
func (h *Hub) safely(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("event", what).
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("recovered handler panic")
		}
	}()
	fn()
}
