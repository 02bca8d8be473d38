package router

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"duasync/internal/observability"
	"duasync/internal/session"
	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

// Options tunes protocol behavior
type Options struct {
	// GracePeriod is how long a disconnected participant keeps its slot
	GracePeriod time.Duration
	// StrictHostChecks replies error{not_host} instead of dropping silently
	StrictHostChecks bool
	// RateLimit is messages per minute per connection; 0 disables it
	RateLimit int
	// ContentTimeout bounds each catalog lookup
	ContentTimeout time.Duration
}

// DefaultOptions mirrors the config defaults
func DefaultOptions() Options {
	return Options{
		GracePeriod:    30 * time.Second,
		RateLimit:      120,
		ContentTimeout: 5 * time.Second,
	}
}

// Router implements interfaces.MessageHandler for the sync protocol
// ARCHITECTURAL DISCOVERY: Every method runs on the hub goroutine, so the
// handlers read-modify-broadcast without holding locks across steps
type Router struct {
	sessions    *session.Registry
	rooms       interfaces.Rooms
	catalog     interfaces.ContentCatalog
	dispatcher  interfaces.Dispatcher
	rateLimiter *RateLimiter
	grace       *GraceScheduler
	opts        Options
}

// NewRouter creates a protocol router; catalog may be nil
func NewRouter(sessions *session.Registry, rooms interfaces.Rooms, catalog interfaces.ContentCatalog, opts Options) *Router {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultOptions().GracePeriod
	}
	if opts.ContentTimeout <= 0 {
		opts.ContentTimeout = DefaultOptions().ContentTimeout
	}
	return &Router{
		sessions:    sessions,
		rooms:       rooms,
		catalog:     catalog,
		rateLimiter: NewRateLimiter(opts.RateLimit, time.Minute),
		grace:       NewGraceScheduler(),
		opts:        opts,
	}
}

// SetDispatcher wires the goroutine grace expiries are funneled through
// Must be called before the first disconnect is handled
func (r *Router) SetDispatcher(d interfaces.Dispatcher) {
	r.dispatcher = d
}

// HandleMessage routes one inbound envelope to its handler
func (r *Router) HandleMessage(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	observability.RecordMessage(env.Type)

	if rateLimited(env.Type) && !r.rateLimiter.Allow(conn.ID()) {
		observability.RecordDropped(observability.DropRateLimited)
		r.sendError(conn, types.ErrCodeRateLimited, "too many messages, slow down")
		return ErrRateLimitExceeded
	}

	switch env.Type {
	case types.EventCreateSession:
		return r.handleCreate(ctx, conn, env)
	case types.EventJoinSession:
		return r.handleJoin(ctx, conn, env)
	case types.EventSelectContent:
		return r.handleSelectContent(ctx, conn, env)
	case types.EventHostUpdateIndex:
		return r.handleUpdateIndex(ctx, conn, env)
	case types.EventTransferHost:
		return r.handleTransferHost(ctx, conn, env)
	case types.EventUpdateSettings:
		return r.handleUpdateSettings(ctx, conn, env)
	case types.EventGetContentMetadata:
		return r.handleContentMetadata(ctx, conn, env)
	case types.EventGetContentBody:
		return r.handleContentBody(ctx, conn, env)
	default:
		observability.RecordDropped(observability.DropUnknownEvent)
		r.sendError(conn, types.ErrCodeUnknownEvent, fmt.Sprintf("unknown event %q", env.Type))
		return ErrUnknownEvent
	}
}

// rateLimited reports whether eventType counts against the per-connection
// budget. Host paging is exempt: a dropped index update would leave the room
// behind the host's own view, and non-host updates are discarded cheaply.
func rateLimited(eventType string) bool {
	return eventType != types.EventHostUpdateIndex
}

// HandleDisconnect runs the transport-loss path for a connection
func (r *Router) HandleDisconnect(ctx context.Context, connectionID string) {
	r.rateLimiter.Forget(connectionID)
	r.disconnect(connectionID)
}

// SweepRateLimits drops idle rate limiter state
func (r *Router) SweepRateLimits() int {
	return r.rateLimiter.Cleanup()
}

// PendingCleanups returns the number of scheduled grace expiries
func (r *Router) PendingCleanups() int {
	return r.grace.Pending()
}

// Shutdown cancels every pending grace timer
func (r *Router) Shutdown() {
	r.grace.StopAll()
}

// dispatch runs fn on the hub, or inline when no hub is wired
func (r *Router) dispatch(fn func(ctx context.Context)) {
	if r.dispatcher == nil {
		fn(context.Background())
		return
	}
	if !r.dispatcher.Dispatch(fn) {
		log.Warn().Msg("hub rejected deferred task; dropping")
	}
}

func (r *Router) send(conn interfaces.Connection, eventType string, payload interface{}) {
	env, err := types.NewEnvelope(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to encode event")
		return
	}
	if err := conn.Send(env); err != nil {
		log.Debug().Err(err).Str("conn", conn.ID()).Str("type", eventType).Msg("direct send failed")
	}
}

func (r *Router) sendError(conn interfaces.Connection, code, message string) {
	r.send(conn, types.EventError, types.ErrorEvent{Code: code, Message: message})
}

func (r *Router) broadcast(sessionID, eventType string, payload interface{}, excludeID string) {
	env, err := types.NewEnvelope(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to encode broadcast")
		return
	}
	n := r.rooms.Broadcast(sessionID, env, excludeID)
	log.Debug().Str("session", sessionID).Str("type", eventType).Int("recipients", n).Msg("broadcast")
}

func (r *Router) broadcastParticipants(s *session.Session) {
	r.broadcast(s.ID(), types.EventParticipantsUpdated, types.ParticipantsUpdatedEvent{
		Participants: s.Participants(),
	}, "")
}

// invalid replies invalid_payload to the caller and returns a wrapped error
func (r *Router) invalid(conn interfaces.Connection, eventType string, err error) error {
	observability.RecordDropped(observability.DropInvalidPayload)
	r.sendError(conn, types.ErrCodeInvalidPayload, err.Error())
	return fmt.Errorf("%s: %w: %v", eventType, ErrInvalidPayload, err)
}

// authorizeHost returns the session when conn may mutate it
// FUNCTIONAL DISCOVERY: Unauthorized mutations are dropped without a reply
// unless strict host checks are enabled
func (r *Router) authorizeHost(conn interfaces.Connection, eventType, sessionID string) (*session.Session, error) {
	s, ok := r.sessions.GetSession(types.NormalizeSessionID(sessionID))
	if !ok {
		observability.RecordDropped(observability.DropNoSession)
		log.Debug().Str("conn", conn.ID()).Str("session", sessionID).Str("type", eventType).Msg("dropped: no such session")
		return nil, ErrNoSession
	}
	if !s.CanMutate(conn.ID()) {
		observability.RecordDropped(observability.DropNotHost)
		log.Debug().Str("conn", conn.ID()).Str("session", s.ID()).Str("type", eventType).Msg("dropped: sender is not host")
		if r.opts.StrictHostChecks {
			r.sendError(conn, types.ErrCodeNotHost, "only the host can do that")
		}
		return nil, ErrNotHost
	}
	return s, nil
}

func (r *Router) updateSessionGauge() {
	observability.SetSessionsActive(r.sessions.Count())
}
