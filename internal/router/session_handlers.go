package router

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"duasync/internal/observability"
	"duasync/internal/session"
	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

func (r *Router) handleCreate(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var req types.CreateSessionRequest
	if err := env.Decode(&req); err != nil {
		return r.invalid(conn, env.Type, err)
	}
	if err := types.ValidateName(req.Name); err != nil {
		return r.invalid(conn, env.Type, err)
	}
	name := types.NormalizeName(req.Name)

	// a connection is connected in at most one session
	r.leaveCurrentSession(conn.ID(), "")

	s, err := r.sessions.CreateSession(conn.ID(), name)
	if err != nil {
		log.Error().Err(err).Str("conn", conn.ID()).Msg("create session failed")
		r.sendError(conn, types.ErrCodeInternal, "could not create a session, try again")
		return ErrSessionCreateFailed
	}
	r.rooms.Join(s.ID(), conn)
	r.updateSessionGauge()

	r.send(conn, types.EventSessionCreated, types.SessionCreatedEvent{
		SessionID:    s.ID(),
		Name:         name,
		IsHost:       true,
		ConnectionID: conn.ID(),
	})
	r.broadcastParticipants(s)
	return nil
}

func (r *Router) handleJoin(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var req types.JoinSessionRequest
	if err := env.Decode(&req); err != nil {
		return r.invalid(conn, env.Type, err)
	}
	if err := types.ValidateName(req.Name); err != nil {
		return r.invalid(conn, env.Type, err)
	}
	if !types.IsValidSessionID(req.SessionID) {
		return r.invalid(conn, env.Type, types.ErrInvalidSessionID)
	}
	sessionID := types.NormalizeSessionID(req.SessionID)
	name := types.NormalizeName(req.Name)

	// a connection keeps one identity per session
	if current, ok := r.sessions.FindByConnection(conn.ID()); ok && current.ID() == sessionID {
		if p, ok := current.Participant(conn.ID()); ok && p.Name != name {
			return r.invalid(conn, env.Type, ErrAlreadyJoined)
		}
	}
	r.leaveCurrentSession(conn.ID(), sessionID)

	s, ok := r.sessions.GetSession(sessionID)
	if !ok {
		if !req.IsHostRejoin {
			r.send(conn, types.EventSessionNotFound, types.SessionNotFoundEvent{SessionID: sessionID})
			return nil
		}
		return r.recreate(conn, sessionID, name)
	}

	res := s.Join(conn.ID(), name, r.sessions.Now())
	switch res.Kind {
	case session.JoinReconnected:
		if r.grace.Cancel(graceKey{sessionID: sessionID, connID: res.PreviousConnID}) {
			log.Debug().Str("session", sessionID).Str("prev", res.PreviousConnID).Msg("grace cleanup cancelled")
		}
	case session.JoinReplaced:
		// the superseded socket stays open but stops receiving this room
		if res.PreviousConnID != conn.ID() {
			r.rooms.Leave(sessionID, res.PreviousConnID)
		}
	}
	r.rooms.Join(sessionID, conn)

	log.Info().
		Str("session", sessionID).
		Str("conn", conn.ID()).
		Str("name", name).
		Str("kind", res.Kind.String()).
		Bool("host", res.Participant.IsHost).
		Msg("participant joined")

	selected := s.SelectedContent()
	r.send(conn, types.EventSessionJoined, types.SessionJoinedEvent{
		SessionID:       sessionID,
		Name:            name,
		IsHost:          res.Participant.IsHost,
		SelectedContent: selected,
		CurrentIndex:    s.CurrentIndex(),
		ContentSelected: selected != nil,
		Participants:    s.Participants(),
		Settings:        s.Settings(),
		ConnectionID:    conn.ID(),
	})
	r.broadcastParticipants(s)
	return nil
}

// recreate installs a fresh session under the requested id for a rejoining host
func (r *Router) recreate(conn interfaces.Connection, sessionID, name string) error {
	s, err := r.sessions.RecreateSession(sessionID, conn.ID(), name)
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("recreate session failed")
		r.sendError(conn, types.ErrCodeInternal, "could not recreate the session")
		return ErrSessionCreateFailed
	}
	r.rooms.Join(s.ID(), conn)
	r.updateSessionGauge()

	r.send(conn, types.EventSessionCreated, types.SessionCreatedEvent{
		SessionID:    s.ID(),
		Name:         name,
		IsHost:       true,
		ConnectionID: conn.ID(),
	})
	r.broadcastParticipants(s)
	return nil
}

// leaveCurrentSession runs the disconnect path when conn is already connected
// to another session; rejoining the same session is left alone
func (r *Router) leaveCurrentSession(connID, targetSessionID string) {
	current, ok := r.sessions.FindByConnection(connID)
	if !ok || current.ID() == targetSessionID {
		return
	}
	log.Info().Str("conn", connID).Str("from", current.ID()).Str("to", targetSessionID).Msg("connection switching sessions")
	r.disconnect(connID)
}

func (r *Router) handleSelectContent(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var req types.SelectContentRequest
	if err := env.Decode(&req); err != nil {
		return r.invalid(conn, env.Type, err)
	}
	s, err := r.authorizeHost(conn, env.Type, req.SessionID)
	if err != nil {
		return err
	}

	var ref *types.ContentRef
	if req.ContentRef != nil {
		if err := req.ContentRef.Validate(); err != nil {
			return r.invalid(conn, env.Type, err)
		}
		ref = req.ContentRef.Clone()
		if total := r.lookupTotalUnits(ctx, ref.Type, ref.ID); total > 0 {
			ref.TotalUnits = total
		}
	}

	s.SelectContent(ref)
	log.Info().Str("session", s.ID()).Interface("content", ref).Msg("host selected content")

	r.broadcast(s.ID(), types.EventHostContentUpdated, types.HostContentUpdatedEvent{
		SelectedContent: s.SelectedContent(),
		CurrentIndex:    s.CurrentIndex(),
	}, "")
	return nil
}

// lookupTotalUnits asks the catalog for a length; 0 means unknown
func (r *Router) lookupTotalUnits(ctx context.Context, contentType, contentID string) int {
	if r.catalog == nil {
		return 0
	}
	lookupCtx, cancel := context.WithTimeout(ctx, r.opts.ContentTimeout)
	defer cancel()
	total, err := r.catalog.TotalUnits(lookupCtx, contentType, contentID)
	if err != nil {
		log.Debug().Err(err).Str("type", contentType).Str("id", contentID).Msg("total units unknown")
		return 0
	}
	return total
}

func (r *Router) handleUpdateIndex(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	// TECHNICAL DISCOVERY: newIndex is type-checked on the raw bytes, so the
	// session id is read the same way instead of decoding into the request struct
	sessionID := gjson.GetBytes(env.Data, "sessionId").String()
	s, err := r.authorizeHost(conn, env.Type, sessionID)
	if err != nil {
		return err
	}

	newIndex, err := types.ParseIndex(env.Data, "newIndex")
	if err != nil {
		observability.RecordDropped(observability.DropInvalidPayload)
		log.Debug().Str("session", s.ID()).RawJSON("data", safeRaw(env.Data)).Msg("ignored index update")
		return nil
	}

	stored := s.UpdateIndex(newIndex)
	r.broadcast(s.ID(), types.EventHostIndexUpdated, types.HostIndexUpdatedEvent{CurrentIndex: stored}, "")
	return nil
}

func (r *Router) handleTransferHost(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var req types.TransferHostRequest
	if err := env.Decode(&req); err != nil {
		return r.invalid(conn, env.Type, err)
	}
	s, err := r.authorizeHost(conn, env.Type, req.SessionID)
	if err != nil {
		return err
	}

	if err := s.TransferHost(req.TargetConnectionID); err != nil {
		observability.RecordDropped(observability.DropBadTarget)
		log.Debug().Str("session", s.ID()).Str("target", req.TargetConnectionID).Msg("transfer target not in session")
		return nil
	}
	observability.RecordHostTransfer(observability.TransferExplicit)
	log.Info().Str("session", s.ID()).Str("from", conn.ID()).Str("to", req.TargetConnectionID).Msg("host transferred")

	r.broadcast(s.ID(), types.EventHostTransferred, types.HostTransferredEvent{
		NewHostID:    req.TargetConnectionID,
		Participants: s.Participants(),
	}, "")
	return nil
}

func (r *Router) handleUpdateSettings(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	var req types.UpdateSettingsRequest
	if err := env.Decode(&req); err != nil {
		return r.invalid(conn, env.Type, err)
	}
	s, err := r.authorizeHost(conn, env.Type, req.SessionID)
	if err != nil {
		return err
	}
	if !types.IsSettingsObject(req.Settings) {
		return r.invalid(conn, env.Type, types.ErrInvalidSettings)
	}

	s.SetSettings(req.Settings)
	r.broadcast(s.ID(), types.EventSettingsUpdated, types.SettingsUpdatedEvent{Settings: s.Settings()}, conn.ID())
	return nil
}

// disconnect marks the participant behind connID disconnected, tells the
// room, and schedules the grace cleanup
func (r *Router) disconnect(connID string) {
	s, ok := r.sessions.FindByConnection(connID)
	if !ok {
		return
	}
	r.rooms.Leave(s.ID(), connID)

	p, ok := s.MarkDisconnected(connID, r.sessions.Now())
	if !ok {
		return
	}
	log.Info().Str("session", s.ID()).Str("conn", connID).Str("name", p.Name).Bool("host", p.IsHost).Msg("participant disconnected")
	r.broadcastParticipants(s)

	sessionID := s.ID()
	disconnectedAt := p.DisconnectedAt
	r.grace.Schedule(graceKey{sessionID: sessionID, connID: connID}, r.opts.GracePeriod, func() {
		r.dispatch(func(ctx context.Context) {
			r.expire(sessionID, connID, disconnectedAt)
		})
	})
}

// expire removes a participant whose grace window elapsed, promoting a new
// host and deleting the session as needed
func (r *Router) expire(sessionID, connID string, disconnectedAt time.Time) {
	s, ok := r.sessions.GetSession(sessionID)
	if !ok {
		return
	}
	res := s.Expire(connID, disconnectedAt)
	if !res.Removed {
		log.Debug().Str("session", sessionID).Str("conn", connID).Msg("grace expiry superseded")
		return
	}
	observability.RecordGraceExpiration()
	log.Info().Str("session", sessionID).Str("conn", connID).Msg("participant removed after grace period")

	if res.NewHostID != "" {
		observability.RecordHostTransfer(observability.TransferGrace)
		log.Info().Str("session", sessionID).Str("host", res.NewHostID).Msg("host promoted after grace period")
		r.broadcast(sessionID, types.EventHostTransferred, types.HostTransferredEvent{
			NewHostID:    res.NewHostID,
			Participants: s.Participants(),
		}, "")
	}
	r.broadcastParticipants(s)

	if res.Empty {
		if err := r.sessions.RemoveSession(sessionID); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("remove empty session failed")
		}
		r.updateSessionGauge()
	}
}

func safeRaw(raw []byte) []byte {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return []byte("null")
	}
	return raw
}
