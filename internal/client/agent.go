package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"duasync/pkg/types"
)

// Connection states shown to the user
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// MsgConnectionLost is the banner shown while the transport redials
const MsgConnectionLost = "Connection lost. Attempting to reconnect..."

// Sender is the outbound half of the transport
type Sender interface {
	Send(eventType string, payload interface{}) error
	Request(ctx context.Context, eventType string, payload interface{}) (*types.Envelope, error)
	Online() bool
}

// State is a copy of the agent's mirror of the session
type State struct {
	SessionID    string
	Name         string
	ConnectionID string
	IsHost       bool

	HostContent     *types.ContentRef
	LatestHostIndex int
	IsSynced        bool

	LocalContent *types.ContentRef
	LocalIndex   int

	Participants     []types.ParticipantView
	Settings         json.RawMessage
	ConnectionStatus string
	IsLoading        bool
	Body             *types.ContentBody
	Error            string
}

// InSession reports whether the mirror belongs to a live session
func (s State) InSession() bool { return s.SessionID != "" }

// AgentOptions configures an Agent
type AgentOptions struct {
	FetchTimeout time.Duration
	// OnChange is called after every state transition, outside the lock
	OnChange func(State)
}

// Agent mirrors one client's view of a session. Host-driven state
// (HostContent, LatestHostIndex) always tracks the server; the viewed
// content follows it only while IsSynced.
type Agent struct {
	sender   Sender
	resolver Resolver
	opts     AgentOptions

	mu         sync.Mutex
	state      State
	generation uint64
	// pendingHostRejoin is the isHostRejoin flag of the last join sent
	pendingHostRejoin bool
}

// NewAgent builds an agent; attach it to a Transport with SetListener
func NewAgent(sender Sender, resolver Resolver, opts AgentOptions) *Agent {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Agent{
		sender:   sender,
		resolver: resolver,
		opts:     opts,
		state: State{
			IsSynced:         true,
			ConnectionStatus: StatusConnecting,
		},
	}
}

// State returns a snapshot
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Agent) snapshotLocked() State {
	s := a.state
	s.HostContent = s.HostContent.Clone()
	s.LocalContent = s.LocalContent.Clone()
	s.Participants = append([]types.ParticipantView(nil), s.Participants...)
	return s
}

// update runs fn under the lock and notifies OnChange
func (a *Agent) update(fn func()) {
	a.mu.Lock()
	fn()
	snap := a.snapshotLocked()
	a.mu.Unlock()
	if a.opts.OnChange != nil {
		a.opts.OnChange(snap)
	}
}

// Transport callbacks

func (a *Agent) OnConnected() {
	a.update(func() {
		a.state.ConnectionStatus = StatusConnected
		if a.state.Error == MsgConnectionLost {
			a.state.Error = ""
		}
	})
}

// OnDisconnected keeps session state so the user can Rejoin
func (a *Agent) OnDisconnected(error) {
	a.update(func() {
		a.state.ConnectionStatus = StatusDisconnected
		a.state.Participants = nil
		a.state.Error = MsgConnectionLost
	})
}

func (a *Agent) OnEnvelope(env *types.Envelope) {
	var err error
	switch env.Type {
	case types.EventConnected:
		var ev types.ConnectedEvent
		if err = env.Decode(&ev); err == nil {
			a.update(func() { a.state.ConnectionID = ev.ConnectionID })
		}
	case types.EventSessionCreated:
		var ev types.SessionCreatedEvent
		if err = env.Decode(&ev); err == nil {
			a.onSessionCreated(ev)
		}
	case types.EventSessionJoined:
		var ev types.SessionJoinedEvent
		if err = env.Decode(&ev); err == nil {
			a.onSessionJoined(ev)
		}
	case types.EventSessionNotFound:
		var ev types.SessionNotFoundEvent
		if err = env.Decode(&ev); err == nil {
			a.onSessionNotFound(ev)
		}
	case types.EventParticipantsUpdated:
		var ev types.ParticipantsUpdatedEvent
		if err = env.Decode(&ev); err == nil {
			a.onParticipantsUpdated(ev.Participants)
		}
	case types.EventHostContentUpdated:
		var ev types.HostContentUpdatedEvent
		if err = env.Decode(&ev); err == nil {
			a.onHostContentUpdated(ev.SelectedContent, ev.CurrentIndex)
		}
	case types.EventHostIndexUpdated:
		var ev types.HostIndexUpdatedEvent
		if err = env.Decode(&ev); err == nil {
			a.onHostIndexUpdated(ev.CurrentIndex)
		}
	case types.EventHostTransferred:
		var ev types.HostTransferredEvent
		if err = env.Decode(&ev); err == nil {
			a.onHostTransferred(ev.NewHostID, ev.Participants)
		}
	case types.EventSettingsUpdated:
		var ev types.SettingsUpdatedEvent
		if err = env.Decode(&ev); err == nil {
			a.update(func() { a.state.Settings = ev.Settings })
		}
	case types.EventError:
		var ev types.ErrorEvent
		if err = env.Decode(&ev); err == nil {
			a.update(func() { a.state.Error = ev.Message })
		}
	default:
		log.Debug().Str("type", env.Type).Msg("ignoring unknown server event")
	}
	if err != nil {
		log.Warn().Err(err).Str("type", env.Type).Msg("malformed server event")
	}
}

func (a *Agent) onSessionCreated(ev types.SessionCreatedEvent) {
	a.update(func() {
		a.state.SessionID = ev.SessionID
		a.state.Name = ev.Name
		a.state.IsHost = ev.IsHost
		if ev.ConnectionID != "" {
			a.state.ConnectionID = ev.ConnectionID
		}
		a.state.HostContent = nil
		a.state.LatestHostIndex = 0
		a.state.IsSynced = true
		a.state.Settings = nil
		a.state.Error = ""
	})
}

func (a *Agent) onSessionJoined(ev types.SessionJoinedEvent) {
	a.update(func() {
		a.state.SessionID = ev.SessionID
		a.state.Name = ev.Name
		a.state.IsHost = ev.IsHost
		if ev.ConnectionID != "" {
			a.state.ConnectionID = ev.ConnectionID
		}
		a.state.HostContent = ev.SelectedContent.Clone()
		a.state.LatestHostIndex = ev.CurrentIndex
		a.state.Participants = ev.Participants
		a.state.Settings = ev.Settings
		a.state.IsSynced = true
		a.state.Error = ""

		switch {
		case ev.SelectedContent != nil:
			a.viewLocked(ev.SelectedContent, ev.CurrentIndex)
		case !ev.IsHost:
			a.clearViewLocked()
		}
	})
}

func (a *Agent) onSessionNotFound(ev types.SessionNotFoundEvent) {
	a.update(func() {
		wasHost := a.state.IsHost || a.pendingHostRejoin
		a.state.Participants = nil
		a.state.SessionID = ""
		a.state.IsHost = false
		if wasHost {
			a.state.Error = fmt.Sprintf("Session %s has ended. Create a new session to host again.", ev.SessionID)
		} else {
			a.state.Error = fmt.Sprintf("Session %s was not found. Check the code with your host.", ev.SessionID)
		}
	})
}

func (a *Agent) onParticipantsUpdated(list []types.ParticipantView) {
	a.update(func() {
		a.state.Participants = list
	})
}

func (a *Agent) onHostContentUpdated(ref *types.ContentRef, index int) {
	a.update(func() {
		a.state.HostContent = ref.Clone()
		a.state.LatestHostIndex = index
		if !a.state.IsSynced {
			return
		}
		if ref == nil {
			a.clearViewLocked()
			return
		}
		a.viewLocked(ref, index)
	})
}

func (a *Agent) onHostIndexUpdated(index int) {
	a.update(func() {
		a.state.LatestHostIndex = index
		if a.state.IsSynced {
			a.state.LocalIndex = index
		}
	})
}

func (a *Agent) onHostTransferred(newHostID string, list []types.ParticipantView) {
	a.update(func() {
		a.state.Participants = list
		wasHost := a.state.IsHost
		a.state.IsHost = newHostID != "" && newHostID == a.state.ConnectionID
		if a.state.IsHost && !wasHost {
			a.state.IsSynced = true
			host := a.state.HostContent
			if host != nil && !host.Same(a.state.LocalContent) {
				a.viewLocked(host, a.state.LatestHostIndex)
			}
		}
	})
}

// viewLocked points the local view at ref and starts a fetch when the
// content changed
func (a *Agent) viewLocked(ref *types.ContentRef, index int) {
	changed := !ref.Same(a.state.LocalContent)
	a.state.LocalContent = ref.Clone()
	a.state.LocalIndex = index
	if changed || (a.state.Body == nil && !a.state.IsLoading) {
		a.fetchLocked(ref)
	}
}

func (a *Agent) clearViewLocked() {
	a.state.LocalContent = nil
	a.state.LocalIndex = 0
	a.state.Body = nil
	a.state.IsLoading = false
	a.generation++
}

// fetchLocked resolves ref in the background. Each fetch carries a
// generation; a result is applied only if no newer fetch started and the
// view still points at the same content.
func (a *Agent) fetchLocked(ref *types.ContentRef) {
	a.generation++
	gen := a.generation
	target := ref.Clone()
	a.state.IsLoading = true
	a.state.Body = nil

	if a.resolver == nil {
		a.state.IsLoading = false
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.FetchTimeout)
		defer cancel()
		body, err := a.resolver.Resolve(ctx, target.Type, target.ID)

		a.update(func() {
			if gen != a.generation || !target.Same(a.state.LocalContent) {
				return
			}
			a.state.IsLoading = false
			if err != nil {
				a.state.Error = fmt.Sprintf("Failed to load %s: %v", target.Title, err)
				return
			}
			a.state.Body = body
			if a.state.LocalContent.TotalUnits == 0 && len(body.Units) > 0 {
				a.state.LocalContent.TotalUnits = len(body.Units)
			}
		})
	}()
}

// User operations

// CreateSession asks the server for a new session hosted by this client
func (a *Agent) CreateSession(name string) error {
	return a.sender.Send(types.EventCreateSession, types.CreateSessionRequest{Name: name})
}

// JoinSession joins as a participant
func (a *Agent) JoinSession(sessionID, name string) error {
	return a.Rejoin(sessionID, name, false)
}

// Rejoin sends join_session; asHost asks the server to recreate the session
// if it no longer exists
func (a *Agent) Rejoin(sessionID, name string, asHost bool) error {
	a.mu.Lock()
	a.pendingHostRejoin = asHost
	a.mu.Unlock()
	return a.sender.Send(types.EventJoinSession, types.JoinSessionRequest{
		SessionID:    sessionID,
		Name:         name,
		IsHostRejoin: asHost,
	})
}

// SelectLocally views ref without touching the session. A participant in a
// session becomes unsynced.
func (a *Agent) SelectLocally(ref *types.ContentRef) {
	a.update(func() {
		if ref == nil {
			a.clearViewLocked()
		} else {
			a.state.LocalContent = ref.Clone()
			a.state.LocalIndex = 0
			a.fetchLocked(ref)
		}
		if !a.state.IsHost && a.state.SessionID != "" {
			a.state.IsSynced = false
		}
	})
}

// SelectAsHost publishes ref (or nil to deselect) to the session
func (a *Agent) SelectAsHost(ref *types.ContentRef) error {
	a.mu.Lock()
	sessionID, isHost := a.state.SessionID, a.state.IsHost
	a.mu.Unlock()
	if sessionID == "" {
		return ErrNotInSession
	}
	if !isHost {
		return ErrNotHost
	}

	if err := a.sender.Send(types.EventSelectContent, types.SelectContentRequest{
		SessionID:  sessionID,
		ContentRef: ref,
	}); err != nil {
		return err
	}
	a.update(func() {
		if ref == nil {
			a.clearViewLocked()
			return
		}
		a.viewLocked(ref, 0)
	})
	return nil
}

// SyncToHost snaps a participant back to the host's content and latest index
func (a *Agent) SyncToHost() error {
	var err error
	a.update(func() {
		if a.state.IsHost {
			err = ErrIsHost
			return
		}
		a.state.IsSynced = true
		if a.state.HostContent == nil {
			a.clearViewLocked()
			return
		}
		a.viewLocked(a.state.HostContent, a.state.LatestHostIndex)
	})
	return err
}

// Navigate moves the viewed index by direction, clamped to the content
// length. The host publishes the move while connected; a participant who
// navigates stops following the host.
func (a *Agent) Navigate(direction int) error {
	var (
		publish bool
		payload types.HostUpdateIndexRequest
		err     error
	)
	a.update(func() {
		if a.state.LocalContent == nil {
			err = ErrNothingSelected
			return
		}
		next := a.state.LocalIndex + direction
		if total := a.totalUnitsLocked(); total > 0 && next > total-1 {
			next = total - 1
		}
		if next < 0 {
			next = 0
		}
		a.state.LocalIndex = next

		inSession := a.state.SessionID != ""
		switch {
		case a.state.IsHost:
			if inSession && a.sender.Online() {
				publish = true
				payload = types.HostUpdateIndexRequest{SessionID: a.state.SessionID, NewIndex: next}
			}
		case inSession:
			a.state.IsSynced = false
		}
	})
	if err != nil || !publish {
		return err
	}
	return a.sender.Send(types.EventHostUpdateIndex, payload)
}

func (a *Agent) totalUnitsLocked() int {
	if a.state.LocalContent != nil && a.state.LocalContent.TotalUnits > 0 {
		return a.state.LocalContent.TotalUnits
	}
	if a.state.Body != nil {
		return len(a.state.Body.Units)
	}
	return 0
}

// TransferHost hands the host role to another participant
func (a *Agent) TransferHost(targetConnectionID string) error {
	a.mu.Lock()
	sessionID, isHost := a.state.SessionID, a.state.IsHost
	a.mu.Unlock()
	if sessionID == "" {
		return ErrNotInSession
	}
	if !isHost {
		return ErrNotHost
	}
	return a.sender.Send(types.EventTransferHost, types.TransferHostRequest{
		SessionID:          sessionID,
		TargetConnectionID: targetConnectionID,
	})
}

// UpdateSettings publishes an opaque settings object
func (a *Agent) UpdateSettings(settings interface{}) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	a.mu.Lock()
	sessionID, isHost := a.state.SessionID, a.state.IsHost
	a.mu.Unlock()
	if sessionID == "" {
		return ErrNotInSession
	}
	if !isHost {
		return ErrNotHost
	}
	if err := a.sender.Send(types.EventUpdateSettings, types.UpdateSettingsRequest{
		SessionID: sessionID,
		Settings:  raw,
	}); err != nil {
		return err
	}
	a.update(func() { a.state.Settings = raw })
	return nil
}

// LoadMetadata lists catalog items of contentType from the server
func (a *Agent) LoadMetadata(ctx context.Context, contentType string) ([]types.ContentMetadata, error) {
	resp, err := a.sender.Request(ctx, types.EventGetContentMetadata, types.ContentMetadataRequest{ContentType: contentType})
	if err != nil {
		return nil, err
	}
	var items []types.ContentMetadata
	if err := resp.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return items, nil
}
