package session

import (
	"encoding/json"
	"sync"
	"time"

	"duasync/pkg/types"
)

// Participant is one member of a session
// DisconnectedAt is zero while the participant is connected
type Participant struct {
	ConnectionID   string
	Name           string
	IsHost         bool
	Status         string
	JoinedAt       time.Time
	DisconnectedAt time.Time
}

func (p *Participant) view() types.ParticipantView {
	v := types.ParticipantView{
		ID:       p.ConnectionID,
		Name:     p.Name,
		IsHost:   p.IsHost,
		Status:   p.Status,
		JoinedAt: p.JoinedAt,
	}
	if !p.DisconnectedAt.IsZero() {
		at := p.DisconnectedAt
		v.DisconnectedAt = &at
	}
	return v
}

// JoinKind classifies how a join resolved against existing participants
type JoinKind int

const (
	// JoinAppended added a new participant at the end of the join order
	JoinAppended JoinKind = iota
	// JoinReconnected revived a disconnected participant with the same name
	JoinReconnected
	// JoinReplaced overwrote the connection of a connected participant with the same name
	JoinReplaced
)

func (k JoinKind) String() string {
	switch k {
	case JoinReconnected:
		return "reconnected"
	case JoinReplaced:
		return "replaced"
	default:
		return "appended"
	}
}

// JoinResult describes the participant after a join
type JoinResult struct {
	Kind           JoinKind
	PreviousConnID string
	Participant    Participant
}

// ExpireResult describes what a grace expiry changed
type ExpireResult struct {
	Removed   bool
	WasHost   bool
	NewHostID string
	Empty     bool
}

// Session is the authoritative state for one sync group
// ARCHITECTURAL DISCOVERY: Ordering is provided by the hub goroutine; the
// mutex only keeps snapshot readers (HTTP) race-free
type Session struct {
	mu           sync.RWMutex
	id           string
	hostID       string
	participants []*Participant
	selected     *types.ContentRef
	currentIndex int
	settings     json.RawMessage
	createdAt    time.Time
}

func newSession(id, hostConnID, hostName string, now time.Time) *Session {
	return &Session{
		id:     id,
		hostID: hostConnID,
		participants: []*Participant{{
			ConnectionID: hostConnID,
			Name:         hostName,
			IsHost:       true,
			Status:       types.StatusConnected,
			JoinedAt:     now,
		}},
		createdAt: now,
	}
}

func (s *Session) ID() string { return s.id }

// HostID returns the host connection id, empty during a failover gap
func (s *Session) HostID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostID
}

// IsHost reports whether connID currently holds the host role
func (s *Session) IsHost(connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return connID != "" && s.hostID == connID
}

func (s *Session) SelectedContent() *types.ContentRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected.Clone()
}

func (s *Session) CurrentIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentIndex
}

func (s *Session) Settings() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRaw(s.settings)
}

// Len returns the number of participants, connected or not
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// HasConnection reports whether any participant currently uses connID
func (s *Session) HasConnection(connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByConn(connID) >= 0
}

// IsConnected reports whether connID belongs to a connected participant
func (s *Session) IsConnected(connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.findByConn(connID)
	return i >= 0 && s.participants[i].Status == types.StatusConnected
}

// CanMutate reports whether connID is the host and still connected. The
// participant record itself must carry the host flag; hostID alone is not
// enough.
func (s *Session) CanMutate(connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if connID == "" || s.hostID != connID {
		return false
	}
	i := s.findByConn(connID)
	return i >= 0 && s.participants[i].IsHost && s.participants[i].Status == types.StatusConnected
}

// Participant returns a copy of the participant using connID
func (s *Session) Participant(connID string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.findByConn(connID)
	if i < 0 {
		return Participant{}, false
	}
	return *s.participants[i], true
}

// Participants returns the wire view in join order
func (s *Session) Participants() []types.ParticipantView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewsLocked()
}

// Snapshot copies the full session state
func (s *Session) Snapshot() types.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.SessionSnapshot{
		ID:              s.id,
		HostID:          s.hostID,
		SelectedContent: s.selected.Clone(),
		CurrentIndex:    s.currentIndex,
		Participants:    s.viewsLocked(),
		Settings:        cloneRaw(s.settings),
		CreatedAt:       s.createdAt,
	}
}

// Join resolves a join by display name
// FUNCTIONAL DISCOVERY: A disconnected match is a reconnection, a connected
// match is overwritten (last writer wins), otherwise a participant is appended
func (s *Session) Join(connID, name string, now time.Time) JoinResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.findByName(name); i >= 0 {
		p := s.participants[i]
		res := JoinResult{Kind: JoinReplaced, PreviousConnID: p.ConnectionID}
		if p.Status == types.StatusDisconnected {
			res.Kind = JoinReconnected
		}
		p.ConnectionID = connID
		p.Status = types.StatusConnected
		p.DisconnectedAt = time.Time{}
		if p.IsHost {
			s.hostID = connID
		}
		res.Participant = *p
		return res
	}

	p := &Participant{
		ConnectionID: connID,
		Name:         name,
		Status:       types.StatusConnected,
		JoinedAt:     now,
	}
	s.participants = append(s.participants, p)
	return JoinResult{Kind: JoinAppended, Participant: *p}
}

// MarkDisconnected flags the participant using connID as disconnected
// Returns a copy of the updated participant
func (s *Session) MarkDisconnected(connID string, now time.Time) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findByConn(connID)
	if i < 0 {
		return Participant{}, false
	}
	p := s.participants[i]
	p.Status = types.StatusDisconnected
	p.DisconnectedAt = now
	return *p, true
}

// Expire removes a participant whose grace window elapsed
// TECHNICAL DISCOVERY: The record must still be disconnected with the same
// connection id and disconnect time, otherwise a reconnect (or a later
// disconnect) superseded this expiry and nothing changes
func (s *Session) Expire(connID string, disconnectedAt time.Time) ExpireResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := -1
	for j, p := range s.participants {
		if p.ConnectionID == connID && p.Status == types.StatusDisconnected && p.DisconnectedAt.Equal(disconnectedAt) {
			i = j
			break
		}
	}
	if i < 0 {
		return ExpireResult{Empty: len(s.participants) == 0}
	}
	p := s.participants[i]

	s.participants = append(s.participants[:i], s.participants[i+1:]...)
	res := ExpireResult{Removed: true, WasHost: p.IsHost}

	if p.IsHost {
		s.hostID = ""
		if len(s.participants) > 0 {
			next := s.participants[0]
			next.IsHost = true
			s.hostID = next.ConnectionID
			res.NewHostID = next.ConnectionID
		}
	}
	res.Empty = len(s.participants) == 0
	return res
}

// SelectContent replaces the selection and resets the index; nil clears it
func (s *Session) SelectContent(ref *types.ContentRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = ref.Clone()
	s.currentIndex = 0
}

// UpdateIndex stores newIndex clamped to the selection length when known
// and returns the stored value
func (s *Session) UpdateIndex(newIndex int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newIndex < 0 {
		newIndex = 0
	}
	if s.selected != nil && s.selected.TotalUnits > 0 && newIndex > s.selected.TotalUnits-1 {
		newIndex = s.selected.TotalUnits - 1
	}
	s.currentIndex = newIndex
	return newIndex
}

// TransferHost moves the host role to targetConnID
func (s *Session) TransferHost(targetConnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findByConn(targetConnID) < 0 {
		return ErrParticipantNotFound
	}
	for _, p := range s.participants {
		p.IsHost = p.ConnectionID == targetConnID
	}
	s.hostID = targetConnID
	return nil
}

// SetSettings stores the latest host display settings
func (s *Session) SetSettings(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = cloneRaw(raw)
}

// findByConn prefers a connected record; a connection that rejoined under a
// new name can leave an older disconnected record with the same id
func (s *Session) findByConn(connID string) int {
	found := -1
	for i, p := range s.participants {
		if p.ConnectionID != connID {
			continue
		}
		if p.Status == types.StatusConnected {
			return i
		}
		found = i
	}
	return found
}

func (s *Session) findByName(name string) int {
	for i, p := range s.participants {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (s *Session) viewsLocked() []types.ParticipantView {
	views := make([]types.ParticipantView, 0, len(s.participants))
	for _, p := range s.participants {
		views = append(views, p.view())
	}
	return views
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	c := make(json.RawMessage, len(raw))
	copy(c, raw)
	return c
}
