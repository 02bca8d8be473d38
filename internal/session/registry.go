package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"duasync/pkg/types"
)

const defaultCodeAttempts = 32

// Registry is the set of live sessions keyed by join code
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	generate    CodeGenerator
	now         func() time.Time
	maxAttempts int
}

// Option configures a Registry
type Option func(*Registry)

// WithCodeGenerator replaces the random code source (deterministic codes in tests)
func WithCodeGenerator(g CodeGenerator) Option {
	return func(r *Registry) { r.generate = g }
}

// WithClock replaces time.Now for session timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		generate:    RandomCode,
		now:         time.Now,
		maxAttempts: defaultCodeAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry clock reading
func (r *Registry) Now() time.Time { return r.now() }

// CreateSession allocates a fresh code and installs a session with one host
func (r *Registry) CreateSession(hostConnID, hostName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		code, err := r.generate()
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("session code generation failed")
			continue
		}
		if _, taken := r.sessions[code]; taken {
			continue
		}
		s := newSession(code, hostConnID, hostName, r.now())
		r.sessions[code] = s
		log.Info().Str("session", code).Str("host", hostConnID).Msg("session created")
		return s, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// RecreateSession installs a session under a caller-chosen id
// Used when a host rejoins a session that was already cleaned up
func (r *Registry) RecreateSession(id, hostConnID, hostName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[id]; taken {
		return nil, ErrSessionExists
	}
	s := newSession(id, hostConnID, hostName, r.now())
	r.sessions[id] = s
	log.Info().Str("session", id).Str("host", hostConnID).Msg("session recreated by host rejoin")
	return s, nil
}

// GetSession retrieves a session by id
func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// RemoveSession deletes a session that has no participants left
func (r *Registry) RemoveSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Len() > 0 {
		return ErrSessionNotEmpty
	}
	delete(r.sessions, id)
	log.Info().Str("session", id).Msg("session removed")
	return nil
}

// FindByConnection locates the session where connID is a connected participant
// A connection is connected in at most one session; disconnected records left
// behind in an earlier session are ignored
func (r *Registry) FindByConnection(connID string) (*Session, bool) {
	if connID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.IsConnected(connID) {
			return s, true
		}
	}
	return nil, false
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots of every live session ordered by creation time
func (r *Registry) List() []types.SessionSnapshot {
	r.mu.RLock()
	out := make([]types.SessionSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Snapshot returns a copy of one session
func (r *Registry) Snapshot(id string) (types.SessionSnapshot, bool) {
	s, ok := r.GetSession(id)
	if !ok {
		return types.SessionSnapshot{}, false
	}
	return s.Snapshot(), true
}
