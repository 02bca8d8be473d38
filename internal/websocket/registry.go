package websocket

import (
	"sync"

	"github.com/rs/zerolog/log"

	"duasync/internal/observability"
	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

// Registry tracks open connections and the rooms they receive broadcasts from
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic;
// implements interfaces.Rooms for the protocol handlers
type Registry struct {
	connections map[string]interfaces.Connection            // connID -> Connection
	rooms       map[string]map[string]interfaces.Connection // sessionID -> connID -> Connection
	memberships map[string]map[string]struct{}              // connID -> sessionIDs
	mu          sync.RWMutex
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		rooms:       make(map[string]map[string]interfaces.Connection),
		memberships: make(map[string]map[string]struct{}),
	}
}

// RegisterConnection adds a freshly upgraded connection
func (r *Registry) RegisterConnection(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	if _, exists := r.connections[conn.ID()]; exists {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	total := len(r.connections)
	r.mu.Unlock()

	observability.SetConnectionsActive(total)
	log.Debug().Str("conn", conn.ID()).Int("total", total).Msg("connection registered")
	return nil
}

// UnregisterConnection removes a connection and all of its room memberships
// FUNCTIONAL DISCOVERY: Only removes the exact instance that was registered,
// idempotent for repeated calls
func (r *Registry) UnregisterConnection(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	current, exists := r.connections[conn.ID()]
	if !exists || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.connections, conn.ID())
	for sessionID := range r.memberships[conn.ID()] {
		r.removeFromRoomLocked(sessionID, conn.ID())
	}
	delete(r.memberships, conn.ID())
	total := len(r.connections)
	r.mu.Unlock()

	observability.SetConnectionsActive(total)
	log.Debug().Str("conn", conn.ID()).Int("total", total).Msg("connection unregistered")
}

// GetConnection looks up an open connection by id
func (r *Registry) GetConnection(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// Join adds conn to a session room
func (r *Registry) Join(sessionID string, conn interfaces.Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[sessionID]
	if !ok {
		room = make(map[string]interfaces.Connection)
		r.rooms[sessionID] = room
	}
	room[conn.ID()] = conn

	m, ok := r.memberships[conn.ID()]
	if !ok {
		m = make(map[string]struct{})
		r.memberships[conn.ID()] = m
	}
	m[sessionID] = struct{}{}
}

// Leave removes a connection from a session room
func (r *Registry) Leave(sessionID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromRoomLocked(sessionID, connectionID)
	if m, ok := r.memberships[connectionID]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(r.memberships, connectionID)
		}
	}
}

// removeFromRoomLocked drops a member and cleans up empty rooms
// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
func (r *Registry) removeFromRoomLocked(sessionID, connectionID string) {
	room, ok := r.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, connectionID)
	if len(room) == 0 {
		delete(r.rooms, sessionID)
	}
}

// RoomMembers returns the connections currently in a room
func (r *Registry) RoomMembers(sessionID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[sessionID]
	members := make([]interfaces.Connection, 0, len(room))
	for _, c := range room {
		members = append(members, c)
	}
	return members
}

// Broadcast sends env to every member except excludeID
// Sends happen outside the lock; Send never blocks
func (r *Registry) Broadcast(sessionID string, env *types.Envelope, excludeID string) int {
	members := r.RoomMembers(sessionID)
	sent := 0
	for _, c := range members {
		if c.ID() == excludeID {
			continue
		}
		if err := c.Send(env); err != nil {
			log.Debug().Err(err).Str("conn", c.ID()).Str("session", sessionID).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

// SendTo delivers env to a single registered connection
func (r *Registry) SendTo(connectionID string, env *types.Envelope) error {
	conn, ok := r.GetConnection(connectionID)
	if !ok {
		return interfaces.ErrConnectionGone
	}
	return conn.Send(env)
}

// Stats is a point-in-time count of connections and rooms
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// GetStats returns connection statistics
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.connections), Rooms: len(r.rooms)}
}

// CloseAll closes every registered connection (shutdown)
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
