package interfaces

import "duasync/pkg/types"

// Connection is one client transport endpoint
// ARCHITECTURAL DISCOVERY: Handlers only ever need to address and write to a
// connection, so the gorilla details stay in internal/websocket
type Connection interface {
	// ID returns the server-assigned connection id (stable for the socket lifetime)
	ID() string

	// Send queues an envelope for delivery (thread-safe, non-blocking)
	Send(env *types.Envelope) error

	// Close closes the connection and cleans up resources
	Close() error
}

// Rooms tracks which connections receive a session's broadcasts
type Rooms interface {
	// Join adds conn to the room for sessionID
	Join(sessionID string, conn Connection)

	// Leave removes the connection from the room; unknown ids are ignored
	Leave(sessionID, connectionID string)

	// Broadcast sends env to every room member except excludeID and
	// returns the number of successful enqueues
	Broadcast(sessionID string, env *types.Envelope, excludeID string) int

	// SendTo delivers env to a single connection
	SendTo(connectionID string, env *types.Envelope) error
}
