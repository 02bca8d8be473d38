package interfaces

import (
	"context"

	"duasync/pkg/types"
)

// MessageHandler consumes the events serialized by the hub
// FUNCTIONAL DISCOVERY: Both methods are called from a single goroutine, so
// implementations may mutate session state without further ordering
type MessageHandler interface {
	// HandleMessage processes one inbound envelope from conn
	HandleMessage(ctx context.Context, conn Connection, env *types.Envelope) error

	// HandleDisconnect processes transport loss for a connection id
	HandleDisconnect(ctx context.Context, connectionID string)
}

// Dispatcher runs fn on the serializing goroutine
// Returns false when the task could not be queued (hub stopped)
type Dispatcher interface {
	Dispatch(fn func(ctx context.Context)) bool
}
