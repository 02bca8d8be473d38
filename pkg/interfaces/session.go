package interfaces

import "duasync/pkg/types"

// SessionDirectory exposes read-only session snapshots
type SessionDirectory interface {
	List() []types.SessionSnapshot
	Snapshot(sessionID string) (types.SessionSnapshot, bool)
}
