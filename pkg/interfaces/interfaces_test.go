package interfaces_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

// Mock implementations for compile-time interface checks

type mockConnection struct{ id string }

func (m *mockConnection) ID() string                     { return m.id }
func (m *mockConnection) Send(env *types.Envelope) error { return nil }
func (m *mockConnection) Close() error                   { return nil }

type mockRooms struct{}

func (m *mockRooms) Join(sessionID string, conn interfaces.Connection) {}
func (m *mockRooms) Leave(sessionID, connectionID string)             {}
func (m *mockRooms) Broadcast(sessionID string, env *types.Envelope, excludeID string) int {
	return 0
}
func (m *mockRooms) SendTo(connectionID string, env *types.Envelope) error { return nil }

type mockHandler struct{}

func (m *mockHandler) HandleMessage(ctx context.Context, conn interfaces.Connection, env *types.Envelope) error {
	return nil
}
func (m *mockHandler) HandleDisconnect(ctx context.Context, connectionID string) {}

type mockDispatcher struct{}

func (m *mockDispatcher) Dispatch(fn func(ctx context.Context)) bool {
	fn(context.Background())
	return true
}

type mockDirectory struct{}

func (m *mockDirectory) List() []types.SessionSnapshot { return nil }
func (m *mockDirectory) Snapshot(sessionID string) (types.SessionSnapshot, bool) {
	return types.SessionSnapshot{}, false
}

type mockCatalog struct{}

func (m *mockCatalog) Metadata(ctx context.Context, contentType string) ([]types.ContentMetadata, error) {
	return nil, nil
}
func (m *mockCatalog) Body(ctx context.Context, contentType, contentID string) (*types.ContentBody, error) {
	return nil, interfaces.ErrContentNotFound
}
func (m *mockCatalog) TotalUnits(ctx context.Context, contentType, contentID string) (int, error) {
	return 0, nil
}

var (
	_ interfaces.Connection       = (*mockConnection)(nil)
	_ interfaces.Rooms            = (*mockRooms)(nil)
	_ interfaces.MessageHandler   = (*mockHandler)(nil)
	_ interfaces.Dispatcher       = (*mockDispatcher)(nil)
	_ interfaces.SessionDirectory = (*mockDirectory)(nil)
	_ interfaces.ContentCatalog   = (*mockCatalog)(nil)
)

func TestDispatcher_RunsTask(t *testing.T) {
	var d interfaces.Dispatcher = &mockDispatcher{}
	ran := false
	assert.True(t, d.Dispatch(func(ctx context.Context) { ran = true }))
	assert.True(t, ran)
}

func TestErrors_Distinct(t *testing.T) {
	assert.NotEqual(t, interfaces.ErrSessionNotFound, interfaces.ErrContentNotFound)
	assert.NotEqual(t, interfaces.ErrContentNotFound, interfaces.ErrConnectionGone)
}
