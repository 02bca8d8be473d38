package interfaces

import (
	"context"

	"duasync/pkg/types"
)

// ContentCatalog serves read-only content metadata and bodies
// ARCHITECTURAL DISCOVERY: The session core only needs TotalUnits; the
// request/response handlers and HTTP surface need the rest
type ContentCatalog interface {
	// Metadata lists items of contentType, or every item when it is empty
	Metadata(ctx context.Context, contentType string) ([]types.ContentMetadata, error)

	// Body returns one item with its units, or ErrContentNotFound
	Body(ctx context.Context, contentType, contentID string) (*types.ContentBody, error)

	// TotalUnits returns the unit count, 0 when unknown
	TotalUnits(ctx context.Context, contentType, contentID string) (int, error)
}
