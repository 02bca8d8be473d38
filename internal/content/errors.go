package content

import "errors"

var (
	ErrStoreClosed     = errors.New("content store is closed")
	ErrStoreShutdown   = errors.New("content store is shutting down")
	ErrWriteTimeout    = errors.New("content write timed out")
	ErrInvalidItem     = errors.New("invalid content item")
	ErrDataDirNotFound = errors.New("content data directory not found")
	ErrMalformedData   = errors.New("malformed content data")
)
