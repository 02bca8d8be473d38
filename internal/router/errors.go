package router

import "errors"

// Router error types; handlers translate these into wire error codes
var (
	ErrUnknownEvent        = errors.New("unknown event type")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrNotHost             = errors.New("sender is not the session host")
	ErrNoSession           = errors.New("session does not exist")
	ErrCatalogUnavailable  = errors.New("content catalog unavailable")
	ErrSessionCreateFailed = errors.New("failed to create session")
	ErrAlreadyJoined       = errors.New("connection already joined this session under another name")
)
