package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrContentNotFound = errors.New("content not found")
	ErrConnectionGone  = errors.New("connection not registered")
)
