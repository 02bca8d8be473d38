package types

import "errors"

// Validation errors surfaced to callers as invalid_payload
var (
	ErrEmptyPayload      = errors.New("payload is empty")
	ErrMalformedPayload  = errors.New("payload is not valid JSON for this event")
	ErrInvalidName       = errors.New("name must be 1-50 characters after trimming")
	ErrInvalidSessionID  = errors.New("session id must be 4-12 characters, A-Z and 0-9 only")
	ErrInvalidContentRef = errors.New("content reference requires type, id and title")
	ErrInvalidIndex      = errors.New("index must be a non-negative integer")
	ErrInvalidSettings   = errors.New("settings must be a JSON object")
)
