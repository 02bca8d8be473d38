package session

import "errors"

// Session registry error types
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session id already in use")
	ErrSessionNotEmpty     = errors.New("session still has participants")
	ErrParticipantNotFound = errors.New("participant not found in session")
	ErrCodeSpaceExhausted  = errors.New("could not generate a free session code")
)
