package client

import "errors"

var (
	ErrNotConnected    = errors.New("not connected to server")
	ErrTransportClosed = errors.New("transport closed")
	ErrNotViewedOnline = errors.New("content not viewed online yet")
	ErrNoResolver      = errors.New("no resolver for content type")
	ErrNotHost         = errors.New("only the host can do that")
	ErrIsHost          = errors.New("the host is always synced")
	ErrNotInSession    = errors.New("not in a session")
	ErrNothingSelected = errors.New("no content selected")
	ErrContentMissing  = errors.New("content not available")
)

// RemoteError carries the error string of a response envelope
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
