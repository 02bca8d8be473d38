package types

import (
	"encoding/json"
	"time"
)

// ARCHITECTURAL DISCOVERY: Event names are the whole wire contract between the
// hub and every client; both directions share one envelope shape
const (
	// Client -> server
	EventCreateSession      = "create_session"
	EventJoinSession        = "join_session"
	EventSelectContent      = "select_content"
	EventHostUpdateIndex    = "host_update_index"
	EventTransferHost       = "transfer_host"
	EventUpdateSettings     = "update_settings"
	EventGetContentMetadata = "get_content_metadata"
	EventGetContentBody     = "get_content_body"

	// Server -> client
	EventConnected           = "connected"
	EventSessionCreated      = "session_created"
	EventSessionJoined       = "session_joined"
	EventSessionNotFound     = "session_not_found"
	EventParticipantsUpdated = "participants_updated"
	EventHostContentUpdated  = "host_content_updated"
	EventHostIndexUpdated    = "host_index_updated"
	EventHostTransferred     = "host_transferred"
	EventSettingsUpdated     = "settings_updated"
	EventResponse            = "response"
	EventError               = "error"
)

// Content families known to the catalog
const (
	ContentTypeQuran = "quran"
	ContentTypeDua   = "dua"
)

// Participant status values
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Error codes carried by EventError payloads
const (
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeNotHost        = "not_host"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeUnknownEvent   = "unknown_event"
	ErrCodeInternal       = "internal"
)

// Envelope is the JSON frame exchanged over the websocket
// FUNCTIONAL DISCOVERY: RequestID is only set for request/response pairs
// (content queries); broadcasts never carry one
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewEnvelope marshals payload into a typed envelope
func NewEnvelope(eventType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return ErrMalformedPayload
	}
	return nil
}

// ContentRef points at a content body without embedding it
// TotalUnits is 0 when the catalog does not know the length
type ContentRef struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Title      string `json:"title"`
	TotalUnits int    `json:"totalUnits,omitempty"`
}

// Same reports whether both refs point at the same (type, id); nil equals nil
func (r *ContentRef) Same(other *ContentRef) bool {
	if r == nil || other == nil {
		return r == nil && other == nil
	}
	return r.Type == other.Type && r.ID == other.ID
}

// Clone returns a copy so callers never share a ref with session state
func (r *ContentRef) Clone() *ContentRef {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ParticipantView is the wire form of a session participant
type ParticipantView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	IsHost         bool       `json:"isHost"`
	Status         string     `json:"status"`
	JoinedAt       time.Time  `json:"joinedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
}

// Request payloads

type CreateSessionRequest struct {
	Name string `json:"name"`
}

type JoinSessionRequest struct {
	SessionID    string `json:"sessionId"`
	Name         string `json:"name"`
	IsHostRejoin bool   `json:"isHostRejoin,omitempty"`
}

type SelectContentRequest struct {
	SessionID  string      `json:"sessionId"`
	ContentRef *ContentRef `json:"contentRef"`
}

type HostUpdateIndexRequest struct {
	SessionID string `json:"sessionId"`
	NewIndex  int    `json:"newIndex"`
}

type TransferHostRequest struct {
	SessionID          string `json:"sessionId"`
	TargetConnectionID string `json:"targetConnectionId"`
}

type UpdateSettingsRequest struct {
	SessionID string          `json:"sessionId"`
	Settings  json.RawMessage `json:"settings"`
}

type ContentMetadataRequest struct {
	ContentType string `json:"contentType,omitempty"`
}

type ContentBodyRequest struct {
	ContentType string `json:"contentType"`
	ContentID   string `json:"contentId"`
}

// Event payloads

type ConnectedEvent struct {
	ConnectionID string `json:"connectionId"`
}

type SessionCreatedEvent struct {
	SessionID    string `json:"sessionId"`
	Name         string `json:"name"`
	IsHost       bool   `json:"isHost"`
	ConnectionID string `json:"connectionId"`
}

type SessionJoinedEvent struct {
	SessionID       string            `json:"sessionId"`
	Name            string            `json:"name"`
	IsHost          bool              `json:"isHost"`
	SelectedContent *ContentRef       `json:"selectedContent"`
	CurrentIndex    int               `json:"currentIndex"`
	ContentSelected bool              `json:"contentSelected"`
	Participants    []ParticipantView `json:"participants"`
	Settings        json.RawMessage   `json:"settings,omitempty"`
	ConnectionID    string            `json:"connectionId"`
}

type SessionNotFoundEvent struct {
	SessionID string `json:"sessionId"`
}

type ParticipantsUpdatedEvent struct {
	Participants []ParticipantView `json:"participants"`
}

type HostContentUpdatedEvent struct {
	SelectedContent *ContentRef `json:"selectedContent"`
	CurrentIndex    int         `json:"currentIndex"`
}

type HostIndexUpdatedEvent struct {
	CurrentIndex int `json:"currentIndex"`
}

type HostTransferredEvent struct {
	NewHostID    string            `json:"newHostId"`
	Participants []ParticipantView `json:"participants"`
}

type SettingsUpdatedEvent struct {
	Settings json.RawMessage `json:"settings"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Content payloads

// ContentMetadata describes one selectable item in the catalog
type ContentMetadata struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Title       string `json:"title"`
	ArabicTitle string `json:"arabicTitle,omitempty"`
	TotalUnits  int    `json:"totalUnits"`
}

// Ref converts metadata into a selectable content reference
func (m ContentMetadata) Ref() *ContentRef {
	return &ContentRef{Type: m.Type, ID: m.ID, Title: m.Title, TotalUnits: m.TotalUnits}
}

// ContentUnit is one verse or line; Number is 1-based
type ContentUnit struct {
	Number          int    `json:"number"`
	Arabic          string `json:"arabic"`
	Transliteration string `json:"transliteration"`
	Translation     string `json:"translation"`
}

// ContentBody is the full text of one item
type ContentBody struct {
	ContentMetadata
	Units []ContentUnit `json:"units"`
}

// SessionSnapshot is a point-in-time copy of a session for read-only surfaces
type SessionSnapshot struct {
	ID              string            `json:"id"`
	HostID          string            `json:"hostId"`
	SelectedContent *ContentRef       `json:"selectedContent"`
	CurrentIndex    int               `json:"currentIndex"`
	Participants    []ParticipantView `json:"participants"`
	Settings        json.RawMessage   `json:"settings,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}
