package ws

import "encoding/json"

// Envelope wraps every WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "join-session"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON object
}

// ──────────────────────────── Request DTOs ─────────────────────────

type EmptyRequest struct{}

// RoomRequest is the body for "join-room" and "leave-room". GroupID is a
// shorthand for room "group:<id>".
type RoomRequest struct {
	Room    string `json:"room"    validate:"required_without=GroupID"`
	GroupID string `json:"groupId" validate:"required_without=Room"`
}

// SessionRequest is the body for "join-session" and "leave-session".
// Camera and microphone default to on.
type SessionRequest struct {
	SessionID    string `json:"sessionId"    validate:"required"`
	MicEnabled   *bool  `json:"micEnabled"`
	VideoEnabled *bool  `json:"videoEnabled"`
}

// SignalRequest is the body for "offer", "answer" and "candidate".
type SignalRequest struct {
	To      string          `json:"to"      validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type StatusRequest struct {
	MicEnabled   bool `json:"micEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

type MessageRequest struct {
	Room string `json:"room" validate:"required"`
	Body string `json:"body" validate:"required"`
}

// ErrorBody is returned for rejected client events.
type ErrorBody struct {
	Event string `json:"event,omitempty"`
	Error string `json:"error"`
}
