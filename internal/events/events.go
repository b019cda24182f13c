package events

import "time"

// Stream names.
const (
	StreamEvents = "EMBER_EVENTS"
)

// Subject constants.
const (
	SubjectTurnEvent    = "ember.events.turn"
	SubjectSessionEvent = "ember.events.session"
	SubjectChunkPrefix  = "ember.chunks" // ember.chunks.{session_id}
)

// TurnEvent is published when a conversation turn completes or fails.
type TurnEvent struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Seq       int       `json:"seq"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
	Status    string    `json:"status"` // completed, failed
	At        time.Time `json:"at"`
}

// SessionEvent is published for session lifecycle changes.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	EventType string    `json:"event_type"` // started, ended
	At        time.Time `json:"at"`
}
