package messaging

import (
	"time"
)

// EventType labels a call session lifecycle transition.
type EventType string

const (
	EventSessionCreated      EventType = "session.created"
	EventSessionUpgraded     EventType = "session.upgraded"
	EventSessionDisconnected EventType = "session.disconnected"
)

// SessionEvent is the message published for each lifecycle transition of
// a call session.
type SessionEvent struct {
	Type               EventType              `json:"type"`
	SessionID          string                 `json:"session_id"`
	TelephonySessionID string                 `json:"telephony_session_id,omitempty"`
	Origin             string                 `json:"origin"`
	State              string                 `json:"state"`
	Timestamp          time.Time              `json:"timestamp"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// Publisher delivers session lifecycle events to downstream consumers.
type Publisher interface {
	PublishSessionEvent(event SessionEvent) error
	IsConnected() bool
}

// NoopPublisher drops every event. Used when no message broker is
// configured so callers never need a nil check.
type NoopPublisher struct{}

func (NoopPublisher) PublishSessionEvent(SessionEvent) error { return nil }
func (NoopPublisher) IsConnected() bool                      { return false }
