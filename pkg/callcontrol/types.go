package callcontrol

import (
	"context"
)

// SessionState is the call-control service's reported state for one
// telephony session.
type SessionState string

const (
	SessionStateSetup        SessionState = "Setup"
	SessionStateProceeding   SessionState = "Proceeding"
	SessionStateAnswered     SessionState = "Answered"
	SessionStateHold         SessionState = "Hold"
	SessionStateDisconnected SessionState = "Disconnected"
)

// Terminal reports whether the session can no longer change state.
func (s SessionState) Terminal() bool {
	return s == SessionStateDisconnected
}

// Session is the call-control service's representation of one telephony
// session. Its identifier doubles as the correlation key signaling legs
// carry in their headers.
type Session interface {
	// ID is the service-assigned telephony session identifier.
	ID() string

	// PartyID identifies our party within the session.
	PartyID() string

	// Direction is "Inbound" or "Outbound" as reported by the service.
	Direction() string

	// State returns the last reported session state.
	State() SessionState

	// OnStateChange registers a state watcher. The returned function
	// removes the watcher.
	OnStateChange(fn func(SessionState)) (remove func())
}

// CallParams selects the destination for an outbound call-control call.
// Exactly one of the two fields is set.
type CallParams struct {
	PhoneNumber     string `json:"phoneNumber,omitempty"`
	ExtensionNumber string `json:"extensionNumber,omitempty"`
}

// Client is the narrow call-control surface the orchestrator consumes:
// create outbound sessions, and hear about every session the service
// starts reporting.
type Client interface {
	CreateCall(ctx context.Context, deviceID string, params CallParams) (Session, error)
	OnNewSession(fn func(Session)) (remove func())
}
