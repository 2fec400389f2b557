package signaling

import (
	"context"
)

// LegState is the signaling client's view of one dialog side.
type LegState string

const (
	LegStateRinging    LegState = "ringing"
	LegStateAnswered   LegState = "answered"
	LegStateHeld       LegState = "held"
	LegStateTerminated LegState = "terminated"
)

// Terminal reports whether the leg can no longer change state.
func (s LegState) Terminal() bool {
	return s == LegStateTerminated
}

// Direction indicates who originated the leg.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Leg is one side of a live signaling dialog. Legs are owned by the
// transport that created them; consumers only hold references.
type Leg interface {
	// ID identifies the leg, the dialog Call-ID for SIP legs.
	ID() string

	// Direction reports whether the leg was received or originated.
	Direction() Direction

	// RemoteNumber is the far-end number or extension.
	RemoteNumber() string

	// Headers returns the raw header set of the leg's initial INVITE.
	Headers() map[string][]string

	// State returns the current leg state.
	State() LegState

	// OnStateChange registers a state watcher. The returned function
	// removes the watcher.
	OnStateChange(fn func(LegState)) (remove func())
}

// InviteOptions carries optional caller attributes for an outbound INVITE.
type InviteOptions struct {
	FromNumber    string
	HomeCountryID string
}

// Transport is the narrow signaling surface the orchestrator consumes:
// originate an outbound leg, and hear about inbound ones.
type Transport interface {
	Invite(ctx context.Context, toNumber string, opts InviteOptions) (Leg, error)
	OnRing(fn func(Leg)) (remove func())
}
