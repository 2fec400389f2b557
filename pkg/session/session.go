package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/callcontrol"
	"callbridge-server/pkg/correlation"
	"callbridge-server/pkg/signaling"
)

// Origin notes which transport produced a session's first leg.
type Origin string

const (
	OriginSignaling Origin = "signaling"
	OriginTelephony Origin = "telephony"
)

// State is the unified lifecycle state derived from the attached legs.
type State string

const (
	StateRinging      State = "ringing"
	StateAnswered     State = "answered"
	StateHold         State = "hold"
	StateDisconnected State = "disconnected"
)

// Session is the unified view of one physical call. It holds at most one
// signaling leg and at most one telephony leg and fires a single
// disconnected notification once every known leg has reached a terminal
// state. Sessions never reach back into the registry; the orchestrator
// observes the notification and performs removal.
type Session struct {
	id        string
	origin    Origin
	logger    *logrus.Entry
	createdAt time.Time

	mu               sync.Mutex
	signalingLeg     signaling.Leg
	telephonySession callcontrol.Session
	telephonyID      string
	partyData        *correlation.PartyData
	removeSigWatch   func()
	removeTelWatch   func()
	disconnected     bool
	disconnectFns    map[int]func()
	nextDisconnect   int
}

// New creates an empty session. The caller attaches at least one leg
// before sharing it; a session with zero legs must never be registered.
func New(logger *logrus.Logger, origin Origin) *Session {
	id := uuid.NewString()
	return &Session{
		id:            id,
		origin:        origin,
		logger:        logger.WithField("session_id", id),
		createdAt:     time.Now(),
		disconnectFns: make(map[int]func()),
	}
}

// ID is the locally-assigned session identity, stable across upgrades.
func (s *Session) ID() string {
	return s.id
}

// Origin reports which transport produced the session's first leg.
func (s *Session) Origin() Origin {
	return s.origin
}

// CreatedAt is the session's registration-eligible creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// TelephonySessionID is the session's correlation key: the telephony
// session identifier once a telephony leg is attached, else the key the
// signaling leg carried in its headers, else empty.
func (s *Session) TelephonySessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.telephonyID != "" {
		return s.telephonyID
	}
	if s.partyData != nil {
		return s.partyData.SessionID
	}
	return ""
}

// SignalingLeg returns the attached signaling leg, if any.
func (s *Session) SignalingLeg() signaling.Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalingLeg
}

// TelephonySession returns the attached telephony leg, if any.
func (s *Session) TelephonySession() callcontrol.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telephonySession
}

// PartyData returns the correlation metadata extracted from the signaling
// leg's headers, if any.
func (s *Session) PartyData() *correlation.PartyData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partyData
}

// AttachSignalingLeg binds a signaling leg. Set semantics: a second call
// replaces the previous leg, since the only legitimate re-invocation is a
// reconnect of the same call. After disconnection the session is inert;
// the leg is not attached and the call reports false so the caller can
// route it elsewhere.
func (s *Session) AttachSignalingLeg(leg signaling.Leg) bool {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		s.logger.Warn("Ignoring signaling leg attach on disconnected session")
		return false
	}
	if s.removeSigWatch != nil {
		s.removeSigWatch()
	}
	s.signalingLeg = leg
	s.partyData = correlation.ExtractPartyData(leg.Headers())
	s.removeSigWatch = leg.OnStateChange(func(state signaling.LegState) {
		if state.Terminal() {
			s.maybeDisconnect()
		}
	})
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"leg_id":    leg.ID(),
		"direction": string(leg.Direction()),
	}).Debug("Signaling leg attached")

	// The leg may already be terminal by the time it reaches us
	if leg.State().Terminal() {
		s.maybeDisconnect()
	}
	return true
}

// AttachTelephonyLeg binds a telephony leg; its identifier becomes the
// session's authoritative correlation key. Same set semantics and
// post-disconnect inertness as AttachSignalingLeg.
func (s *Session) AttachTelephonyLeg(ts callcontrol.Session) bool {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		s.logger.Warn("Ignoring telephony leg attach on disconnected session")
		return false
	}
	if s.removeTelWatch != nil {
		s.removeTelWatch()
	}
	s.telephonySession = ts
	s.telephonyID = ts.ID()
	s.removeTelWatch = ts.OnStateChange(func(state callcontrol.SessionState) {
		if state.Terminal() {
			s.maybeDisconnect()
		}
	})
	s.mu.Unlock()

	s.logger.WithField("telephony_session_id", ts.ID()).Debug("Telephony leg attached")

	if ts.State().Terminal() {
		s.maybeDisconnect()
	}
	return true
}

// State derives the unified lifecycle state from whichever legs are
// attached.
func (s *Session) State() State {
	s.mu.Lock()
	disconnected := s.disconnected
	leg := s.signalingLeg
	ts := s.telephonySession
	s.mu.Unlock()

	if disconnected {
		return StateDisconnected
	}

	if ts != nil {
		switch ts.State() {
		case callcontrol.SessionStateAnswered:
			return StateAnswered
		case callcontrol.SessionStateHold:
			return StateHold
		}
	}
	if leg != nil {
		switch leg.State() {
		case signaling.LegStateAnswered:
			return StateAnswered
		case signaling.LegStateHeld:
			return StateHold
		}
	}
	return StateRinging
}

// Disconnected reports whether the terminal notification has fired.
func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// OnDisconnected registers a callback for the terminal notification. If
// the session is already disconnected the callback fires immediately, so
// a late subscriber cannot miss removal. The returned function removes
// the registration.
func (s *Session) OnDisconnected(fn func()) (remove func()) {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		fn()
		return func() {}
	}

	id := s.nextDisconnect
	s.nextDisconnect++
	s.disconnectFns[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.disconnectFns, id)
	}
}

// maybeDisconnect fires the terminal notification when every known leg
// has reached a terminal state. It fires at most once.
func (s *Session) maybeDisconnect() {
	s.mu.Lock()
	if s.disconnected || !s.allLegsTerminalLocked() {
		s.mu.Unlock()
		return
	}
	s.disconnected = true

	if s.removeSigWatch != nil {
		s.removeSigWatch()
		s.removeSigWatch = nil
	}
	if s.removeTelWatch != nil {
		s.removeTelWatch()
		s.removeTelWatch = nil
	}

	fns := make([]func(), 0, len(s.disconnectFns))
	for _, fn := range s.disconnectFns {
		fns = append(fns, fn)
	}
	s.disconnectFns = make(map[int]func())
	s.mu.Unlock()

	s.logger.Info("Call session disconnected")

	for _, fn := range fns {
		fn()
	}
}

// allLegsTerminalLocked requires s.mu held. A session with no legs is
// never considered terminal; it must not exist in the registry at all.
func (s *Session) allLegsTerminalLocked() bool {
	if s.signalingLeg == nil && s.telephonySession == nil {
		return false
	}
	if s.signalingLeg != nil && !s.signalingLeg.State().Terminal() {
		return false
	}
	if s.telephonySession != nil && !s.telephonySession.State().Terminal() {
		return false
	}
	return true
}

// signalingKey is the header-extracted correlation key, empty when the
// signaling leg carried none. Used by the orchestrator's registry index.
func (s *Session) signalingKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partyData == nil {
		return ""
	}
	return s.partyData.SessionID
}

// telephonyKey is the authoritative telephony identifier, empty until a
// telephony leg attaches.
func (s *Session) telephonyKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telephonyID
}
