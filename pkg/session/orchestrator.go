package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/callcontrol"
	"callbridge-server/pkg/correlation"
	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
	"callbridge-server/pkg/signaling"
)

// CallType selects which transport originates an outbound call.
type CallType string

const (
	CallTypeWebphone    CallType = "webphone"
	CallTypeCallControl CallType = "callControl"
)

// extensionMaxDigits: destinations of at most this length dial as
// extensions, longer ones as full phone numbers.
const extensionMaxDigits = 5

// PlaceCallParams describes an outbound call request.
type PlaceCallParams struct {
	ToNumber      string
	FromNumber    string
	DeviceID      string
	Type          CallType
	HomeCountryID string
}

// Orchestrator owns the registry of live call sessions. It routes inbound
// signaling legs and telephony-service sessions through correlation,
// creating or upgrading sessions, and retires sessions when they
// disconnect. Each inbound event makes its find-or-create decision and
// any registration under a single lock hold, so two events can never both
// decide "unmatched" for the same already-registered call. Attaching to a
// matched session happens outside the lock; an attach refused because the
// session disconnected in between retires that session and retries the
// lookup, so the leg always lands in a live session.
type Orchestrator struct {
	logger *logrus.Logger

	mu          sync.Mutex
	signaling   signaling.Transport
	callControl callcontrol.Client
	sessions    []*Session

	// Two explicit match rules, two indexes: byTelephonyID holds
	// sessions whose telephony leg is attached (authoritative key),
	// bySignalingKey holds signaling-only sessions indexed by the key
	// their headers carried.
	byTelephonyID  map[string]*Session
	bySignalingKey map[string]*Session

	newFns     map[int]func(*Session)
	upgradeFns map[int]func(*Session)
	removedFns map[int]func(*Session)
	nextFn     int
	disposed   bool

	removeRing func()
	removeFeed func()
}

// NewOrchestrator creates an orchestrator and subscribes it to both
// transports' event streams.
func NewOrchestrator(logger *logrus.Logger, sig signaling.Transport, cc callcontrol.Client) *Orchestrator {
	o := &Orchestrator{
		logger:         logger,
		signaling:      sig,
		callControl:    cc,
		byTelephonyID:  make(map[string]*Session),
		bySignalingKey: make(map[string]*Session),
		newFns:         make(map[int]func(*Session)),
		upgradeFns:     make(map[int]func(*Session)),
		removedFns:     make(map[int]func(*Session)),
	}

	o.removeRing = sig.OnRing(o.handleSignalingRing)
	o.removeFeed = cc.OnNewSession(func(ts callcontrol.Session) {
		o.HandleTelephonySession(ts)
	})

	return o
}

// Signaling returns the signaling transport, nil after Dispose.
func (o *Orchestrator) Signaling() signaling.Transport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.signaling
}

// CallControl returns the call-control client, nil after Dispose.
func (o *Orchestrator) CallControl() callcontrol.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callControl
}

// Sessions returns a snapshot of the live session collection. The slice
// does not track later registry changes.
func (o *Orchestrator) Sessions() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := make([]*Session, len(o.sessions))
	copy(snapshot, o.sessions)
	return snapshot
}

// SessionCount returns the number of live sessions.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// FindByTelephonySessionID returns the live session carrying the given
// correlation key, through either match rule.
func (o *Orchestrator) FindByTelephonySessionID(id string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.byTelephonyID[id]; ok {
		return s
	}
	return o.bySignalingKey[id]
}

// OnNewSession registers a callback fired once per session creation,
// never on an attach-upgrade. The returned function removes it.
func (o *Orchestrator) OnNewSession(fn func(*Session)) (remove func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextFn
	o.nextFn++
	o.newFns[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.newFns, id)
	}
}

// OnSessionUpgraded registers a callback fired when a second leg attaches
// to an existing session. The returned function removes it.
func (o *Orchestrator) OnSessionUpgraded(fn func(*Session)) (remove func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextFn
	o.nextFn++
	o.upgradeFns[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.upgradeFns, id)
	}
}

// OnSessionRemoved registers a callback fired when a disconnected session
// leaves the registry, whether or not it was ever announced. The returned
// function removes it.
func (o *Orchestrator) OnSessionRemoved(fn func(*Session)) (remove func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextFn
	o.nextFn++
	o.removedFns[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.removedFns, id)
	}
}

// PlaceCall originates an outbound call on the requested transport and
// wraps the resulting leg in a new session. Transport failures propagate
// to the caller and no session is created; retries belong to the
// transports.
func (o *Orchestrator) PlaceCall(ctx context.Context, params PlaceCallParams) (*Session, error) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil, errors.NewDisposed("PlaceCall")
	}
	sig := o.signaling
	cc := o.callControl
	o.mu.Unlock()

	if params.ToNumber == "" {
		return nil, errors.NewInvalidDestination("empty destination")
	}

	switch params.Type {
	case CallTypeWebphone:
		leg, err := sig.Invite(ctx, params.ToNumber, signaling.InviteOptions{
			FromNumber:    params.FromNumber,
			HomeCountryID: params.HomeCountryID,
		})
		if err != nil {
			metrics.RecordPlaceCall(string(params.Type), "error")
			return nil, err
		}
		metrics.RecordPlaceCall(string(params.Type), "ok")
		// No correlation lookup: a just-invited leg cannot be in the
		// registry yet. No "new" announcement either; announcements
		// cover sessions arriving from the outside.
		return o.registerSignalingLeg(leg, false), nil

	case CallTypeCallControl:
		callParams := callcontrol.CallParams{}
		if len(params.ToNumber) > extensionMaxDigits {
			callParams.PhoneNumber = params.ToNumber
		} else {
			callParams.ExtensionNumber = params.ToNumber
		}

		ts, err := cc.CreateCall(ctx, params.DeviceID, callParams)
		if err != nil {
			metrics.RecordPlaceCall(string(params.Type), "error")
			return nil, err
		}
		metrics.RecordPlaceCall(string(params.Type), "ok")
		// Route through the observed path so a later signaling leg
		// for the same call still correlates.
		return o.HandleTelephonySession(ts), nil

	default:
		return nil, errors.NewInvalidDestination(fmt.Sprintf("unknown call type %q", params.Type))
	}
}

// Dispose unsubscribes from both transports and releases their
// references. Operations on a disposed orchestrator fail with
// ErrDisposed; it must not be disposed twice.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		o.logger.Error("Orchestrator disposed twice")
		return
	}
	o.disposed = true
	o.signaling = nil
	o.callControl = nil
	removeRing := o.removeRing
	removeFeed := o.removeFeed
	o.removeRing = nil
	o.removeFeed = nil
	o.mu.Unlock()

	if removeRing != nil {
		removeRing()
	}
	if removeFeed != nil {
		removeFeed()
	}

	o.logger.Info("Orchestrator disposed")
}

// handleSignalingRing processes a new inbound signaling leg: match by the
// correlation key its headers carry, else create a signaling-only
// session.
func (o *Orchestrator) handleSignalingRing(leg signaling.Leg) {
	partyData := correlation.ExtractPartyData(leg.Headers())

	if partyData == nil {
		// No usable key: always a new session. Accepting the
		// occasional split call beats guessing a match.
		metrics.RecordCorrelationMiss()
		o.logger.WithField("leg_id", leg.ID()).Debug("Inbound leg carried no correlation key")
		o.registerSignalingLeg(leg, true)
		return
	}

	for {
		o.mu.Lock()
		if o.disposed {
			o.mu.Unlock()
			return
		}

		var existing *Session
		if s, ok := o.byTelephonyID[partyData.SessionID]; ok {
			existing = s
		} else if s, ok := o.bySignalingKey[partyData.SessionID]; ok {
			existing = s
		}

		if existing == nil {
			// Keyed but unmatched; the telephony side may still
			// arrive. Registering under the same lock hold as the
			// miss keeps a concurrent feed event for this key from
			// creating a second session.
			s, fns := o.registerSignalingLegLocked(leg, true)
			o.mu.Unlock()
			metrics.RecordCorrelationMiss()
			o.finishSignalingRegister(s, leg, fns)
			return
		}
		o.mu.Unlock()

		if !existing.AttachSignalingLeg(leg) {
			// Disconnected between lookup and attach; retire it and
			// look again so the leg still lands in a live session.
			o.removeSession(existing)
			continue
		}

		metrics.RecordCorrelationMatch()
		metrics.RecordSessionUpgraded()
		o.logger.WithFields(logrus.Fields{
			"session_id":           existing.ID(),
			"telephony_session_id": partyData.SessionID,
			"leg_id":               leg.ID(),
		}).Info("Signaling leg attached to existing session")
		o.notifyUpgraded(existing)
		return
	}
}

// HandleTelephonySession processes a telephony session the call-control
// service reports: update a session already carrying the identifier,
// upgrade a signaling-only session whose headers carried it, else create
// a telephony-only session. It returns the session either way.
func (o *Orchestrator) HandleTelephonySession(ts callcontrol.Session) *Session {
	for {
		o.mu.Lock()
		if o.disposed {
			o.mu.Unlock()
			return nil
		}

		// Match rule one: a session already carrying this telephony
		// identifier; the event is an update.
		if existing, ok := o.byTelephonyID[ts.ID()]; ok {
			o.mu.Unlock()
			if !existing.AttachTelephonyLeg(ts) {
				o.removeSession(existing)
				continue
			}
			o.logger.WithFields(logrus.Fields{
				"session_id":           existing.ID(),
				"telephony_session_id": ts.ID(),
			}).Debug("Telephony session update")
			return existing
		}

		// Match rule two: a signaling-only session whose headers carried
		// this identifier as its correlation key; the event upgrades it.
		if existing, ok := o.bySignalingKey[ts.ID()]; ok {
			o.mu.Unlock()
			if !existing.AttachTelephonyLeg(ts) {
				o.removeSession(existing)
				continue
			}

			// Re-index under the authoritative key, unless removal
			// already took the session out of the registry.
			o.mu.Lock()
			if o.bySignalingKey[ts.ID()] == existing {
				delete(o.bySignalingKey, ts.ID())
				o.byTelephonyID[ts.ID()] = existing
			}
			o.mu.Unlock()

			metrics.RecordCorrelationMatch()
			metrics.RecordSessionUpgraded()
			o.logger.WithFields(logrus.Fields{
				"session_id":           existing.ID(),
				"telephony_session_id": ts.ID(),
			}).Info("Telephony leg attached to existing session")
			o.notifyUpgraded(existing)
			return existing
		}

		s := New(o.logger, OriginTelephony)
		s.AttachTelephonyLeg(ts)
		o.registerLocked(s)
		fns := o.announceFnsLocked()
		o.mu.Unlock()

		metrics.RecordSessionCreated(string(OriginTelephony))
		o.logger.WithFields(logrus.Fields{
			"session_id":           s.ID(),
			"telephony_session_id": ts.ID(),
		}).Info("New telephony-only session")

		o.watchDisconnect(s)
		for _, fn := range fns {
			fn(s)
		}
		return s
	}
}

// registerSignalingLeg wraps a signaling leg in a new session and
// registers it, announcing it when it arrived from the outside.
func (o *Orchestrator) registerSignalingLeg(leg signaling.Leg, announce bool) *Session {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	s, fns := o.registerSignalingLegLocked(leg, announce)
	o.mu.Unlock()

	o.finishSignalingRegister(s, leg, fns)
	return s
}

// registerSignalingLegLocked requires o.mu held. A fresh session has no
// disconnect subscribers yet, so attaching under the lock cannot reenter
// the orchestrator.
func (o *Orchestrator) registerSignalingLegLocked(leg signaling.Leg, announce bool) (*Session, []func(*Session)) {
	s := New(o.logger, OriginSignaling)
	s.AttachSignalingLeg(leg)
	o.registerLocked(s)

	var fns []func(*Session)
	if announce {
		fns = o.announceFnsLocked()
	}
	return s, fns
}

func (o *Orchestrator) finishSignalingRegister(s *Session, leg signaling.Leg, fns []func(*Session)) {
	metrics.RecordSessionCreated(string(OriginSignaling))
	o.logger.WithFields(logrus.Fields{
		"session_id": s.ID(),
		"leg_id":     leg.ID(),
	}).Info("New signaling-only session")

	o.watchDisconnect(s)
	for _, fn := range fns {
		fn(s)
	}
}

// registerLocked requires o.mu held.
func (o *Orchestrator) registerLocked(s *Session) {
	o.sessions = append(o.sessions, s)
	if tid := s.telephonyKey(); tid != "" {
		o.byTelephonyID[tid] = s
	} else if key := s.signalingKey(); key != "" {
		o.bySignalingKey[key] = s
	}
}

func (o *Orchestrator) notifyUpgraded(s *Session) {
	o.mu.Lock()
	fns := make([]func(*Session), 0, len(o.upgradeFns))
	for _, fn := range o.upgradeFns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// announceFnsLocked requires o.mu held.
func (o *Orchestrator) announceFnsLocked() []func(*Session) {
	fns := make([]func(*Session), 0, len(o.newFns))
	for _, fn := range o.newFns {
		fns = append(fns, fn)
	}
	return fns
}

// watchDisconnect subscribes removal to the session's terminal
// notification. OnDisconnected fires immediately for an
// already-disconnected session, so a leg that died during registration
// still gets cleaned up.
func (o *Orchestrator) watchDisconnect(s *Session) {
	s.OnDisconnected(func() {
		o.removeSession(s)
	})
}

// removeSession drops a session from the registry. Removing a session
// that is already gone is a no-op, so repeated disconnection
// notifications are harmless.
func (o *Orchestrator) removeSession(s *Session) {
	o.mu.Lock()

	found := false
	for i, candidate := range o.sessions {
		if candidate == s {
			o.sessions = append(o.sessions[:i], o.sessions[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		o.mu.Unlock()
		return
	}

	// Delete index entries only when they still point at this session;
	// a reused identifier may already belong to a successor.
	if tid := s.telephonyKey(); tid != "" && o.byTelephonyID[tid] == s {
		delete(o.byTelephonyID, tid)
	}
	if key := s.signalingKey(); key != "" && o.bySignalingKey[key] == s {
		delete(o.bySignalingKey, key)
	}
	fns := make([]func(*Session), 0, len(o.removedFns))
	for _, fn := range o.removedFns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	metrics.RecordSessionRemoved(string(s.Origin()), time.Since(s.CreatedAt()))
	o.logger.WithField("session_id", s.ID()).Info("Call session removed from registry")

	for _, fn := range fns {
		fn(s)
	}
}
