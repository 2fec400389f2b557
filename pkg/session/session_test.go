package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-server/pkg/callcontrol"
	"callbridge-server/pkg/correlation"
	"callbridge-server/pkg/signaling"
)

// ---- fakes shared by the package tests ----

type fakeLeg struct {
	id      string
	dir     signaling.Direction
	remote  string
	headers map[string][]string

	mu       sync.Mutex
	state    signaling.LegState
	watchers map[int]func(signaling.LegState)
	nextID   int
}

func newFakeLeg(id string, headers map[string][]string) *fakeLeg {
	return &fakeLeg{
		id:       id,
		dir:      signaling.DirectionInbound,
		headers:  headers,
		state:    signaling.LegStateRinging,
		watchers: make(map[int]func(signaling.LegState)),
	}
}

func (l *fakeLeg) ID() string                     { return l.id }
func (l *fakeLeg) Direction() signaling.Direction { return l.dir }
func (l *fakeLeg) RemoteNumber() string           { return l.remote }
func (l *fakeLeg) Headers() map[string][]string   { return l.headers }

func (l *fakeLeg) State() signaling.LegState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLeg) OnStateChange(fn func(signaling.LegState)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.watchers[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.watchers, id)
	}
}

func (l *fakeLeg) setState(state signaling.LegState) {
	l.mu.Lock()
	l.state = state
	fns := make([]func(signaling.LegState), 0, len(l.watchers))
	for _, fn := range l.watchers {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

type fakeTelephony struct {
	id      string
	partyID string
	dir     string

	mu       sync.Mutex
	state    callcontrol.SessionState
	watchers map[int]func(callcontrol.SessionState)
	nextID   int
}

func newFakeTelephony(id string) *fakeTelephony {
	return &fakeTelephony{
		id:       id,
		dir:      "Outbound",
		state:    callcontrol.SessionStateProceeding,
		watchers: make(map[int]func(callcontrol.SessionState)),
	}
}

func (s *fakeTelephony) ID() string        { return s.id }
func (s *fakeTelephony) PartyID() string   { return s.partyID }
func (s *fakeTelephony) Direction() string { return s.dir }

func (s *fakeTelephony) State() callcontrol.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeTelephony) OnStateChange(fn func(callcontrol.SessionState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *fakeTelephony) setState(state callcontrol.SessionState) {
	s.mu.Lock()
	s.state = state
	fns := make([]func(callcontrol.SessionState), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	ringFns map[int]func(signaling.Leg)
	nextID  int

	invited   []string
	inviteLeg *fakeLeg
	inviteErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ringFns: make(map[int]func(signaling.Leg))}
}

func (t *fakeTransport) Invite(_ context.Context, toNumber string, _ signaling.InviteOptions) (signaling.Leg, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invited = append(t.invited, toNumber)
	if t.inviteErr != nil {
		return nil, t.inviteErr
	}
	if t.inviteLeg == nil {
		leg := newFakeLeg("out-"+toNumber, nil)
		leg.dir = signaling.DirectionOutbound
		t.inviteLeg = leg
	}
	return t.inviteLeg, nil
}

func (t *fakeTransport) OnRing(fn func(signaling.Leg)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.ringFns[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.ringFns, id)
	}
}

func (t *fakeTransport) ring(leg signaling.Leg) {
	t.mu.Lock()
	fns := make([]func(signaling.Leg), 0, len(t.ringFns))
	for _, fn := range t.ringFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(leg)
	}
}

type fakeCallControl struct {
	mu     sync.Mutex
	newFns map[int]func(callcontrol.Session)
	nextID int

	created    []callcontrol.CallParams
	createSess *fakeTelephony
	createErr  error
}

func newFakeCallControl() *fakeCallControl {
	return &fakeCallControl{newFns: make(map[int]func(callcontrol.Session))}
}

func (c *fakeCallControl) CreateCall(_ context.Context, _ string, params callcontrol.CallParams) (callcontrol.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, params)
	if c.createErr != nil {
		return nil, c.createErr
	}
	if c.createSess == nil {
		c.createSess = newFakeTelephony(fmt.Sprintf("ts-created-%d", len(c.created)))
	}
	return c.createSess, nil
}

func (c *fakeCallControl) OnNewSession(fn func(callcontrol.Session)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.newFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.newFns, id)
	}
}

func (c *fakeCallControl) report(ts callcontrol.Session) {
	c.mu.Lock()
	fns := make([]func(callcontrol.Session), 0, len(c.newFns))
	for _, fn := range c.newFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ts)
	}
}

func partyHeaders(partyID, sessionID string) map[string][]string {
	return map[string][]string{
		correlation.PartyHeaderName: {fmt.Sprintf("party-id=%s;session-id=%s", partyID, sessionID)},
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// ---- Session tests ----

func TestSessionAttachSignalingLeg(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	leg := newFakeLeg("call-1", partyHeaders("p-1", "ts-1"))

	assert.True(t, s.AttachSignalingLeg(leg))

	assert.Equal(t, leg, s.SignalingLeg())
	require.NotNil(t, s.PartyData())
	assert.Equal(t, "ts-1", s.PartyData().SessionID)
	assert.Equal(t, "p-1", s.PartyData().PartyID)
	assert.Equal(t, "ts-1", s.TelephonySessionID())
	assert.Equal(t, StateRinging, s.State())
}

func TestSessionTelephonyIDIsAuthoritative(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	s.AttachSignalingLeg(newFakeLeg("call-1", partyHeaders("p-1", "ts-1")))
	s.AttachTelephonyLeg(newFakeTelephony("ts-real"))

	assert.Equal(t, "ts-real", s.TelephonySessionID())
}

func TestSessionStateDerivation(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	leg := newFakeLeg("call-1", nil)
	s.AttachSignalingLeg(leg)
	assert.Equal(t, StateRinging, s.State())

	leg.setState(signaling.LegStateAnswered)
	assert.Equal(t, StateAnswered, s.State())

	// A telephony leg's state takes precedence once attached.
	ts := newFakeTelephony("ts-1")
	s.AttachTelephonyLeg(ts)
	ts.setState(callcontrol.SessionStateHold)
	assert.Equal(t, StateHold, s.State())

	ts.setState(callcontrol.SessionStateAnswered)
	leg.setState(signaling.LegStateHeld)
	assert.Equal(t, StateAnswered, s.State())
}

func TestSessionDisconnectRequiresAllLegs(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	leg := newFakeLeg("call-1", nil)
	ts := newFakeTelephony("ts-1")
	s.AttachSignalingLeg(leg)
	s.AttachTelephonyLeg(ts)

	fired := 0
	s.OnDisconnected(func() { fired++ })

	leg.setState(signaling.LegStateTerminated)
	assert.False(t, s.Disconnected(), "one live leg should keep the session alive")
	assert.Equal(t, 0, fired)

	ts.setState(callcontrol.SessionStateDisconnected)
	assert.True(t, s.Disconnected())
	assert.Equal(t, 1, fired)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionDisconnectFiresOnce(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	leg := newFakeLeg("call-1", nil)
	s.AttachSignalingLeg(leg)

	fired := 0
	s.OnDisconnected(func() { fired++ })

	leg.setState(signaling.LegStateTerminated)
	leg.setState(signaling.LegStateTerminated)
	s.maybeDisconnect()

	assert.Equal(t, 1, fired)
}

func TestSessionOnDisconnectedAfterTheFact(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	leg := newFakeLeg("call-1", nil)
	s.AttachSignalingLeg(leg)
	leg.setState(signaling.LegStateTerminated)

	fired := false
	remove := s.OnDisconnected(func() { fired = true })
	remove()

	assert.True(t, fired, "late subscriber fires immediately")
}

func TestSessionAttachAlreadyTerminalLeg(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	leg := newFakeLeg("call-1", nil)
	leg.setState(signaling.LegStateTerminated)

	s.AttachSignalingLeg(leg)

	assert.True(t, s.Disconnected())
}

func TestSessionIgnoresAttachAfterDisconnect(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	leg := newFakeLeg("call-1", nil)
	s.AttachSignalingLeg(leg)
	leg.setState(signaling.LegStateTerminated)
	require.True(t, s.Disconnected())

	replacement := newFakeLeg("call-2", nil)
	assert.False(t, s.AttachSignalingLeg(replacement))
	assert.NotEqual(t, replacement, s.SignalingLeg())

	assert.False(t, s.AttachTelephonyLeg(newFakeTelephony("ts-late")))
	assert.Nil(t, s.TelephonySession())
}

func TestSessionReattachReplacesLeg(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	first := newFakeLeg("call-1", partyHeaders("p-1", "ts-1"))
	second := newFakeLeg("call-2", partyHeaders("p-2", "ts-1"))

	s.AttachSignalingLeg(first)
	s.AttachSignalingLeg(second)

	assert.Equal(t, second, s.SignalingLeg())
	assert.Equal(t, "p-2", s.PartyData().PartyID)

	// The replaced leg's fate no longer affects the session.
	first.setState(signaling.LegStateTerminated)
	assert.False(t, s.Disconnected())

	second.setState(signaling.LegStateTerminated)
	assert.True(t, s.Disconnected())
}

func TestSessionEmptyNeverTerminal(t *testing.T) {
	s := New(testLogger(), OriginSignaling)
	s.maybeDisconnect()
	assert.False(t, s.Disconnected())
}
