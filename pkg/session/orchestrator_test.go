package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge-server/pkg/callcontrol"
	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/signaling"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeTransport, *fakeCallControl) {
	t.Helper()
	transport := newFakeTransport()
	cc := newFakeCallControl()
	o := NewOrchestrator(testLogger(), transport, cc)
	return o, transport, cc
}

func TestRingWithoutKeyCreatesSession(t *testing.T) {
	o, transport, _ := newTestOrchestrator(t)

	var announced []*Session
	o.OnNewSession(func(s *Session) { announced = append(announced, s) })

	transport.ring(newFakeLeg("call-1", nil))

	require.Len(t, announced, 1)
	s := announced[0]
	assert.Equal(t, OriginSignaling, s.Origin())
	assert.Equal(t, "", s.TelephonySessionID())
	assert.Equal(t, 1, o.SessionCount())
}

func TestRingThenTelephonyUpgrades(t *testing.T) {
	o, transport, cc := newTestOrchestrator(t)

	var announced []*Session
	o.OnNewSession(func(s *Session) { announced = append(announced, s) })

	transport.ring(newFakeLeg("call-1", partyHeaders("p-1", "ts-1")))
	cc.report(newFakeTelephony("ts-1"))

	require.Len(t, announced, 1, "upgrade must not announce a second session")
	s := announced[0]
	assert.Equal(t, 1, o.SessionCount())
	assert.NotNil(t, s.SignalingLeg())
	assert.NotNil(t, s.TelephonySession())
	assert.Equal(t, "ts-1", s.TelephonySessionID())
	assert.Equal(t, OriginSignaling, s.Origin())
	assert.Same(t, s, o.FindByTelephonySessionID("ts-1"))
}

func TestTelephonyThenRingUpgrades(t *testing.T) {
	o, transport, cc := newTestOrchestrator(t)

	var announced []*Session
	o.OnNewSession(func(s *Session) { announced = append(announced, s) })

	cc.report(newFakeTelephony("ts-1"))
	transport.ring(newFakeLeg("call-1", partyHeaders("p-1", "ts-1")))

	require.Len(t, announced, 1)
	s := announced[0]
	assert.Equal(t, 1, o.SessionCount())
	assert.NotNil(t, s.SignalingLeg())
	assert.NotNil(t, s.TelephonySession())
	assert.Equal(t, OriginTelephony, s.Origin())
}

func TestTelephonyUpdateDoesNotReannounce(t *testing.T) {
	o, _, cc := newTestOrchestrator(t)

	announced := 0
	o.OnNewSession(func(*Session) { announced++ })

	first := newFakeTelephony("ts-1")
	cc.report(first)
	later := newFakeTelephony("ts-1")
	later.state = callcontrol.SessionStateAnswered
	cc.report(later)

	assert.Equal(t, 1, announced)
	assert.Equal(t, 1, o.SessionCount())
	assert.Equal(t, StateAnswered, o.Sessions()[0].State())
}

func TestMismatchedKeysStaySeparate(t *testing.T) {
	o, transport, cc := newTestOrchestrator(t)

	transport.ring(newFakeLeg("call-1", partyHeaders("p-1", "ts-1")))
	cc.report(newFakeTelephony("ts-2"))

	assert.Equal(t, 2, o.SessionCount())
}

func TestPlaceCallWebphone(t *testing.T) {
	o, transport, cc := newTestOrchestrator(t)

	announced := 0
	o.OnNewSession(func(*Session) { announced++ })

	s, err := o.PlaceCall(context.Background(), PlaceCallParams{
		ToNumber:   "16505550100",
		FromNumber: "16505550199",
		Type:       CallTypeWebphone,
	})
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.Equal(t, []string{"16505550100"}, transport.invited)
	assert.Empty(t, cc.created, "webphone calls never touch call control")
	assert.Equal(t, 0, announced, "locally placed signaling calls are not announced")
	assert.Equal(t, 1, o.SessionCount())
	assert.Equal(t, OriginSignaling, s.Origin())
}

func TestPlaceCallCallControlNumberClassification(t *testing.T) {
	tests := []struct {
		name     string
		toNumber string
		want     callcontrol.CallParams
	}{
		{"long destination dials as phone number", "16505550100", callcontrol.CallParams{PhoneNumber: "16505550100"}},
		{"six digits is a phone number", "650555", callcontrol.CallParams{PhoneNumber: "650555"}},
		{"five digits dials as extension", "10123", callcontrol.CallParams{ExtensionNumber: "10123"}},
		{"short extension", "101", callcontrol.CallParams{ExtensionNumber: "101"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, transport, cc := newTestOrchestrator(t)

			s, err := o.PlaceCall(context.Background(), PlaceCallParams{
				ToNumber: tt.toNumber,
				DeviceID: "dev-1",
				Type:     CallTypeCallControl,
			})
			require.NoError(t, err)
			require.NotNil(t, s)

			require.Len(t, cc.created, 1)
			assert.Equal(t, tt.want, cc.created[0])
			assert.Empty(t, transport.invited)
			assert.Equal(t, OriginTelephony, s.Origin())
		})
	}
}

func TestPlaceCallCallControlAnnounces(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	announced := 0
	o.OnNewSession(func(*Session) { announced++ })

	_, err := o.PlaceCall(context.Background(), PlaceCallParams{
		ToNumber: "16505550100",
		Type:     CallTypeCallControl,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, announced)
}

func TestPlaceCallCreatedSessionDeduplicates(t *testing.T) {
	o, _, cc := newTestOrchestrator(t)

	s, err := o.PlaceCall(context.Background(), PlaceCallParams{
		ToNumber: "16505550100",
		Type:     CallTypeCallControl,
	})
	require.NoError(t, err)

	// The feed later reports the session we created ourselves.
	cc.report(cc.createSess)

	assert.Equal(t, 1, o.SessionCount())
	assert.Same(t, s, o.FindByTelephonySessionID(cc.createSess.ID()))
}

func TestPlaceCallErrors(t *testing.T) {
	t.Run("empty destination", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		_, err := o.PlaceCall(context.Background(), PlaceCallParams{Type: CallTypeWebphone})
		require.Error(t, err)
		assert.True(t, errors.IsErrorType(err, errors.ErrInvalidDestination))
		assert.Equal(t, 0, o.SessionCount())
	})

	t.Run("unknown call type", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)
		_, err := o.PlaceCall(context.Background(), PlaceCallParams{ToNumber: "101", Type: "carrierPigeon"})
		require.Error(t, err)
		assert.Equal(t, 0, o.SessionCount())
	})

	t.Run("invite failure creates no session", func(t *testing.T) {
		o, transport, _ := newTestOrchestrator(t)
		transport.inviteErr = errors.ErrNetworkFailure
		_, err := o.PlaceCall(context.Background(), PlaceCallParams{ToNumber: "101", Type: CallTypeWebphone})
		require.Error(t, err)
		assert.Equal(t, 0, o.SessionCount())
	})

	t.Run("create call failure creates no session", func(t *testing.T) {
		o, _, cc := newTestOrchestrator(t)
		cc.createErr = errors.ErrNetworkFailure
		_, err := o.PlaceCall(context.Background(), PlaceCallParams{ToNumber: "101", Type: CallTypeCallControl})
		require.Error(t, err)
		assert.Equal(t, 0, o.SessionCount())
	})
}

func TestDisconnectRemovesSession(t *testing.T) {
	o, transport, cc := newTestOrchestrator(t)

	leg := newFakeLeg("call-1", partyHeaders("p-1", "ts-1"))
	ts := newFakeTelephony("ts-1")
	transport.ring(leg)
	cc.report(ts)
	require.Equal(t, 1, o.SessionCount())

	leg.setState(signaling.LegStateTerminated)
	assert.Equal(t, 1, o.SessionCount(), "session survives while the telephony leg is live")

	ts.setState(callcontrol.SessionStateDisconnected)
	assert.Equal(t, 0, o.SessionCount())
	assert.Nil(t, o.FindByTelephonySessionID("ts-1"))

	// A repeated terminal notification finds nothing to remove.
	ts.setState(callcontrol.SessionStateDisconnected)
	assert.Equal(t, 0, o.SessionCount())
}

func TestReusedKeyAfterRemoval(t *testing.T) {
	o, _, cc := newTestOrchestrator(t)

	first := newFakeTelephony("ts-1")
	cc.report(first)
	first.setState(callcontrol.SessionStateDisconnected)
	require.Equal(t, 0, o.SessionCount())

	second := newFakeTelephony("ts-1")
	cc.report(second)
	assert.Equal(t, 1, o.SessionCount())
	assert.Equal(t, second, o.Sessions()[0].TelephonySession())
}

func TestAlreadyTerminalTelephonySession(t *testing.T) {
	o, _, cc := newTestOrchestrator(t)

	ts := newFakeTelephony("ts-1")
	ts.state = callcontrol.SessionStateDisconnected
	cc.report(ts)

	assert.Equal(t, 0, o.SessionCount(), "a dead-on-arrival session is removed immediately")
}

func TestDispose(t *testing.T) {
	o, transport, cc := newTestOrchestrator(t)

	o.Dispose()

	assert.Nil(t, o.Signaling())
	assert.Nil(t, o.CallControl())

	_, err := o.PlaceCall(context.Background(), PlaceCallParams{ToNumber: "101", Type: CallTypeWebphone})
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrDisposed))

	announced := 0
	o.OnNewSession(func(*Session) { announced++ })
	transport.ring(newFakeLeg("call-1", nil))
	cc.report(newFakeTelephony("ts-1"))
	assert.Equal(t, 0, announced)
	assert.Equal(t, 0, o.SessionCount())
}

func TestOnSessionUpgraded(t *testing.T) {
	o, transport, cc := newTestOrchestrator(t)

	var upgraded []*Session
	o.OnSessionUpgraded(func(s *Session) { upgraded = append(upgraded, s) })

	transport.ring(newFakeLeg("call-1", partyHeaders("p-1", "ts-1")))
	require.Empty(t, upgraded, "creation is not an upgrade")

	cc.report(newFakeTelephony("ts-1"))
	require.Len(t, upgraded, 1)
	assert.Equal(t, "ts-1", upgraded[0].TelephonySessionID())

	// An update to a session already carrying the telephony leg is not
	// an upgrade either.
	cc.report(newFakeTelephony("ts-1"))
	assert.Len(t, upgraded, 1)
}

func TestOnSessionRemoved(t *testing.T) {
	o, transport, _ := newTestOrchestrator(t)

	var removed []*Session
	o.OnSessionRemoved(func(s *Session) { removed = append(removed, s) })

	leg := newFakeLeg("call-1", nil)
	transport.ring(leg)
	require.Empty(t, removed)

	leg.setState(signaling.LegStateTerminated)
	require.Len(t, removed, 1)
	assert.Equal(t, StateDisconnected, removed[0].State())
}

func TestOnNewSessionRemove(t *testing.T) {
	o, transport, _ := newTestOrchestrator(t)

	announced := 0
	remove := o.OnNewSession(func(*Session) { announced++ })
	remove()

	transport.ring(newFakeLeg("call-1", nil))
	assert.Equal(t, 0, announced)
	assert.Equal(t, 1, o.SessionCount())
}

func TestConcurrentRingAndFeedCorrelateOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		o, transport, cc := newTestOrchestrator(t)

		key := fmt.Sprintf("ts-race-%d", i)
		leg := newFakeLeg("call-race", partyHeaders("p-1", key))
		ts := newFakeTelephony(key)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			transport.ring(leg)
		}()
		go func() {
			defer wg.Done()
			<-start
			cc.report(ts)
		}()
		close(start)
		wg.Wait()

		require.Equal(t, 1, o.SessionCount(), "both events carried the same key")
		s := o.FindByTelephonySessionID(key)
		require.NotNil(t, s)
		assert.NotNil(t, s.SignalingLeg())
		assert.NotNil(t, s.TelephonySession())
	}
}

// injectStaleSession registers a session whose legs are already terminal
// but whose removal has not been processed, as happens when an event for
// its key arrives while the disconnect notification is still in flight.
func injectStaleSession(o *Orchestrator, ts *fakeTelephony) *Session {
	stale := New(testLogger(), OriginTelephony)
	stale.AttachTelephonyLeg(ts)

	o.mu.Lock()
	o.sessions = append(o.sessions, stale)
	o.byTelephonyID[ts.ID()] = stale
	o.mu.Unlock()

	ts.setState(callcontrol.SessionStateDisconnected)
	return stale
}

func TestRingFallsBackWhenMatchedSessionDisconnected(t *testing.T) {
	o, transport, _ := newTestOrchestrator(t)

	stale := injectStaleSession(o, newFakeTelephony("ts-stale"))

	leg := newFakeLeg("call-1", partyHeaders("p-1", "ts-stale"))
	transport.ring(leg)

	assert.Equal(t, 1, o.SessionCount())
	live := o.FindByTelephonySessionID("ts-stale")
	require.NotNil(t, live)
	assert.NotSame(t, stale, live)
	assert.Equal(t, leg, live.SignalingLeg(), "the leg must land in a live session")
	assert.Nil(t, stale.SignalingLeg())
}

func TestFeedFallsBackWhenMatchedSessionDisconnected(t *testing.T) {
	o, _, cc := newTestOrchestrator(t)

	stale := injectStaleSession(o, newFakeTelephony("ts-stale"))

	replacement := newFakeTelephony("ts-stale")
	cc.report(replacement)

	assert.Equal(t, 1, o.SessionCount())
	live := o.FindByTelephonySessionID("ts-stale")
	require.NotNil(t, live)
	assert.NotSame(t, stale, live)
	assert.Equal(t, callcontrol.Session(replacement), live.TelephonySession())
}
