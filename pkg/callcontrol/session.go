package callcontrol

import (
	"sync"
)

// remoteSession implements Session for sessions reported by the service.
// State updates come from the event feed; watchers are notified outside
// the lock so they may call back in.
type remoteSession struct {
	id        string
	partyID   string
	direction string

	mu          sync.Mutex
	state       SessionState
	watchers    map[int]func(SessionState)
	nextWatcher int
}

func newRemoteSession(id, partyID, direction string, state SessionState) *remoteSession {
	if state == "" {
		state = SessionStateSetup
	}
	return &remoteSession{
		id:        id,
		partyID:   partyID,
		direction: direction,
		state:     state,
		watchers:  make(map[int]func(SessionState)),
	}
}

func (s *remoteSession) ID() string {
	return s.id
}

func (s *remoteSession) PartyID() string {
	return s.partyID
}

func (s *remoteSession) Direction() string {
	return s.direction
}

func (s *remoteSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *remoteSession) OnStateChange(fn func(SessionState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// update applies a feed-reported state and fills in party metadata the
// creation response may have lacked. Transitions out of a terminal state
// are ignored.
func (s *remoteSession) update(partyID string, state SessionState) {
	s.mu.Lock()
	if partyID != "" && s.partyID == "" {
		s.partyID = partyID
	}
	if state == "" || s.state == state || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state

	fns := make([]func(SessionState), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
