package signaling

import (
	"sync"
)

// dialogLeg is the shared Leg implementation for inbound and outbound
// dialogs. State transitions come from the client's protocol handling;
// watchers are notified outside the lock so they may call back in.
type dialogLeg struct {
	id           string
	direction    Direction
	remoteNumber string
	headers      map[string][]string

	mu          sync.Mutex
	state       LegState
	watchers    map[int]func(LegState)
	nextWatcher int
}

func newDialogLeg(id string, direction Direction, remoteNumber string, headers map[string][]string) *dialogLeg {
	return &dialogLeg{
		id:           id,
		direction:    direction,
		remoteNumber: remoteNumber,
		headers:      headers,
		state:        LegStateRinging,
		watchers:     make(map[int]func(LegState)),
	}
}

func (l *dialogLeg) ID() string {
	return l.id
}

func (l *dialogLeg) Direction() Direction {
	return l.direction
}

func (l *dialogLeg) RemoteNumber() string {
	return l.remoteNumber
}

func (l *dialogLeg) Headers() map[string][]string {
	return l.headers
}

func (l *dialogLeg) State() LegState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *dialogLeg) OnStateChange(fn func(LegState)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextWatcher
	l.nextWatcher++
	l.watchers[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.watchers, id)
	}
}

// setState applies a transition and notifies watchers. Transitions out of
// a terminal state are ignored.
func (l *dialogLeg) setState(state LegState) {
	l.mu.Lock()
	if l.state == state || l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.state = state

	fns := make([]func(LegState), 0, len(l.watchers))
	for _, fn := range l.watchers {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
