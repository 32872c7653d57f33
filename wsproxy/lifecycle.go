package wsproxy

import "sync"

// State is the lifecycle state of a relay session.
type State int

const (
	// Connecting: the client is upgraded and the upstream is being dialed.
	Connecting State = iota
	// Active: both sockets are open and frames are relayed.
	Active
	// Closed: teardown has run. Terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// lifecycle is a protected state value with functionality to transition,
// check, and wait. The transition to Closed can be requested from any state
// any number of times; only the first request has any effect.
type lifecycle struct {
	cond   sync.Cond
	state  State
	reason string
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		cond:  sync.Cond{L: &sync.Mutex{}},
		state: Connecting,
	}
}

// current returns the state without blocking.
func (l *lifecycle) current() State {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return l.state
}

// activate runs fn and moves Connecting to Active if fn succeeds. Both
// happen under the lock so that a concurrent close either precedes fn
// entirely or follows the transition. It reports false without calling fn
// if the lifecycle is not Connecting.
func (l *lifecycle) activate(fn func() error) (bool, error) {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	if l.state != Connecting {
		return false, nil
	}
	if err := fn(); err != nil {
		return false, err
	}
	l.state = Active
	l.cond.Broadcast()
	return true, nil
}

// close moves to Closed, recording why. It returns the previous state and
// whether this call performed the transition.
func (l *lifecycle) close(reason string) (State, bool) {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	prev := l.state
	if prev == Closed {
		return prev, false
	}
	l.state = Closed
	l.reason = reason
	l.cond.Broadcast()
	return prev, true
}

// closedBecause returns the reason passed to the effective close, or ""
// while not Closed.
func (l *lifecycle) closedBecause() string {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return l.reason
}

// wait until Closed
func (l *lifecycle) wait() {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	for l.state != Closed {
		l.cond.Wait()
	}
}
