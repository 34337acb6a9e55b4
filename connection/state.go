package connection

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func ParseState(value string) (State, error) {
	for state := StateDisconnected; state <= StateClosed; state++ {
		if strings.EqualFold(strings.TrimSpace(value), state.String()) {
			return state, nil
		}
	}
	return 0, fmt.Errorf("connection: unknown state %q", value)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateClosed }

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateReconnecting, StateClosed},
	StateConnected:    {StateReconnecting, StateClosing, StateClosed},
	StateReconnecting: {StateConnecting, StateClosed},
	StateClosing:      {StateClosed},
	StateClosed:       {},
}

func CanTransition(from State, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Snapshot is a consistent copy of the connection bookkeeping.
type Snapshot struct {
	State             State
	SessionID         string
	ReconnectAttempt  int
	LastHeartbeatAt   time.Time
	HeartbeatDeadline time.Time
	LastError         string
	ChangedAt         time.Time
}

func (s Snapshot) Degraded() bool { return s.State == StateReconnecting }

// StateChange is delivered to listeners after every transition.
type StateChange struct {
	From     State
	To       State
	Reason   string
	Err      error
	Delay    time.Duration
	Snapshot Snapshot
}

type Listener func(change StateChange)

// Step carries the optional inputs of a state change.
type Step struct {
	To        State
	Reason    string
	Err       error
	Delay     time.Duration
	SessionID string
}

// Machine enforces the transition table and owns the connection
// bookkeeping. Listeners run synchronously, in transition order, outside
// the state lock; they must not call Apply.
type Machine struct {
	now func() time.Time

	notifyMu sync.Mutex
	mu       sync.RWMutex
	snapshot Snapshot
	nextID   int
	listener map[int]Listener
}

func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		now:      now,
		snapshot: Snapshot{State: StateDisconnected, ChangedAt: now()},
		listener: map[int]Listener{},
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.State
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// OnStateChange registers fn and returns a function that removes it.
func (m *Machine) OnStateChange(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listener[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listener, id)
		m.mu.Unlock()
	}
}

// Apply performs t or returns ErrInvalidTransition. Entering Connected
// stores the session id and resets the reconnect attempt; leaving
// Reconnecting for Connecting increments it.
func (m *Machine) Apply(t Step) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.snapshot.State
	if !CanTransition(from, t.To) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: t.To}
	}
	next := m.snapshot
	next.State = t.To
	next.ChangedAt = m.now()
	switch t.To {
	case StateConnected:
		next.SessionID = t.SessionID
		next.ReconnectAttempt = 0
		next.LastError = ""
	case StateConnecting:
		if from == StateReconnecting {
			next.ReconnectAttempt++
		}
	case StateReconnecting, StateClosed, StateDisconnected:
		next.SessionID = ""
		next.HeartbeatDeadline = time.Time{}
	}
	if t.Err != nil {
		next.LastError = t.Err.Error()
	}
	m.snapshot = next
	listeners := make([]Listener, 0, len(m.listener))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listener[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	change := StateChange{From: from, To: t.To, Reason: t.Reason, Err: t.Err, Delay: t.Delay, Snapshot: next}
	for _, fn := range listeners {
		fn(change)
	}
	return nil
}

// Transition is shorthand for Apply with only a reason.
func (m *Machine) Transition(state State, reason string) error {
	return m.Apply(Step{To: state, Reason: reason})
}

func (m *Machine) HeartbeatSent(deadline time.Time) {
	m.mu.Lock()
	m.snapshot.HeartbeatDeadline = deadline
	m.mu.Unlock()
}

func (m *Machine) HeartbeatReceived(at time.Time) {
	m.mu.Lock()
	m.snapshot.LastHeartbeatAt = at
	m.snapshot.HeartbeatDeadline = time.Time{}
	m.mu.Unlock()
}
