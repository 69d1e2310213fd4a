package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/courier/internal/bus"
)

// State is the lifecycle state of the relay connection.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Disconnected State = "DISCONNECTED"
	LoggedOut    State = "LOGGED_OUT"
)

// validTransitions defines allowed state transitions. LOGGED_OUT is terminal:
// a forced logout needs a new session.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Disconnected, LoggedOut},
	Connecting:   {Connected, Reconnecting, Disconnected, LoggedOut},
	Connected:    {Reconnecting, Disconnected, LoggedOut},
	Reconnecting: {Connecting, Disconnected, LoggedOut},
	Disconnected: {Connecting, LoggedOut},
	LoggedOut:    {},
}

// Online reports whether messages can be sent in this state.
func (s State) Online() bool {
	return s == Connected
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(to)
}

func (m *Machine) transition(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindTransportStatus, StatusChange{From: from, To: to})
	}
	return nil
}

// TransitionIf moves to `to` only when the machine is currently in `from`.
// It reports whether the move happened.
func (m *Machine) TransitionIf(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from {
		return false
	}
	return m.transition(to) == nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
