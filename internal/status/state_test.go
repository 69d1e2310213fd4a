package status

import (
	"testing"

	"github.com/matheus3301/courier/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
	if m.Current().Online() {
		t.Error("IDLE must not be online")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connected, Reconnecting},
		{Connected, Disconnected},
		{Connected, LoggedOut},
		{Reconnecting, Connecting},
		{Reconnecting, Disconnected},
		{Disconnected, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(IDLE -> CONNECTED) should fail")
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)
	if err := m.Transition(LoggedOut); err != nil {
		t.Fatal(err)
	}
	for _, s := range []State{Idle, Connecting, Connected, Reconnecting, Disconnected} {
		if err := m.Transition(s); err == nil {
			t.Errorf("LOGGED_OUT -> %s should fail", s)
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindTransportStatus {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindTransportStatus)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Idle || change.To != Connecting {
		t.Errorf("change = %v -> %v, want IDLE -> CONNECTING", change.From, change.To)
	}
}

// TestDropReconnectCycle walks the path taken when the socket drops and the
// first reconnect attempt succeeds.
func TestDropReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	for _, s := range []State{Reconnecting, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Current().Online() {
		t.Errorf("final state = %s, want online", m.Current())
	}
}

func TestTransitionIf(t *testing.T) {
	m := NewMachine(nil)
	if m.TransitionIf(Connected, Reconnecting) {
		t.Error("TransitionIf should not fire from IDLE")
	}
	if !m.TransitionIf(Idle, Connecting) {
		t.Error("TransitionIf(IDLE -> CONNECTING) should fire")
	}
	if m.Current() != Connecting {
		t.Errorf("state = %s, want CONNECTING", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:         {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Reconnecting: {Connecting, Connected, Reconnecting},
		Disconnected: {Disconnected},
		LoggedOut:    {LoggedOut},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
