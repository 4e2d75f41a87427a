// Package status tracks the relay connection state and announces changes
// on the bus.
package status

import (
	"fmt"
	"sync"

	"github.com/matheus3301/linkchat/internal/bus"
)

// State is the relay connection state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// next lists the states reachable from each state. Closed has no exits.
var next = map[State]map[State]bool{
	Idle:         {Connecting: true, Closed: true},
	Connecting:   {Connected: true, Reconnecting: true, Closed: true},
	Connected:    {Reconnecting: true, Closed: true},
	Reconnecting: {Connecting: true, Closed: true},
}

// CanMove reports whether from -> to is a legal step.
func CanMove(from, to State) bool {
	return from == to || next[from][to]
}

// StatusChange is the payload of bus.TransportStateChanged.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Machine holds the current state. The transport client drives it and the
// api reads it for Status and for send preconditions.
type Machine struct {
	mu    sync.RWMutex
	state State
	bus   *bus.Bus
}

func NewMachine(b *bus.Bus) *Machine {
	return &Machine{state: Idle, bus: b}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) Is(s State) bool { return m.Current() == s }

// Transition moves to `to`, emitting a change event. Staying put is
// allowed and silent.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanMove(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("transport state %s cannot move to %s", from, to)
	}
	m.state = to
	m.mu.Unlock()

	if from != to {
		m.bus.Emit(bus.TransportStateChanged, StatusChange{From: from, To: to})
	}
	return nil
}
