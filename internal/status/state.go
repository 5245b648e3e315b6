package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vpires/chatstore/internal/bus"
)

// State represents the persistence layer's runtime state.
type State string

const (
	// Booting: process started, nothing opened yet.
	Booting State = "BOOTING"
	// Opening: the storage engine is opening and migrating.
	Opening State = "OPENING"
	// Loading: conversations are being hydrated from storage.
	Loading State = "LOADING"
	// Ready: the directory barrier fired; dependent operations may run.
	Ready State = "READY"
	// Failed: an unrecoverable open, migration, or load failure.
	Failed State = "FAILED"
)

// validTransitions defines allowed state transitions. Ready -> Opening
// covers reopen after a full account reset.
var validTransitions = map[State][]State{
	Booting: {Opening, Failed},
	Opening: {Loading, Failed},
	Loading: {Ready, Failed},
	Ready:   {Opening, Failed},
	Failed:  {Opening},
}

// Machine tracks and enforces the layer's lifecycle transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
