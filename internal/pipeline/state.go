package pipeline

import (
	"fmt"
	"strings"
)

// State is a step of one enhancement invocation.
type State string

const (
	StateDecided         State = "DECIDED"
	StateSpellInFlight   State = "SPELL_IN_FLIGHT"
	StateSpellAccepted   State = "SPELL_ACCEPTED"
	StateSpellRejected   State = "SPELL_REJECTED"
	StateSpellError      State = "SPELL_ERROR"
	StateRewriteInFlight State = "REWRITE_IN_FLIGHT"
	StateAccepted        State = "ACCEPTED"
	StateRejected        State = "REJECTED"
	StateError           State = "ERROR"
	StateLogged          State = "LOGGED"
)

var transitions = map[State][]State{
	StateDecided:         {StateSpellInFlight, StateRewriteInFlight, StateLogged},
	StateSpellInFlight:   {StateSpellAccepted, StateSpellRejected, StateSpellError},
	StateSpellAccepted:   {StateRewriteInFlight, StateLogged},
	StateSpellRejected:   {StateRewriteInFlight, StateLogged},
	StateSpellError:      {StateRewriteInFlight, StateLogged},
	StateRewriteInFlight: {StateAccepted, StateRejected, StateError},
	StateAccepted:        {StateLogged},
	StateRejected:        {StateLogged},
	StateError:           {StateLogged},
}

// Machine tracks one invocation's state and rejects illegal moves.
type Machine struct {
	current State
	history []State
}

// NewMachine starts in DECIDED.
func NewMachine() *Machine {
	return &Machine{current: StateDecided, history: []State{StateDecided}}
}

// Current returns the current state.
func (m *Machine) Current() State { return m.current }

// History returns every state visited, in order.
func (m *Machine) History() []State {
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

// To moves to next, or returns an error if the move is not allowed.
func (m *Machine) To(next State) error {
	for _, s := range transitions[m.current] {
		if s == next {
			m.current = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("pipeline: invalid transition %s → %s", m.current, next)
}

func (m *Machine) String() string {
	parts := make([]string, len(m.history))
	for i, s := range m.history {
		parts[i] = string(s)
	}
	return strings.Join(parts, " → ")
}
