// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package failover

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ManuGH/tvrelay/internal/model"
)

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid transition")

// Event drives the session state machine.
type Event string

const (
	EvActivated   Event = "activated"    // first output from the current candidate
	EvAttemptFail Event = "attempt_fail" // candidate failed before ever going active
	EvFault       Event = "fault"        // active candidate degraded or died
	EvAdvance     Event = "advance"      // next candidate failed during a switch
	EvExhausted   Event = "exhausted"
	EvRetryLimit  Event = "retry_limit"
	EvClientAbort Event = "client_abort"
)

// Transition is one edge of the machine.
type Transition[S ~string, E ~string] struct {
	From  S
	Event E
	To    S
}

// Machine is a strict table-driven state machine: unknown edges are errors.
type Machine[S ~string, E ~string] struct {
	mu    sync.Mutex
	state S
	index map[S]map[E]S
}

// NewMachine builds a machine. Duplicate edges are rejected.
func NewMachine[S ~string, E ~string](initial S, table []Transition[S, E]) (*Machine[S, E], error) {
	idx := make(map[S]map[E]S)
	for _, t := range table {
		if idx[t.From] == nil {
			idx[t.From] = make(map[E]S)
		}
		if _, dup := idx[t.From][t.Event]; dup {
			return nil, fmt.Errorf("duplicate transition: %s on %s", t.From, t.Event)
		}
		idx[t.From][t.Event] = t.To
	}
	return &Machine[S, E]{state: initial, index: idx}, nil
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies event and returns the previous and new state.
func (m *Machine[S, E]) Fire(event E) (from, to S, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from = m.state
	to, ok := m.index[from][event]
	if !ok {
		return from, from, fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, from, event)
	}
	m.state = to
	return from, to, nil
}

// Can reports whether event is accepted in the current state.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[m.state][event]
	return ok
}

// sessionTable is the lifecycle of one stream session. FAILED and
// CLIENT_ABORTED have no outgoing edges.
var sessionTable = []Transition[model.SessionState, Event]{
	{model.StateStarting, EvActivated, model.StateActive},
	{model.StateStarting, EvAttemptFail, model.StateStarting},
	{model.StateStarting, EvExhausted, model.StateFailed},
	{model.StateStarting, EvClientAbort, model.StateClientAborted},

	{model.StateActive, EvFault, model.StateSwitching},
	{model.StateActive, EvRetryLimit, model.StateFailed},
	{model.StateActive, EvClientAbort, model.StateClientAborted},

	{model.StateSwitching, EvActivated, model.StateActive},
	{model.StateSwitching, EvAdvance, model.StateSwitching},
	{model.StateSwitching, EvExhausted, model.StateFailed},
	{model.StateSwitching, EvRetryLimit, model.StateFailed},
	{model.StateSwitching, EvClientAbort, model.StateClientAborted},
}

func newSessionMachine() *Machine[model.SessionState, Event] {
	m, err := NewMachine(model.StateStarting, sessionTable)
	if err != nil {
		panic(err) // static table
	}
	return m
}
