// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package failover

import (
	"sync"
	"time"

	"github.com/ManuGH/tvrelay/internal/model"
	"github.com/ManuGH/tvrelay/internal/resolve"
)

// Session is one stream session: a channel, its candidate list resolved once
// at start, the cursor into it and the lifecycle state. Options never change
// after creation.
type Session struct {
	ID        string
	ChannelID string
	Mode      model.DeliveryMode
	Container model.Container
	Options   model.TranscodeOptions
	StartedAt time.Time
	// Dir is the segment directory of HLS sessions.
	Dir string
	// Overridden is set when the client supplied transcoding overrides.
	Overridden bool

	fsm *Machine[model.SessionState, Event]

	mu         sync.Mutex
	candidates []resolve.Candidate
	index      int
	attempts   int
	switches   int
	lastReason model.ReasonCode
	updatedAt  time.Time
}

func newSession(id, channelID string, mode model.DeliveryMode, container model.Container, opts model.TranscodeOptions, cands []resolve.Candidate, now time.Time) *Session {
	return &Session{
		ID:         id,
		ChannelID:  channelID,
		Mode:       mode,
		Container:  container,
		Options:    opts,
		StartedAt:  now,
		fsm:        newSessionMachine(),
		candidates: cands,
		index:      -1,
		updatedAt:  now,
	}
}

// State returns the lifecycle state.
func (s *Session) State() model.SessionState { return s.fsm.State() }

// Current returns the candidate the cursor points at.
func (s *Session) Current() (resolve.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index < 0 || s.index >= len(s.candidates) {
		return resolve.Candidate{}, false
	}
	return s.candidates[s.index], true
}

// CurrentID returns the id of the current candidate, or "".
func (s *Session) CurrentID() string {
	c, ok := s.Current()
	if !ok {
		return ""
	}
	return c.ID
}

// Candidates returns a copy of the resolved candidate list.
func (s *Session) Candidates() []resolve.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]resolve.Candidate(nil), s.candidates...)
}

// advance moves the cursor forward and returns the new candidate.
func (s *Session) advance() (resolve.Candidate, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index+1 >= len(s.candidates) {
		s.index = len(s.candidates)
		return resolve.Candidate{}, s.index, false
	}
	s.index++
	s.attempts++
	return s.candidates[s.index], s.attempts, true
}

// fire applies ev and records reason; it returns the previous state.
func (s *Session) fire(ev Event, reason model.ReasonCode, now time.Time) (model.SessionState, model.SessionState, error) {
	from, to, err := s.fsm.Fire(ev)
	if err != nil {
		return from, to, err
	}
	s.mu.Lock()
	if reason != "" {
		s.lastReason = reason
	}
	if ev == EvFault {
		s.switches++
	}
	s.updatedAt = now
	s.mu.Unlock()
	return from, to, nil
}

// failureEvent picks the edge a candidate failure takes from the current state.
func (s *Session) failureEvent() Event {
	switch s.State() {
	case model.StateActive:
		return EvFault
	case model.StateSwitching:
		return EvAdvance
	}
	return EvAttemptFail
}

// Snapshot renders the persisted per-channel state.
func (s *Session) Snapshot() model.ChannelState {
	state := s.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := model.ChannelState{
		ChannelID:      s.ChannelID,
		SessionID:      s.ID,
		Mode:           s.Mode,
		State:          state,
		CandidateIndex: s.index,
		Switches:       s.switches,
		LastReason:     s.lastReason,
		StartedAt:      s.StartedAt,
		UpdatedAt:      s.updatedAt,
	}
	if state == model.StateActive && s.index >= 0 && s.index < len(s.candidates) {
		st.ActiveCandidateID = s.candidates[s.index].ID
	}
	return st
}
