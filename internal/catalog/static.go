// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package catalog

import (
	"context"
	"sync"
	"time"
)

// Static is an in-memory catalog. It preserves insertion order and can be
// swapped wholesale by Import, which makes it usable as a hot-reloaded
// YAML-backed catalog.
type Static struct {
	mu         sync.RWMutex
	channels   map[string]Channel
	candidates map[string][]SourceCandidate
	profiles   map[string]AccountProfile
	active     map[string]string
}

// NewStatic returns an empty catalog.
func NewStatic() *Static {
	return &Static{
		channels:   make(map[string]Channel),
		candidates: make(map[string][]SourceCandidate),
		profiles:   make(map[string]AccountProfile),
		active:     make(map[string]string),
	}
}

// AddChannel registers ch with its candidates appended in order.
func (s *Static) AddChannel(ch Channel, cands ...SourceCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch
	for _, c := range cands {
		c.ChannelID = ch.ID
		s.candidates[ch.ID] = append(s.candidates[ch.ID], c)
	}
}

// AddProfile registers p.
func (s *Static) AddProfile(p AccountProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *Static) Channel(_ context.Context, id string) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return ch, nil
}

func (s *Static) Candidates(_ context.Context, channelID string) ([]SourceCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.channels[channelID]; !ok {
		return nil, ErrNotFound
	}
	return append([]SourceCandidate(nil), s.candidates[channelID]...), nil
}

func (s *Static) Profile(_ context.Context, id string) (AccountProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return AccountProfile{}, ErrNotFound
	}
	return p, nil
}

func (s *Static) RecordActive(_ context.Context, channelID, candidateID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[channelID] = candidateID
	return nil
}

// LastActive returns the recorded active candidate for channelID.
func (s *Static) LastActive(channelID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[channelID]
}

// Import replaces all channels, candidates and profiles with f's contents.
func (s *Static) Import(_ context.Context, f *File) error {
	next := NewStatic()
	for _, p := range f.accountProfiles() {
		next.AddProfile(p)
	}
	for _, fc := range f.Channels {
		ch, cands := fc.toDomain()
		next.AddChannel(ch, cands...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = next.channels
	s.candidates = next.candidates
	s.profiles = next.profiles
	return nil
}
