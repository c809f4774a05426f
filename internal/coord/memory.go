// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

func (e memEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore is a process-local Store for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects the time source used for TTL evaluation.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.live(s.now()) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil
	}
	e.expiresAt = s.expiry(ttl)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) add(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	e, ok := s.lookup(key)
	if ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("coord: counter %q is not an integer: %w", key, err)
		}
		cur = v
	}
	next := cur + delta
	switch {
	case delta > 0 && next < 1:
		next = 1
	case delta < 0 && next < 0:
		next = 0
	}
	e.value = strconv.FormatInt(next, 10)
	s.entries[key] = e
	return next, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) { return s.add(key, 1) }
func (s *MemoryStore) Decr(_ context.Context, key string) (int64, error) { return s.add(key, -1) }

func (s *MemoryStore) TryLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.lookup(key); held {
		return false, nil
	}
	s.entries[key] = memEntry{value: owner, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Unlock(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookup(key); ok && e.value == owner {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.lookup(k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
