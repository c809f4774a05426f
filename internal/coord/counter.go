// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ManuGH/tvrelay/internal/model"
)

// releaseTimeout bounds the decrement issued by Slot.Release, which runs on
// cleanup paths where the caller's context may already be cancelled.
const releaseTimeout = 5 * time.Second

// Counters tracks concurrent streams per account profile.
type Counters struct {
	Store Store
	Keys  Keyspace
}

// Slot is one admitted stream against a profile counter. Release is safe to
// call any number of times; only the first call decrements.
type Slot struct {
	counters  Counters
	profileID string
	once      sync.Once
	err       error
}

// Acquire increments the profile counter and admits the stream if the new
// value does not exceed max. max <= 0 means unlimited. An empty profileID
// yields a no-op slot.
func (c Counters) Acquire(ctx context.Context, profileID string, max int) (*Slot, error) {
	if profileID == "" {
		return &Slot{}, nil
	}
	n, err := c.Store.Incr(ctx, c.Keys.Counter(profileID))
	if err != nil {
		return nil, fmt.Errorf("increment profile counter: %w", err)
	}
	slot := &Slot{counters: c, profileID: profileID}
	if max > 0 && n > int64(max) {
		if rerr := slot.Release(); rerr != nil {
			return nil, errors.Join(model.ErrQuotaExceeded, rerr)
		}
		return nil, fmt.Errorf("%w: profile %s at %d/%d", model.ErrQuotaExceeded, profileID, n-1, max)
	}
	return slot, nil
}

// Release decrements the counter exactly once.
func (s *Slot) Release() error {
	if s == nil || s.profileID == "" {
		return nil
	}
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_, s.err = s.counters.Store.Decr(ctx, s.counters.Keys.Counter(s.profileID))
	})
	return s.err
}

// ProfileID returns the profile this slot counts against.
func (s *Slot) ProfileID() string {
	if s == nil {
		return ""
	}
	return s.profileID
}

// Current returns the counter value for profileID (0 when unset).
func (c Counters) Current(ctx context.Context, profileID string) (int64, error) {
	v, err := c.Store.Get(ctx, c.Keys.Counter(profileID))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", profileID, err)
	}
	return n, nil
}

// All returns every profile counter keyed by profile ID.
func (c Counters) All(ctx context.Context) (map[string]int64, error) {
	keys, err := c.Store.Keys(ctx, c.Keys.CounterPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(keys))
	prefix := c.Keys.CounterPrefix()
	for _, k := range keys {
		id := k[len(prefix):]
		n, err := c.Current(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, nil
}
