// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/tvrelay/internal/model"
)

const (
	DefaultLockWait = 5 * time.Second
	DefaultLockTTL  = 30 * time.Second
	lockPollEvery   = 100 * time.Millisecond
)

// ErrLeaseLost is returned by Refresh when the lock expired or changed hands.
var ErrLeaseLost = errors.New("failover lock lease lost")

// Locker hands out per-channel failover locks.
type Locker struct {
	Store Store
	Keys  Keyspace
	// Wait bounds how long Acquire polls before reporting contention.
	Wait time.Duration
	// TTL is the lock lease. Holders of long switches extend it with Refresh.
	TTL time.Duration
}

// Lease is a held lock. Release it in a defer.
type Lease struct {
	store Store
	key   string
	owner string
	ttl   time.Duration
}

// Acquire takes the failover lock for channelID, polling for at most Wait.
// It returns model.ErrLockContention when another worker keeps holding it.
func (l Locker) Acquire(ctx context.Context, channelID string) (*Lease, error) {
	wait := l.Wait
	if wait <= 0 {
		wait = DefaultLockWait
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	key := l.Keys.Lock(channelID)
	owner := uuid.NewString()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(lockPollEvery)
	defer ticker.Stop()

	for {
		ok, err := l.Store.TryLock(ctx, key, owner, ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire failover lock %s: %w", channelID, err)
		}
		if ok {
			return &Lease{store: l.Store, key: key, owner: owner, ttl: ttl}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: channel %s", model.ErrLockContention, channelID)
		case <-ticker.C:
		}
	}
}

// Release frees the lock if this lease still owns it.
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	return l.store.Unlock(ctx, l.key, l.owner)
}

// Refresh extends the lease by the lock TTL. It returns ErrLeaseLost when the
// lock is no longer held by this lease.
func (l *Lease) Refresh(ctx context.Context) error {
	if l == nil {
		return nil
	}
	owner, err := l.store.Get(ctx, l.key)
	switch {
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %s expired", ErrLeaseLost, l.key)
	case err != nil:
		return fmt.Errorf("refresh failover lock: %w", err)
	case owner != l.owner:
		return fmt.Errorf("%w: %s taken over", ErrLeaseLost, l.key)
	}
	if err := l.store.Expire(ctx, l.key, l.ttl); err != nil {
		return fmt.Errorf("refresh failover lock: %w", err)
	}
	return nil
}
