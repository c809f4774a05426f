// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tvrelay/internal/model"
)

func TestCounters_QuotaAdmission(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(), Options{})

	s1, err := c.Counters.Acquire(ctx, "p1", 2)
	require.NoError(t, err)
	s2, err := c.Counters.Acquire(ctx, "p1", 2)
	require.NoError(t, err)

	_, err = c.Counters.Acquire(ctx, "p1", 2)
	require.ErrorIs(t, err, model.ErrQuotaExceeded)

	n, err := c.Counters.Current(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "rejected admission must not leak an increment")

	require.NoError(t, s1.Release())
	require.NoError(t, s1.Release())
	n, _ = c.Counters.Current(ctx, "p1")
	assert.Equal(t, int64(1), n, "double release must decrement once")

	require.NoError(t, s2.Release())
	all, err := c.Counters.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"p1": 0}, all)
}

func TestCounters_UnlimitedAndNoProfile(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(), Options{})

	for i := 0; i < 10; i++ {
		_, err := c.Counters.Acquire(ctx, "free", 0)
		require.NoError(t, err)
	}
	slot, err := c.Counters.Acquire(ctx, "", 1)
	require.NoError(t, err)
	assert.NoError(t, slot.Release())
	assert.Equal(t, "", slot.ProfileID())
}

func TestLocker_Contention(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(), Options{LockWait: 250 * time.Millisecond, LockTTL: time.Minute})

	lease, err := c.Locks.Acquire(ctx, "ch1")
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Locks.Acquire(ctx, "ch1")
	require.ErrorIs(t, err, model.ErrLockContention)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "acquire must wait before giving up")

	other, err := c.Locks.Acquire(ctx, "ch2")
	require.NoError(t, err, "locks are per channel")
	require.NoError(t, other.Release())

	require.NoError(t, lease.Release())
	again, err := c.Locks.Acquire(ctx, "ch1")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestLocker_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(), Options{LockWait: 2 * time.Second})

	lease, err := c.Locks.Acquire(ctx, "ch")
	require.NoError(t, err)
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = lease.Release()
	}()

	second, err := c.Locks.Acquire(ctx, "ch")
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestLease_RefreshKeepsLockPastTTL(t *testing.T) {
	ctx := context.Background()
	mr, rs := setupMiniRedis(t)
	c := New(rs, Options{LockWait: 200 * time.Millisecond, LockTTL: 2 * time.Second})

	lease, err := c.Locks.Acquire(ctx, "ch1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		mr.FastForward(1500 * time.Millisecond)
		require.NoError(t, lease.Refresh(ctx))
	}
	_, err = c.Locks.Acquire(ctx, "ch1")
	require.ErrorIs(t, err, model.ErrLockContention, "a refreshed lease outlives its original TTL")

	mr.FastForward(3 * time.Second)
	require.ErrorIs(t, lease.Refresh(ctx), ErrLeaseLost)

	other, err := c.Locks.Acquire(ctx, "ch1")
	require.NoError(t, err)
	require.ErrorIs(t, lease.Refresh(ctx), ErrLeaseLost, "refresh never extends another owner's lock")
	require.NoError(t, lease.Release(), "release leaves the new owner alone")
	_, err = c.Locks.Acquire(ctx, "ch1")
	require.ErrorIs(t, err, model.ErrLockContention)
	require.NoError(t, other.Release())
}

func TestBadSources_MarkAndExpire(t *testing.T) {
	ctx := context.Background()
	mr, rs := setupMiniRedis(t)
	c := New(rs, Options{BadSourceTTL: 5 * time.Minute})

	require.NoError(t, c.BadSources.Mark(ctx, "cand-a", model.RPrecheckFailed))
	reason, bad, err := c.BadSources.Reason(ctx, "cand-a")
	require.NoError(t, err)
	assert.True(t, bad)
	assert.Equal(t, model.RPrecheckFailed, reason)

	mr.FastForward(4 * time.Minute)
	require.NoError(t, c.BadSources.Mark(ctx, "cand-a", model.RLowSpeed), "refresh")
	mr.FastForward(2 * time.Minute)
	bad, err = c.BadSources.IsBad(ctx, "cand-a")
	require.NoError(t, err)
	assert.True(t, bad, "refresh must restart the TTL")

	mr.FastForward(4 * time.Minute)
	bad, err = c.BadSources.IsBad(ctx, "cand-a")
	require.NoError(t, err)
	assert.False(t, bad)
}

func TestChannelStates_PersistsFailedAsError(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(), Options{Prefix: "t:"})

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, c.States.Put(ctx, model.ChannelState{ChannelID: "b", State: model.StateActive, UpdatedAt: now}))
	require.NoError(t, c.States.Put(ctx, model.ChannelState{ChannelID: "a", State: model.StateFailed, UpdatedAt: now}))

	st, err := c.States.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)

	list, err := c.States.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ChannelID)
	assert.Equal(t, model.StateActive, list[1].State)

	_, err = c.States.Get(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_Backends(t *testing.T) {
	s, err := Open(OpenConfig{Backend: BackendMemory}, zeroNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	b, err := Open(OpenConfig{Backend: BackendBadger, BadgerPath: t.TempDir()}, zeroNop())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = Open(OpenConfig{Backend: "etcd"}, zeroNop())
	assert.Error(t, err)
}
