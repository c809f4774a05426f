// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package coord holds the shared coordination state that lets HTTP handlers
// and background workers (possibly in separate processes) cooperate: profile
// connection counters, bad-source markers, channel state snapshots and
// failover locks.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("coord: key not found")

// Store is the minimal key/value, counter and lock surface every backend
// provides. All counter and lock operations are atomic at the store level.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set writes value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr atomically increments key. A stored value below zero is corrupt
	// and is replaced by 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements key and never takes it below zero.
	Decr(ctx context.Context, key string) (int64, error)

	// TryLock sets key to owner if it is not held. It never blocks.
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Unlock deletes key only if it is still held by owner.
	Unlock(ctx context.Context, key, owner string) error

	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Keyspace names every key the service writes.
type Keyspace struct {
	Prefix string
}

// DefaultKeyspace is used when no prefix is configured.
var DefaultKeyspace = Keyspace{Prefix: "tvrelay:"}

func (k Keyspace) BadSource(candidateID string) string { return k.Prefix + "bad:" + candidateID }
func (k Keyspace) Counter(profileID string) string     { return k.Prefix + "conn:" + profileID }
func (k Keyspace) Channel(channelID string) string     { return k.Prefix + "chan:" + channelID }
func (k Keyspace) Lock(channelID string) string        { return k.Prefix + "lock:failover:" + channelID }

// CounterPrefix is the prefix shared by all profile counters.
func (k Keyspace) CounterPrefix() string { return k.Prefix + "conn:" }

// ChannelPrefix is the prefix shared by all channel snapshots.
func (k Keyspace) ChannelPrefix() string { return k.Prefix + "chan:" }
