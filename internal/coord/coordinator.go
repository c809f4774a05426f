// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Backend selects a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendBadger Backend = "badger"
)

// Options tunes the typed accessors built on top of a Store.
type Options struct {
	Prefix       string
	BadSourceTTL time.Duration
	LockWait     time.Duration
	LockTTL      time.Duration
}

// Coordinator bundles the typed views every component receives.
type Coordinator struct {
	Store      Store
	Keys       Keyspace
	BadSources BadSources
	Counters   Counters
	Locks      Locker
	States     ChannelStates
}

// New builds a Coordinator over store.
func New(store Store, opts Options) *Coordinator {
	keys := DefaultKeyspace
	if opts.Prefix != "" {
		keys = Keyspace{Prefix: opts.Prefix}
	}
	return &Coordinator{
		Store:      store,
		Keys:       keys,
		BadSources: BadSources{Store: store, Keys: keys, TTL: opts.BadSourceTTL},
		Counters:   Counters{Store: store, Keys: keys},
		Locks:      Locker{Store: store, Keys: keys, Wait: opts.LockWait, TTL: opts.LockTTL},
		States:     ChannelStates{Store: store, Keys: keys},
	}
}

// OpenConfig selects and configures a backend.
type OpenConfig struct {
	Backend    Backend
	Redis      RedisConfig
	BadgerPath string
}

// Open returns the configured Store.
func Open(cfg OpenConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendRedis:
		return NewRedisStore(cfg.Redis, logger)
	case BackendBadger:
		if cfg.BadgerPath == "" {
			return OpenBadgerInMemory()
		}
		return OpenBadgerStore(cfg.BadgerPath)
	case BackendMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown coordination backend %q", cfg.Backend)
	}
}
