// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package status assembles the operational view of the relay from the
// coordination store: per-channel session snapshots and profile connection
// counts. It backs the status API and the periodic status.json file.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/tvrelay/internal/catalog"
	"github.com/ManuGH/tvrelay/internal/coord"
	"github.com/ManuGH/tvrelay/internal/log"
	"github.com/ManuGH/tvrelay/internal/model"
)

// LastActiveReader reports the last candidate that went active per channel.
// *catalog.SQLiteStore implements it.
type LastActiveReader interface {
	LastActive(ctx context.Context, channelID string) (string, time.Time, error)
}

// ChannelStatus is a session snapshot plus the durable last-active record.
type ChannelStatus struct {
	model.ChannelState
	LastActiveCandidateID string     `json:"last_active_candidate_id,omitempty"`
	LastActiveAt          *time.Time `json:"last_active_at,omitempty"`
}

// Snapshot is the whole-relay view.
type Snapshot struct {
	Version            string           `json:"version,omitempty"`
	GeneratedAt        time.Time        `json:"generated_at"`
	Channels           []ChannelStatus  `json:"channels"`
	ProfileConnections map[string]int64 `json:"profile_connections"`
}

// Collector reads snapshots. LastActive is optional.
type Collector struct {
	Coord      *coord.Coordinator
	LastActive LastActiveReader
	Version    string

	now func() time.Time
}

// NewCollector returns a Collector.
func NewCollector(c *coord.Coordinator, last LastActiveReader, version string) *Collector {
	return &Collector{Coord: c, LastActive: last, Version: version, now: time.Now}
}

// Snapshot lists every channel with a live snapshot in the store.
func (c *Collector) Snapshot(ctx context.Context) (Snapshot, error) {
	states, err := c.Coord.States.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	conns, err := c.Coord.Counters.All(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Version:            c.Version,
		GeneratedAt:        c.now().UTC(),
		Channels:           make([]ChannelStatus, 0, len(states)),
		ProfileConnections: conns,
	}
	for _, st := range states {
		snap.Channels = append(snap.Channels, c.enrich(ctx, st))
	}
	return snap, nil
}

// Channel returns one channel's status; coord.ErrNotFound when the store has
// no snapshot for it.
func (c *Collector) Channel(ctx context.Context, channelID string) (ChannelStatus, error) {
	st, err := c.Coord.States.Get(ctx, channelID)
	if err != nil {
		return ChannelStatus{}, err
	}
	return c.enrich(ctx, st), nil
}

func (c *Collector) enrich(ctx context.Context, st model.ChannelState) ChannelStatus {
	out := ChannelStatus{ChannelState: st}
	if c.LastActive == nil {
		return out
	}
	id, at, err := c.LastActive.LastActive(ctx, st.ChannelID)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			logger := log.WithComponent("status")
			logger.Debug().Err(err).Str(log.FieldChannelID, st.ChannelID).Msg("last active lookup failed")
		}
		return out
	}
	at = at.UTC()
	out.LastActiveCandidateID = id
	out.LastActiveAt = &at
	return out
}
