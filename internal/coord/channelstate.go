// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ManuGH/tvrelay/internal/model"
)

// DefaultTerminalStateTTL keeps FAILED/ERROR snapshots around for tooling.
const DefaultTerminalStateTTL = 24 * time.Hour

// ChannelStates persists per-channel session snapshots.
type ChannelStates struct {
	Store Store
	Keys  Keyspace
	// TerminalTTL expires snapshots once a session reached a terminal state.
	TerminalTTL time.Duration
}

// Put writes the snapshot for st.ChannelID.
func (c ChannelStates) Put(ctx context.Context, st model.ChannelState) error {
	st.State = st.State.Persisted()
	buf, err := json.Marshal(st)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if st.State.IsTerminal() {
		ttl = c.TerminalTTL
		if ttl <= 0 {
			ttl = DefaultTerminalStateTTL
		}
	}
	return c.Store.Set(ctx, c.Keys.Channel(st.ChannelID), string(buf), ttl)
}

// Get returns the snapshot for channelID or ErrNotFound.
func (c ChannelStates) Get(ctx context.Context, channelID string) (model.ChannelState, error) {
	var st model.ChannelState
	v, err := c.Store.Get(ctx, c.Keys.Channel(channelID))
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		return st, fmt.Errorf("decode channel state %s: %w", channelID, err)
	}
	return st, nil
}

// List returns every live snapshot ordered by channel ID.
func (c ChannelStates) List(ctx context.Context) ([]model.ChannelState, error) {
	keys, err := c.Store.Keys(ctx, c.Keys.ChannelPrefix())
	if err != nil {
		return nil, err
	}
	prefix := c.Keys.ChannelPrefix()
	out := make([]model.ChannelState, 0, len(keys))
	for _, k := range keys {
		st, err := c.Get(ctx, k[len(prefix):])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}
