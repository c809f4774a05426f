// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/tvrelay/internal/model"
)

// DefaultBadSourceTTL is how long a failed candidate stays excluded.
const DefaultBadSourceTTL = 5 * time.Minute

// BadSources records recently failed candidates. Markers are never cleared
// explicitly; they only age out.
type BadSources struct {
	Store Store
	Keys  Keyspace
	TTL   time.Duration
}

func (b BadSources) ttl() time.Duration {
	if b.TTL <= 0 {
		return DefaultBadSourceTTL
	}
	return b.TTL
}

// Mark writes or refreshes the marker for candidateID.
func (b BadSources) Mark(ctx context.Context, candidateID string, reason model.ReasonCode) error {
	return b.Store.Set(ctx, b.Keys.BadSource(candidateID), string(reason), b.ttl())
}

// Reason returns the recorded failure reason while the marker is live.
func (b BadSources) Reason(ctx context.Context, candidateID string) (model.ReasonCode, bool, error) {
	v, err := b.Store.Get(ctx, b.Keys.BadSource(candidateID))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return model.ReasonCode(v), true, nil
}

// IsBad reports whether candidateID has a live marker.
func (b BadSources) IsBad(ctx context.Context, candidateID string) (bool, error) {
	_, bad, err := b.Reason(ctx, candidateID)
	return bad, err
}
