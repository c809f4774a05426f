// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tvrelay/internal/catalog"
	"github.com/ManuGH/tvrelay/internal/coord"
	"github.com/ManuGH/tvrelay/internal/model"
)

func ids(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func fixture() (*catalog.Static, *coord.Coordinator, func(time.Duration)) {
	now := time.Unix(1_700_000_000, 0)
	store := coord.NewMemoryStore(coord.WithClock(func() time.Time { return now }))
	co := coord.New(store, coord.Options{BadSourceTTL: 5 * time.Minute})

	cat := catalog.NewStatic()
	cat.AddProfile(catalog.AccountProfile{ID: "ok", Active: true, DefaultProfileEnabled: true, MaxStreams: 1, UserAgent: "AcctUA"})
	cat.AddProfile(catalog.AccountProfile{ID: "inactive", Active: false, DefaultProfileEnabled: true})
	cat.AddProfile(catalog.AccountProfile{ID: "nodefault", Active: true, DefaultProfileEnabled: false})
	cat.AddChannel(catalog.Channel{ID: "c", Enabled: true},
		catalog.SourceCandidate{ID: "p2-first", Priority: 2, Enabled: true},
		catalog.SourceCandidate{ID: "p1", Priority: 1, Enabled: true, ProfileID: "ok"},
		catalog.SourceCandidate{ID: "p2-second", Priority: 2, Enabled: true, UserAgent: "OwnUA", ProfileID: "ok"},
		catalog.SourceCandidate{ID: "disabled", Priority: 0, Enabled: false},
		catalog.SourceCandidate{ID: "ghost-profile", Priority: 0, Enabled: true, ProfileID: "missing"},
		catalog.SourceCandidate{ID: "inactive", Priority: 0, Enabled: true, ProfileID: "inactive"},
		catalog.SourceCandidate{ID: "nodefault", Priority: 0, Enabled: true, ProfileID: "nodefault"},
	)
	return cat, co, func(d time.Duration) { now = now.Add(d) }
}

func TestResolve_OrderAndFilters(t *testing.T) {
	cat, co, _ := fixture()
	r := New(cat, co.BadSources)

	_, got, err := r.Resolve(context.Background(), "c")
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"p1", "p2-first", "p2-second"}, ids(got)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "AcctUA", got[0].EffectiveUserAgent())
	assert.Equal(t, "OwnUA", got[2].EffectiveUserAgent())
	assert.Equal(t, 1, got[0].MaxStreams())
	assert.Equal(t, 0, got[1].MaxStreams())
}

func TestResolve_SkipsBadUntilTTLExpires(t *testing.T) {
	cat, co, advance := fixture()
	r := New(cat, co.BadSources)
	ctx := context.Background()

	require.NoError(t, co.BadSources.Mark(ctx, "p1", model.RPrecheckFailed))
	_, got, err := r.Resolve(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2-first", "p2-second"}, ids(got))

	advance(5*time.Minute + time.Second)
	_, got, err = r.Resolve(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "p1", got[0].ID, "candidate is eligible again once its marker expired")
}

// unreachableStore fails every read, like a coordination store that is down.
type unreachableStore struct{ coord.Store }

func (unreachableStore) Get(context.Context, string) (string, error) {
	return "", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func TestResolve_KeepsCandidatesWhenStoreUnavailable(t *testing.T) {
	cat, _, _ := fixture()
	co := coord.New(unreachableStore{Store: coord.NewMemoryStore()}, coord.Options{})
	r := New(cat, co.BadSources)

	_, got, err := r.Resolve(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2-first", "p2-second"}, ids(got))
}

func TestResolve_Exhausted(t *testing.T) {
	cat, co, _ := fixture()
	r := New(cat, co.BadSources)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2-first", "p2-second"} {
		require.NoError(t, co.BadSources.Mark(ctx, id, model.RProcessExit))
	}
	_, _, err := r.Resolve(ctx, "c")
	assert.ErrorIs(t, err, model.ErrSourceExhausted)

	cat.AddChannel(catalog.Channel{ID: "off", Enabled: false}, catalog.SourceCandidate{ID: "x", Enabled: true})
	_, _, err = r.Resolve(ctx, "off")
	assert.ErrorIs(t, err, model.ErrSourceExhausted)

	_, _, err = r.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
