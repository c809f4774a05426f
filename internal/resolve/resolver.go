// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resolve turns a channel into its ranked list of usable source candidates.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tvrelay/internal/catalog"
	"github.com/ManuGH/tvrelay/internal/coord"
	tvlog "github.com/ManuGH/tvrelay/internal/log"
	"github.com/ManuGH/tvrelay/internal/model"
)

// Candidate is a resolved source together with its quota domain.
type Candidate struct {
	catalog.SourceCandidate
	// Profile is zero when the candidate references no account.
	Profile catalog.AccountProfile
}

// EffectiveUserAgent prefers the candidate's own header, then the account default.
func (c Candidate) EffectiveUserAgent() string {
	if c.SourceCandidate.UserAgent != "" {
		return c.SourceCandidate.UserAgent
	}
	return c.Profile.UserAgent
}

// MaxStreams is the profile ceiling (0 = unlimited).
func (c Candidate) MaxStreams() int { return c.Profile.MaxStreams }

// Resolver reads the catalog and the bad-source cache. It performs no I/O
// against candidate URLs.
type Resolver struct {
	Catalog    catalog.Reader
	BadSources coord.BadSources
	logger     zerolog.Logger
}

// New returns a Resolver.
func New(cat catalog.Reader, bad coord.BadSources) *Resolver {
	return &Resolver{Catalog: cat, BadSources: bad, logger: tvlog.WithComponent("resolver")}
}

// Resolve returns the channel and its eligible candidates ordered by
// priority, ties broken by catalog order. An empty result is reported as
// model.ErrSourceExhausted.
func (r *Resolver) Resolve(ctx context.Context, channelID string) (catalog.Channel, []Candidate, error) {
	ch, err := r.Catalog.Channel(ctx, channelID)
	if err != nil {
		return catalog.Channel{}, nil, fmt.Errorf("channel %s: %w", channelID, err)
	}
	if !ch.Enabled {
		return ch, nil, fmt.Errorf("%w: channel %s is disabled", model.ErrSourceExhausted, channelID)
	}
	raw, err := r.Catalog.Candidates(ctx, channelID)
	if err != nil {
		return ch, nil, fmt.Errorf("candidates for %s: %w", channelID, err)
	}

	ordered := make([]catalog.SourceCandidate, len(raw))
	copy(ordered, raw)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	logger := r.logger.With().Str(tvlog.FieldChannelID, channelID).Logger()
	profiles := make(map[string]*catalog.AccountProfile)
	out := make([]Candidate, 0, len(ordered))
	for _, sc := range ordered {
		if !sc.Enabled {
			continue
		}
		res := Candidate{SourceCandidate: sc}
		if sc.ProfileID != "" {
			p, cached := profiles[sc.ProfileID]
			if !cached {
				got, err := r.Catalog.Profile(ctx, sc.ProfileID)
				switch {
				case errors.Is(err, catalog.ErrNotFound):
					p = nil
				case err != nil:
					return ch, nil, fmt.Errorf("profile %s: %w", sc.ProfileID, err)
				default:
					p = &got
				}
				profiles[sc.ProfileID] = p
			}
			if p == nil {
				logger.Warn().Str(tvlog.FieldCandidateID, sc.ID).Str(tvlog.FieldProfileID, sc.ProfileID).
					Msg("dropping candidate with unresolvable profile")
				continue
			}
			if !p.Usable() {
				continue
			}
			res.Profile = *p
		}
		bad, err := r.BadSources.IsBad(ctx, sc.ID)
		if err != nil {
			logger.Warn().Err(err).Str(tvlog.FieldCandidateID, sc.ID).Msg("bad-source lookup failed, keeping candidate")
			bad = false
		}
		if bad {
			logger.Debug().Str(tvlog.FieldCandidateID, sc.ID).Msg("skipping candidate with live bad-source marker")
			continue
		}
		out = append(out, res)
	}

	if len(out) == 0 {
		return ch, nil, fmt.Errorf("%w: channel %s", model.ErrSourceExhausted, channelID)
	}
	return ch, out, nil
}
