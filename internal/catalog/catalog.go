// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package catalog is the read-only view of channels, their source candidates
// and the account profiles candidates count against.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/tvrelay/internal/model"
)

// ErrNotFound is returned when a channel or profile does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Channel is a logical stream identity exposed to clients.
type Channel struct {
	ID      string
	Title   string
	Enabled bool
	// Options is the stored transcoding preference for this channel.
	Options model.TranscodeOptions
}

// Overrides only feed downstream metadata.
type Overrides struct {
	Name  string
	Logo  string
	TvgID string
}

// SourceCandidate is one upstream option for a channel.
type SourceCandidate struct {
	ID        string
	ChannelID string
	URL       string
	// Priority orders candidates; lower is tried first.
	Priority  int
	Enabled   bool
	ProfileID string
	UserAgent string
	Referer   string
	Overrides Overrides
}

// AccountProfile is a quota domain shared by candidates on one upstream account.
type AccountProfile struct {
	ID                    string
	Name                  string
	Active                bool
	DefaultProfileEnabled bool
	// MaxStreams is the concurrent stream ceiling; 0 means unlimited.
	MaxStreams int
	UserAgent  string
}

// Usable reports whether candidates referencing this profile may be used.
func (p AccountProfile) Usable() bool {
	return p.Active && p.DefaultProfileEnabled
}

// Reader is what the stream core consumes.
type Reader interface {
	Channel(ctx context.Context, id string) (Channel, error)
	// Candidates returns a channel's candidates in catalog insertion order.
	Candidates(ctx context.Context, channelID string) ([]SourceCandidate, error)
	Profile(ctx context.Context, id string) (AccountProfile, error)
}

// ActiveRecorder stores the best-effort "last active candidate" snapshot.
type ActiveRecorder interface {
	RecordActive(ctx context.Context, channelID, candidateID string, at time.Time) error
}

// Importer replaces catalog contents with a parsed file.
type Importer interface {
	Import(ctx context.Context, f *File) error
}
