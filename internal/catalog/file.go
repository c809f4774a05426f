// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/tvrelay/internal/model"
)

// File is the on-disk YAML catalog format.
type File struct {
	Profiles []FileProfile `yaml:"profiles"`
	Channels []FileChannel `yaml:"channels"`
}

type FileProfile struct {
	ID                    string `yaml:"id"`
	Name                  string `yaml:"name,omitempty"`
	Active                *bool  `yaml:"active,omitempty"`
	DefaultProfileEnabled *bool  `yaml:"default_profile_enabled,omitempty"`
	MaxStreams            int    `yaml:"max_streams,omitempty"`
	UserAgent             string `yaml:"user_agent,omitempty"`
}

type FileChannel struct {
	ID         string                 `yaml:"id"`
	Title      string                 `yaml:"title,omitempty"`
	Enabled    *bool                  `yaml:"enabled,omitempty"`
	Options    model.TranscodeOptions `yaml:"options,omitempty"`
	Candidates []FileCandidate        `yaml:"candidates"`
}

type FileCandidate struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	Priority  int    `yaml:"priority,omitempty"`
	Enabled   *bool  `yaml:"enabled,omitempty"`
	Profile   string `yaml:"profile,omitempty"`
	UserAgent string `yaml:"user_agent,omitempty"`
	Referer   string `yaml:"referer,omitempty"`
	Name      string `yaml:"name,omitempty"`
	Logo      string `yaml:"logo,omitempty"`
	TvgID     string `yaml:"tvg_id,omitempty"`
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// LoadFile reads and validates a YAML catalog. Unknown keys are rejected.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseFile(data)
}

// ParseFile decodes a YAML catalog document.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks identifier uniqueness and required fields.
func (f *File) Validate() error {
	var errs []error
	profiles := make(map[string]bool, len(f.Profiles))
	for i, p := range f.Profiles {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("profiles[%d]: id is required", i))
			continue
		}
		if profiles[p.ID] {
			errs = append(errs, fmt.Errorf("profiles[%d]: duplicate id %q", i, p.ID))
		}
		if p.MaxStreams < 0 {
			errs = append(errs, fmt.Errorf("profile %q: max_streams must be >= 0", p.ID))
		}
		profiles[p.ID] = true
	}
	channels := make(map[string]bool, len(f.Channels))
	candidates := make(map[string]bool)
	for i, ch := range f.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: id is required", i))
			continue
		}
		if channels[ch.ID] {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID))
		}
		channels[ch.ID] = true
		for j, c := range ch.Candidates {
			switch {
			case c.ID == "":
				errs = append(errs, fmt.Errorf("channel %q candidates[%d]: id is required", ch.ID, j))
			case candidates[c.ID]:
				errs = append(errs, fmt.Errorf("channel %q: duplicate candidate id %q", ch.ID, c.ID))
			case c.URL == "":
				errs = append(errs, fmt.Errorf("candidate %q: url is required", c.ID))
			}
			candidates[c.ID] = true
		}
	}
	return errors.Join(errs...)
}

func (f *File) accountProfiles() []AccountProfile {
	out := make([]AccountProfile, 0, len(f.Profiles))
	for _, p := range f.Profiles {
		out = append(out, AccountProfile{
			ID:                    p.ID,
			Name:                  p.Name,
			Active:                boolOr(p.Active, true),
			DefaultProfileEnabled: boolOr(p.DefaultProfileEnabled, true),
			MaxStreams:            p.MaxStreams,
			UserAgent:             p.UserAgent,
		})
	}
	return out
}

func (fc FileChannel) toDomain() (Channel, []SourceCandidate) {
	ch := Channel{
		ID:      fc.ID,
		Title:   fc.Title,
		Enabled: boolOr(fc.Enabled, true),
		Options: fc.Options,
	}
	cands := make([]SourceCandidate, 0, len(fc.Candidates))
	for _, c := range fc.Candidates {
		cands = append(cands, SourceCandidate{
			ID:        c.ID,
			ChannelID: fc.ID,
			URL:       c.URL,
			Priority:  c.Priority,
			Enabled:   boolOr(c.Enabled, true),
			ProfileID: c.Profile,
			UserAgent: c.UserAgent,
			Referer:   c.Referer,
			Overrides: Overrides{Name: c.Name, Logo: c.Logo, TvgID: c.TvgID},
		})
	}
	return ch, cands
}
