// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hls reads live media playlists well enough to judge progress.
package hls

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

var ErrNotPlaylist = errors.New("not an m3u8 playlist")

// Segment is one media segment entry.
type Segment struct {
	URI      string
	Duration time.Duration
	PDT      time.Time
	Discont  bool
}

// Playlist is the subset of a media playlist the relay needs.
type Playlist struct {
	MediaSequence  int64
	TargetDuration time.Duration
	Segments       []Segment
	Ended          bool
	// Master is set for multivariant playlists; they carry no segments.
	Master bool
}

// LastSequence returns the media sequence number of the newest segment, or
// MediaSequence-1 when the playlist is empty.
func (p *Playlist) LastSequence() int64 {
	return p.MediaSequence + int64(len(p.Segments)) - 1
}

// Duration sums the segment durations.
func (p *Playlist) Duration() time.Duration {
	var d time.Duration
	for _, s := range p.Segments {
		d += s.Duration
	}
	return d
}

// Parse reads a playlist. PROGRAM-DATE-TIME values must not go backwards.
func Parse(r io.Reader) (*Playlist, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)

	pl := &Playlist{}
	var (
		header  bool
		next    Segment
		lastPDT time.Time
		lineNo  int
	)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		lineNo++
		if line == "" {
			continue
		}
		if !header {
			if line != "#EXTM3U" {
				return nil, ErrNotPlaylist
			}
			header = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: media sequence: %w", lineNo, err)
			}
			pl.MediaSequence = v

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("line %d: target duration: %w", lineNo, err)
			}
			pl.TargetDuration = time.Duration(v) * time.Second

		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid EXTINF %q", lineNo, v)
			}
			next.Duration = time.Duration(secs * float64(time.Second))

		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			v := strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid PDT %q", lineNo, v)
			}
			if !lastPDT.IsZero() && t.Before(lastPDT) {
				return nil, fmt.Errorf("line %d: PDT went backwards: %v < %v", lineNo, t, lastPDT)
			}
			next.PDT, lastPDT = t, t

		case line == "#EXT-X-DISCONTINUITY":
			next.Discont = true

		case line == "#EXT-X-ENDLIST":
			pl.Ended = true

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pl.Master = true

		case strings.HasPrefix(line, "#"):

		default:
			if pl.Master {
				continue
			}
			next.URI = line
			pl.Segments = append(pl.Segments, next)
			next = Segment{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !header {
		return nil, ErrNotPlaylist
	}
	return pl, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*Playlist, error) {
	return Parse(strings.NewReader(s))
}

// ReadFile parses the playlist at path.
func ReadFile(name string) (*Playlist, error) {
	f, err := os.Open(name) // #nosec G304 -- path built from session dir
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Ready reports whether the playlist at name exists and lists a segment.
func Ready(name string) bool {
	pl, err := ReadFile(name)
	return err == nil && len(pl.Segments) > 0
}

// IsSegmentName accepts the file names the transcoder writes into a session
// directory and nothing else.
func IsSegmentName(name string) bool {
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		return false
	}
	if name == "init.mp4" {
		return true
	}
	ext := path.Ext(name)
	if ext != ".ts" && ext != ".m4s" {
		return false
	}
	stem := strings.TrimSuffix(name, ext)
	for _, r := range stem {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return stem != ""
}

// ContentType returns the MIME type for a segment file name.
func ContentType(name string) string {
	switch path.Ext(name) {
	case ".m4s", ".mp4":
		return "video/mp4"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	}
	return "video/mp2t"
}
