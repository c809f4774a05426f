// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/tvrelay/internal/model"
)

const (
	DefaultSpeedThreshold = 0.9
	DefaultSpeedStrikes   = 3
)

// Stats is one parsed ffmpeg progress line.
type Stats struct {
	Frame       int
	FPS         float64
	BitrateKBPS float64
	Time        time.Duration
	Speed       float64
	HasSpeed    bool
}

// ParseStats extracts progress fields from an ffmpeg stderr line such as
// "frame=  123 fps= 25 q=28.0 size=    1234kB time=00:00:12.34 bitrate= 800.0kbits/s speed=1.0x".
// ok is false when the line is not a progress line.
func ParseStats(line string) (st Stats, ok bool) {
	if !strings.Contains(line, "time=") && !strings.Contains(line, "speed=") {
		return Stats{}, false
	}

	if v := field(line, "speed="); v != "" && v != "N/A" {
		if s, err := strconv.ParseFloat(strings.TrimSuffix(v, "x"), 64); err == nil {
			st.Speed, st.HasSpeed, ok = s, true, true
		}
	}
	if v := field(line, "bitrate="); v != "" && v != "N/A" {
		v = strings.TrimSuffix(strings.TrimSuffix(v, "kbits/s"), "kb/s")
		if b, err := strconv.ParseFloat(v, 64); err == nil {
			st.BitrateKBPS, ok = b, true
		}
	}
	if v := field(line, "fps="); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			st.FPS, ok = f, true
		}
	}
	if v := field(line, "frame="); v != "" {
		if f, err := strconv.Atoi(v); err == nil {
			st.Frame, ok = f, true
		}
	}
	if v := field(line, "time="); v != "" && v != "N/A" {
		if d, err := parseClock(v); err == nil {
			st.Time, ok = d, true
		}
	}
	return st, ok
}

// field returns the whitespace-delimited value after key.
func field(line, key string) string {
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimLeft(line[idx+len(key):], " ")
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		return rest[:sp]
	}
	return rest
}

// parseClock parses "HH:MM:SS.ss". Negative clocks happen at stream start
// and are rejected.
func parseClock(v string) (time.Duration, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q", v)
	}
	h, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	m, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	s, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	total := h*3600 + m*60 + s
	if total < 0 {
		return 0, fmt.Errorf("negative time %q", v)
	}
	return time.Duration(total * float64(time.Second)), nil
}

// SignalKind classifies an out-of-band failure observed while a process runs.
type SignalKind int

const (
	SignalLowSpeed SignalKind = iota + 1
	SignalIdleOutput
)

func (k SignalKind) String() string {
	switch k {
	case SignalLowSpeed:
		return "low_speed"
	case SignalIdleOutput:
		return "idle_output"
	}
	return "unknown"
}

// Signal is raised by the stderr scanner or the output watchdog. It replaces
// exceptions thrown from parsing: the consumer selects on it next to process
// exit and decides whether to fail over.
type Signal struct {
	Kind    SignalKind
	Speed   float64
	Strikes int
	Line    string
	At      time.Time
}

// Reason maps the signal onto the failure reason code.
func (s Signal) Reason() model.ReasonCode {
	if s.Kind == SignalIdleOutput {
		return model.RIdleOutput
	}
	return model.RLowSpeed
}

// Err converts the signal to the matching failure sentinel.
func (s Signal) Err() error {
	if s.Kind == SignalIdleOutput {
		return fmt.Errorf("%w: no output since %s", model.ErrStreamStalled, s.At.Format(time.RFC3339))
	}
	return fmt.Errorf("%w: speed=%.2fx for %d readings", model.ErrLowSpeed, s.Speed, s.Strikes)
}

// SpeedTracker counts consecutive sub-threshold speed readings. Any reading
// at or above the threshold resets the count.
type SpeedTracker struct {
	Threshold float64
	Strikes   int

	count int
}

// NewSpeedTracker returns a tracker with defaults applied for zero values.
func NewSpeedTracker(threshold float64, strikes int) *SpeedTracker {
	if threshold <= 0 {
		threshold = DefaultSpeedThreshold
	}
	if strikes < 1 {
		strikes = DefaultSpeedStrikes
	}
	return &SpeedTracker{Threshold: threshold, Strikes: strikes}
}

// Observe feeds one speed reading. It returns a low-speed Signal once the
// strike count is reached and then starts counting afresh.
func (t *SpeedTracker) Observe(speed float64, line string) (Signal, bool) {
	if speed >= t.Threshold {
		t.count = 0
		return Signal{}, false
	}
	t.count++
	if t.count < t.Strikes {
		return Signal{}, false
	}
	sig := Signal{Kind: SignalLowSpeed, Speed: speed, Strikes: t.count, Line: line, At: time.Now()}
	t.count = 0
	return sig, true
}

// scanLines splits on either \n or \r; ffmpeg rewrites progress lines with
// carriage returns.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}
