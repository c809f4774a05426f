// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package preflight probes a candidate source before a transcoder is
// committed to it.
package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/tvrelay/internal/metrics"
	"github.com/ManuGH/tvrelay/internal/model"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 6 * time.Second

const maxStderr = 4096

// Target identifies what to probe.
type Target struct {
	URL       string
	UserAgent string
	Referer   string
}

// Result carries diagnostic stream characteristics. They are for logging only.
type Result struct {
	Format     string
	VideoCodec string
	Width      int
	Height     int
	AudioCodec string
}

// Resolution formats WxH, or "" when unknown.
func (r Result) Resolution() string {
	if r.Width == 0 || r.Height == 0 {
		return ""
	}
	return strconv.Itoa(r.Width) + "x" + strconv.Itoa(r.Height)
}

// Validator checks that a candidate is minimally playable.
type Validator interface {
	Check(ctx context.Context, t Target) (Result, error)
}

// FFprobe is a Validator backed by the ffprobe binary.
type FFprobe struct {
	Bin     string
	Timeout time.Duration
}

// NewFFprobe returns a validator using bin (defaults to "ffprobe").
func NewFFprobe(bin string, timeout time.Duration) *FFprobe {
	if bin == "" {
		bin = "ffprobe"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &FFprobe{Bin: bin, Timeout: timeout}
}

// Args builds the ffprobe argument list. Every external value is its own argv
// element.
func (p *FFprobe) Args(t Target) []string {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	args := []string{
		"-v", "error",
		"-rw_timeout", strconv.FormatInt(timeout.Microseconds(), 10),
		"-analyzeduration", "2000000",
		"-probesize", "2000000",
	}
	if t.UserAgent != "" {
		args = append(args, "-user_agent", t.UserAgent)
	}
	if t.Referer != "" {
		args = append(args, "-headers", "Referer: "+t.Referer+"\r\n")
	}
	args = append(args,
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-i", t.URL,
	)
	return args
}

// Check runs ffprobe with a hard deadline. Any failure wraps model.ErrPreflightFailed.
func (p *FFprobe) Check(ctx context.Context, t Target) (res Result, err error) {
	start := time.Now()
	defer func() { metrics.ObservePreflight(err == nil, time.Since(start)) }()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- binary comes from configuration; args are discrete argv elements
	cmd := exec.CommandContext(ctx, p.Bin, p.Args(t)...)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, runErr := cmd.Output()

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{}, fmt.Errorf("%w: probe timed out after %s", model.ErrPreflightFailed, timeout)
	}
	if runErr != nil {
		return Result{}, fmt.Errorf("%w: ffprobe: %v (stderr: %s)", model.ErrPreflightFailed, runErr, truncate(stderr.String()))
	}
	res, err = Parse(out)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", model.ErrPreflightFailed, err)
	}
	return res, nil
}

type probeData struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// Parse decodes ffprobe JSON and requires at least one playable stream.
func Parse(out []byte) (Result, error) {
	var data probeData
	if err := json.Unmarshal(out, &data); err != nil {
		return Result{}, fmt.Errorf("malformed probe output: %w", err)
	}
	var res Result
	res.Format = data.Format.FormatName
	playable := false
	for _, s := range data.Streams {
		if s.CodecName == "" {
			continue
		}
		switch s.CodecType {
		case "video":
			if res.VideoCodec == "" {
				res.VideoCodec = s.CodecName
				res.Width = s.Width
				res.Height = s.Height
			}
			playable = true
		case "audio":
			if res.AudioCodec == "" {
				res.AudioCodec = s.CodecName
			}
			playable = true
		}
	}
	if !playable {
		return Result{}, errors.New("no playable audio or video stream")
	}
	return res, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[:maxStderr] + "..."
	}
	return s
}
