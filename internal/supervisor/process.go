// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package supervisor launches and supervises ffmpeg transcoders: argv
// construction, stdout pumping, stderr speed scanning and group termination.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tvrelay/internal/log"
	"github.com/ManuGH/tvrelay/internal/metrics"
	"github.com/ManuGH/tvrelay/internal/model"
	"github.com/ManuGH/tvrelay/internal/procgroup"
)

const (
	DefaultStopGrace         = 5 * time.Second
	DefaultIdleOutputTimeout = 30 * time.Second

	chunkSize       = 32 * 1024
	tailLines       = 20
	stderrDrainWait = 500 * time.Millisecond
)

// Config tunes supervision. Zero values fall back to defaults.
type Config struct {
	Bin               string
	StopGrace         time.Duration
	SpeedThreshold    float64
	SpeedStrikes      int
	IdleOutputTimeout time.Duration
	StderrLines       int
}

// Releaser is the quota slot held by a running process.
type Releaser interface {
	Release() error
}

// Supervisor starts transcoder processes.
type Supervisor struct {
	cfg Config
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Bin == "" {
		cfg.Bin = "ffmpeg"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.IdleOutputTimeout <= 0 {
		cfg.IdleOutputTimeout = DefaultIdleOutputTimeout
	}
	if cfg.StderrLines <= 0 {
		cfg.StderrLines = 200
	}
	return &Supervisor{cfg: cfg}
}

// Process is one running transcoder. Owners must call Stop exactly when they
// are done with it; Stop is idempotent.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	logger    zerolog.Logger
	stopGrace time.Duration
	started   time.Time

	stdout     *os.File
	ring       *LineRing
	signals    chan Signal
	stderrDone chan struct{}
	waitCh     chan error
	exited     chan struct{}
	exitErr    error

	lastOutput atomic.Int64
	pumping    atomic.Bool
	stopping   atomic.Bool
	stopOnce   sync.Once
	release    func()

	progressMu sync.Mutex
	progress   Stats
	hasStats   bool
}

func onceRelease(slot Releaser, logger zerolog.Logger) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if slot == nil {
				return
			}
			if err := slot.Release(); err != nil {
				logger.Warn().Err(err).Msg("failed to release stream slot")
			}
		})
	}
}

// Start launches a transcoder for spec. slot is released exactly once when the
// process ends, or immediately if the start fails.
func (s *Supervisor) Start(ctx context.Context, spec Spec, slot Releaser) (*Process, error) {
	logger := log.WithContext(ctx, log.WithComponent("supervisor")).With().
		Str(log.FieldChannelID, spec.ChannelID).
		Str(log.FieldCandidateID, spec.CandidateID).
		Logger()
	release := onceRelease(slot, logger)

	fail := func(err error) (*Process, error) {
		release()
		metrics.IncProcessStart(false)
		return nil, model.NewFailure(model.ErrProcessStartFailed, model.RStartFailed, spec.ChannelID, spec.CandidateID, err)
	}

	args, err := BuildArgs(spec)
	if err != nil {
		return fail(err)
	}
	if spec.Segmented() {
		// #nosec G301 -- segment dir is served over HTTP
		if err := os.MkdirAll(spec.HLS.Dir, 0o755); err != nil {
			return fail(fmt.Errorf("create output dir: %w", err))
		}
	}

	cmd := exec.Command(s.cfg.Bin, args...) // #nosec G204 -- argv from BuildArgs, no shell
	procgroup.Set(cmd)

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("stderr pipe: %w", err))
	}
	cmd.Stderr = stderrW

	var stdoutR, stdoutW *os.File
	if !spec.Segmented() {
		stdoutR, stdoutW, err = os.Pipe()
		if err != nil {
			_ = stderrR.Close()
			_ = stderrW.Close()
			return fail(fmt.Errorf("stdout pipe: %w", err))
		}
		cmd.Stdout = stdoutW
	}

	if err := cmd.Start(); err != nil {
		_ = stderrR.Close()
		_ = stderrW.Close()
		if stdoutR != nil {
			_ = stdoutR.Close()
			_ = stdoutW.Close()
		}
		return fail(err)
	}
	// The child holds its own copies of the write ends.
	_ = stderrW.Close()
	if stdoutW != nil {
		_ = stdoutW.Close()
	}

	p := &Process{
		spec:       spec,
		cmd:        cmd,
		logger:     logger.With().Int(log.FieldPID, cmd.Process.Pid).Logger(),
		stopGrace:  s.cfg.StopGrace,
		started:    time.Now(),
		stdout:     stdoutR,
		ring:       NewLineRing(s.cfg.StderrLines),
		signals:    make(chan Signal, 1),
		stderrDone: make(chan struct{}),
		waitCh:     make(chan error, 1),
		exited:     make(chan struct{}),
		release:    release,
	}
	p.lastOutput.Store(p.started.UnixNano())

	go p.scanStderr(stderrR, NewSpeedTracker(s.cfg.SpeedThreshold, s.cfg.SpeedStrikes))
	go p.wait()
	if spec.Segmented() {
		go p.watchOutput(s.cfg.IdleOutputTimeout)
	}

	metrics.IncProcessStart(true)
	p.logger.Info().
		Str(log.FieldMode, string(spec.Container)).
		Bool("copy", spec.Options.Copy()).
		Str(log.FieldHWAccel, string(spec.Options.HWAccel)).
		Msg("transcoder started")
	p.logger.Debug().Strs("args", args).Msg("transcoder argv")
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	// Give the scanner a moment to collect the last lines for the tail.
	t := time.NewTimer(stderrDrainWait)
	select {
	case <-p.stderrDone:
	case <-t.C:
	}
	t.Stop()

	reason := "clean"
	switch {
	case p.stopping.Load():
		reason = "stopped"
	case err != nil:
		reason = "crashed"
	}
	metrics.IncProcessExit(reason)

	ev := p.logger.Info()
	if reason != "stopped" {
		ev = p.logger.Warn().Strs("stderr_tail", p.ring.LastN(tailLines))
	}
	ev.Err(err).Str(log.FieldReason, reason).Dur("uptime", time.Since(p.started)).Msg("transcoder exited")

	p.release()
	p.exitErr = err
	close(p.exited)
	p.waitCh <- err
}

func (p *Process) scanStderr(r *os.File, tracker *SpeedTracker) {
	defer close(p.stderrDone)
	defer func() { _ = r.Close() }()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	sc.Split(scanLines)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		st, ok := ParseStats(line)
		if !ok {
			p.ring.Add(line)
			p.logger.Debug().Str("line", line).Msg("transcoder stderr")
			continue
		}
		p.progressMu.Lock()
		p.progress, p.hasStats = st, true
		p.progressMu.Unlock()

		if !st.HasSpeed {
			continue
		}
		if sig, hit := tracker.Observe(st.Speed, line); hit {
			metrics.IncLowSpeedSignal()
			p.logger.Warn().
				Str(log.FieldSignal, sig.Kind.String()).
				Float64(log.FieldSpeed, sig.Speed).
				Int("strikes", sig.Strikes).
				Msg("sustained low transcode speed")
			p.raise(sig)
		}
	}
}

// watchOutput raises SignalIdleOutput when the playlist stops changing.
func (p *Process) watchOutput(timeout time.Duration) {
	interval := timeout / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	path := p.spec.HLS.Playlist()
	for {
		select {
		case <-p.exited:
			return
		case <-tick.C:
		}
		if fi, err := os.Stat(path); err == nil {
			if mt := fi.ModTime().UnixNano(); mt > p.lastOutput.Load() {
				p.lastOutput.Store(mt)
			}
		}
		last := time.Unix(0, p.lastOutput.Load())
		if time.Since(last) > timeout {
			p.logger.Warn().Str(log.FieldSignal, SignalIdleOutput.String()).Str(log.FieldPlaylistPath, path).Time("last_output", last).Msg("transcoder output idle")
			p.raise(Signal{Kind: SignalIdleOutput, At: last})
			return
		}
	}
}

// raise delivers sig without blocking; one pending signal is enough to fail over.
func (p *Process) raise(sig Signal) {
	select {
	case p.signals <- sig:
	default:
	}
}

func (p *Process) failure(kind error, reason model.ReasonCode, cause error) error {
	return model.NewFailure(kind, reason, p.spec.ChannelID, p.spec.CandidateID, cause)
}

// Pump copies stdout to w, flushing after every chunk, until the client goes
// away, a failure signal arrives or the process ends. onFirst runs before the
// first chunk is written. The returned error is always non-nil and wraps one
// of the model failure sentinels.
func (p *Process) Pump(ctx context.Context, w io.Writer, onFirst func()) (int64, error) {
	if p.stdout == nil {
		return 0, errors.New("pump: process writes segmented output")
	}
	if !p.pumping.CompareAndSwap(false, true) {
		return 0, errors.New("pump: already running")
	}

	chunks := make(chan []byte, 4)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		buf := make([]byte, chunkSize)
		for {
			n, err := p.stdout.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				select {
				case chunks <- b:
				case <-quit:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	flusher, _ := w.(http.Flusher)
	var written int64
	write := func(b []byte) error {
		if written == 0 && onFirst != nil {
			onFirst()
		}
		n, err := w.Write(b)
		written += int64(n)
		if err != nil {
			return p.failure(model.ErrClientAborted, model.RClientAborted, err)
		}
		p.lastOutput.Store(time.Now().UnixNano())
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return written, p.failure(model.ErrClientAborted, model.RClientAborted, ctx.Err())

		case sig := <-p.signals:
			return written, p.failure(sig.Err(), sig.Reason(), nil)

		case b := <-chunks:
			if err := write(b); err != nil {
				return written, err
			}

		case <-readErr:
			// Flush whatever the reader queued before it hit EOF.
			for drained := false; !drained; {
				select {
				case b := <-chunks:
					if err := write(b); err != nil {
						return written, err
					}
				default:
					drained = true
				}
			}
			select {
			case <-p.exited:
			case <-ctx.Done():
				return written, p.failure(model.ErrClientAborted, model.RClientAborted, ctx.Err())
			}
			return written, p.exitFailure()
		}
	}
}

func (p *Process) exitFailure() error {
	tail := strings.Join(p.ring.LastN(3), " | ")
	cause := p.exitErr
	if cause == nil {
		cause = errors.New("output ended")
	}
	if tail != "" {
		cause = fmt.Errorf("%w: %s", cause, tail)
	}
	return p.failure(model.ErrProcessCrashed, model.RProcessExit, cause)
}

// Stop terminates the process group (SIGTERM, grace, SIGKILL) and waits for
// the exit. The quota slot has been released when Stop returns.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		select {
		case <-p.exited:
		default:
			_ = procgroup.Terminate(p.cmd, p.waitCh, p.stopGrace)
		}
		<-p.exited
		if p.stdout != nil {
			_ = p.stdout.Close()
		}
	})
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.exited }

// Signals delivers low-speed and idle-output signals.
func (p *Process) Signals() <-chan Signal { return p.signals }

// ExitFailure classifies the exit of a finished process. Call only after Done.
func (p *Process) ExitFailure() error { return p.exitFailure() }

// Tail returns the last n stderr lines.
func (p *Process) Tail(n int) []string { return p.ring.LastN(n) }

// Stopped reports whether Stop was called.
func (p *Process) Stopped() bool { return p.stopping.Load() }

// Progress returns the latest parsed progress line.
func (p *Process) Progress() (Stats, bool) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	return p.progress, p.hasStats
}
