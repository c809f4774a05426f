// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package failover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tvrelay/internal/coord"
	"github.com/ManuGH/tvrelay/internal/hls"
	"github.com/ManuGH/tvrelay/internal/log"
	"github.com/ManuGH/tvrelay/internal/metrics"
	"github.com/ManuGH/tvrelay/internal/model"
	"github.com/ManuGH/tvrelay/internal/resolve"
	"github.com/ManuGH/tvrelay/internal/supervisor"
	"github.com/ManuGH/tvrelay/internal/telemetry"
)

const (
	readyPoll         = 250 * time.Millisecond
	contentionBackoff = time.Second
)

// Shared is a session-scoped HLS session: one transcoder per channel whose
// playlist and segments are served to every viewer. Failover restarts the
// transcoder into the same directory, so playlist URLs stay valid.
type Shared struct {
	ctrl   *Controller
	sess   *Session
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	proc       *supervisor.Process
	closed     bool
	closeOnce  sync.Once
	lastAccess atomic.Int64
}

// StartShared resolves the channel and starts the first working candidate.
// The session outlives ctx; end it with Stop.
func (c *Controller) StartShared(ctx context.Context, req Request) (*Shared, error) {
	if req.Container == "" {
		req.Container = model.ContainerHLS
	}
	s, err := c.open(ctx, req, model.ModeHLS)
	if err != nil {
		return nil, err
	}

	life := log.ContextWithSessionID(context.Background(), s.ID)
	life, cancel := context.WithCancel(life)
	sh := &Shared{
		ctrl:   c,
		sess:   s,
		logger: c.logger(life, s),
		ctx:    life,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sh.Touch()

	// Stale segments from an earlier session would look like fresh output.
	if err := os.RemoveAll(s.Dir); err != nil {
		cancel()
		return nil, fmt.Errorf("clear segment dir: %w", err)
	}

	metrics.SessionOpened(string(s.Mode))
	c.persist(life, s, sh.logger)

	_, span := telemetry.Start(ctx, "failover.shared_start", telemetry.SessionAttributes(s.ID, s.ChannelID, string(s.Mode))...)
	sh.mu.Lock()
	err = sh.startLocked(nil)
	sh.mu.Unlock()
	telemetry.End(span, err)
	if err != nil {
		return nil, err
	}

	if c.deps.Watcher != nil {
		c.deps.Watcher.Watch(sh)
	}
	return sh, nil
}

// startLocked walks the remaining candidates until one starts. Callers hold
// sh.mu. A non-nil lease is the channel failover lock; it is extended before
// every candidate so a long walk cannot outlive it.
func (sh *Shared) startLocked(lease *coord.Lease) error {
	c := sh.ctrl
	for {
		if sh.ctx.Err() != nil {
			return fmt.Errorf("%w: session stopped", model.ErrClientAborted)
		}
		if err := lease.Refresh(sh.ctx); err != nil {
			sh.logger.Warn().Err(err).Msg("failed to extend failover lock")
		}
		cand, n, ok := c.next(sh.ctx, sh.sess, sh.logger)
		if !ok {
			err := c.exhaust(sh.ctx, sh.sess, sh.logger)
			sh.teardownLocked()
			return err
		}

		baseline := lastSequence(sh.playlist())
		proc, err := c.attempt(sh.ctx, sh.sess, cand, n, sh.logger)
		if err != nil {
			c.recordFailure(sh.ctx, sh.sess, cand, err, lease != nil, sh.logger)
			continue
		}
		sh.proc = proc
		go sh.supervise(proc, cand, baseline)
		return nil
	}
}

func (sh *Shared) playlist() string {
	return supervisor.HLSOutput{Dir: sh.sess.Dir}.Playlist()
}

// lastSequence returns the newest media sequence in the playlist, -1 if none.
func lastSequence(path string) int64 {
	pl, err := hls.ReadFile(path)
	if err != nil || len(pl.Segments) == 0 {
		return -1
	}
	return pl.LastSequence()
}

// supervise watches one process: it activates the session once the playlist
// gains a segment past baseline and triggers failover on exit or signal.
func (sh *Shared) supervise(proc *supervisor.Process, cand resolve.Candidate, baseline int64) {
	tick := time.NewTicker(readyPoll)
	defer tick.Stop()

	active := false
	for {
		select {
		case <-sh.ctx.Done():
			return
		case <-proc.Done():
			if proc.Stopped() {
				return
			}
			sh.failoverFromWatcher(cand.ID, proc.ExitFailure())
			return
		case sig := <-proc.Signals():
			sh.failoverFromWatcher(cand.ID, model.NewFailure(sig.Err(), sig.Reason(), sh.sess.ChannelID, cand.ID, nil))
			return
		case <-tick.C:
			if active {
				continue
			}
			if lastSequence(sh.playlist()) > baseline {
				active = true
				sh.ctrl.activate(sh.ctx, sh.sess, cand, sh.logger)
			}
		}
	}
}

// failoverFromWatcher retries Failover while another worker holds the lock.
func (sh *Shared) failoverFromWatcher(candidateID string, cause error) {
	for {
		err := sh.Failover(sh.ctx, candidateID, cause)
		if !errors.Is(err, model.ErrLockContention) {
			return
		}
		select {
		case <-sh.ctx.Done():
			return
		case <-time.After(contentionBackoff):
		}
	}
}

// Failover abandons observedCandidateID and starts the next candidate. The
// whole switch runs under the channel failover lock. When the session has
// already moved past observedCandidateID the call is a no-op, so concurrent
// observers of the same fault trigger a single switch.
func (sh *Shared) Failover(ctx context.Context, observedCandidateID string, cause error) error {
	if sh.isClosed() || sh.sess.CurrentID() != observedCandidateID {
		return nil
	}

	lease, err := sh.ctrl.deps.Coord.Locks.Acquire(ctx, sh.sess.ChannelID)
	if err != nil {
		if errors.Is(err, model.ErrLockContention) {
			metrics.IncLockContention()
			sh.logger.Info().Str(log.FieldCandidateID, observedCandidateID).Msg("failover lock busy, backing off")
		}
		return err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			sh.logger.Warn().Err(err).Msg("failed to release failover lock")
		}
	}()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed || sh.sess.CurrentID() != observedCandidateID {
		return nil
	}

	cand, _ := sh.sess.Current()
	if sh.proc != nil {
		sh.proc.Stop()
		sh.proc = nil
	}
	sh.ctrl.recordFailure(sh.ctx, sh.sess, cand, cause, true, sh.logger)
	return sh.startLocked(lease)
}

// Fail ends the session as FAILED.
func (sh *Shared) Fail(_ context.Context, cause error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return
	}
	sh.ctrl.giveUp(sh.ctx, sh.sess, cause, sh.logger)
	sh.teardownLocked()
}

// Stop ends the session after the last viewer left or on shutdown.
func (sh *Shared) Stop() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return
	}
	sh.ctrl.abort(sh.ctx, sh.sess, sh.logger)
	sh.teardownLocked()
}

func (sh *Shared) teardownLocked() {
	sh.closeOnce.Do(func() {
		sh.closed = true
		sh.cancel()
		if sh.proc != nil {
			sh.proc.Stop()
			sh.proc = nil
		}
		if err := os.RemoveAll(sh.sess.Dir); err != nil {
			sh.logger.Warn().Err(err).Str(log.FieldPath, sh.sess.Dir).Msg("failed to remove segment dir")
		}
		metrics.SessionClosed(string(sh.sess.Mode))
		close(sh.done)
	})
}

func (sh *Shared) isClosed() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.closed
}

// Touch records viewer activity for idle sweeping.
func (sh *Shared) Touch() { sh.lastAccess.Store(time.Now().UnixNano()) }

// IdleSince returns the last viewer activity.
func (sh *Shared) IdleSince() time.Time { return time.Unix(0, sh.lastAccess.Load()) }

// Session exposes the underlying session state.
func (sh *Shared) Session() *Session { return sh.sess }

// PlaylistPath is the absolute path of the session playlist.
func (sh *Shared) PlaylistPath() string { return sh.playlist() }

func (sh *Shared) SessionID() string     { return sh.sess.ID }
func (sh *Shared) ChannelID() string     { return sh.sess.ChannelID }
func (sh *Shared) Done() <-chan struct{} { return sh.done }

// Active returns the candidate producing segments.
func (sh *Shared) Active() (resolve.Candidate, bool) {
	if sh.sess.State() != model.StateActive {
		return resolve.Candidate{}, false
	}
	return sh.sess.Current()
}

// Progress is the newest media sequence number in the playlist.
func (sh *Shared) Progress(context.Context) (int64, error) {
	pl, err := hls.ReadFile(sh.playlist())
	if err != nil {
		return 0, err
	}
	return pl.LastSequence(), nil
}
