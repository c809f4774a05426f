// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package failover

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/tvrelay/internal/metrics"
	"github.com/ManuGH/tvrelay/internal/model"
	"github.com/ManuGH/tvrelay/internal/resolve"
	"github.com/ManuGH/tvrelay/internal/telemetry"
)

// errRetryLimit is the cancellation cause used when the monitor gives up.
var errRetryLimit = errors.New("health check retry limit reached")

// Stream serves one request-scoped session: it pushes transcoder output into
// w and, when a candidate fails, starts the next one writing into the same
// response. onStart runs once, right before the first byte, so callers can
// defer response headers until a source actually works.
//
// The returned error is nil for a client disconnect, wraps
// model.ErrSourceExhausted when no candidate is left, and is the resolver's
// error when the channel cannot be resolved.
func (c *Controller) Stream(ctx context.Context, req Request, w io.Writer, onStart func()) (err error) {
	s, err := c.open(ctx, req, model.ModeDirect)
	if err != nil {
		return err
	}
	logger := c.logger(ctx, s)

	ctx, span := telemetry.Start(ctx, "failover.stream", telemetry.SessionAttributes(s.ID, s.ChannelID, string(s.Mode))...)
	defer func() { telemetry.End(span, err) }()

	metrics.SessionOpened(string(s.Mode))
	defer metrics.SessionClosed(string(s.Mode))

	run := &directRun{ctrl: c, sess: s, done: make(chan struct{})}
	defer close(run.done)
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	run.cancelRun = cancelRun

	c.persist(ctx, s, logger)
	if c.deps.Watcher != nil {
		c.deps.Watcher.Watch(run)
	}

	cw := &countingWriter{w: w, n: &run.written}
	started := false
	for {
		cand, n, ok := c.next(runCtx, s, logger)
		if !ok {
			if ctx.Err() != nil {
				c.abort(ctx, s, logger)
				return nil
			}
			return c.exhaust(ctx, s, logger)
		}

		attemptCtx, cancelAttempt := context.WithCancelCause(runCtx)
		run.setAttempt(cand.ID, cancelAttempt)

		proc, aerr := c.attempt(attemptCtx, s, cand, n, logger)
		if aerr == nil {
			_, aerr = proc.Pump(attemptCtx, cw, func() {
				c.activate(ctx, s, cand, logger)
				if !started && onStart != nil {
					started = true
					onStart()
				}
			})
			proc.Stop()
		}
		run.setAttempt("", nil)
		aerr = c.classify(ctx, runCtx, attemptCtx, aerr)
		cancelAttempt(nil)

		switch {
		case errors.Is(aerr, model.ErrClientAborted):
			c.abort(ctx, s, logger)
			return nil
		case errors.Is(aerr, errRetryLimit):
			c.giveUp(ctx, s, aerr, logger)
			return aerr
		}
		c.recordFailure(ctx, s, cand, aerr, false, logger)
	}
}

// classify resolves what an attempt error really means. Pump reports any
// context cancellation as a client abort; if the client is still there the
// cancellation came from the monitor and its cause is the real failure.
func (c *Controller) classify(clientCtx, runCtx, attemptCtx context.Context, err error) error {
	if !errors.Is(err, model.ErrClientAborted) || clientCtx.Err() != nil {
		return err
	}
	if cause := context.Cause(runCtx); runCtx.Err() != nil && cause != nil {
		return cause
	}
	if cause := context.Cause(attemptCtx); attemptCtx.Err() != nil && cause != nil {
		return cause
	}
	return err
}

// directRun exposes a running request-scoped session to the monitor.
type directRun struct {
	ctrl      *Controller
	sess      *Session
	done      chan struct{}
	written   atomic.Int64
	cancelRun context.CancelCauseFunc

	mu            sync.Mutex
	candidateID   string
	cancelAttempt context.CancelCauseFunc
}

func (r *directRun) setAttempt(id string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	r.candidateID, r.cancelAttempt = id, cancel
	r.mu.Unlock()
}

func (r *directRun) SessionID() string     { return r.sess.ID }
func (r *directRun) ChannelID() string     { return r.sess.ChannelID }
func (r *directRun) Done() <-chan struct{} { return r.done }

// Active returns the candidate currently streaming.
func (r *directRun) Active() (resolve.Candidate, bool) {
	if r.sess.State() != model.StateActive {
		return resolve.Candidate{}, false
	}
	return r.sess.Current()
}

// Progress is the number of bytes delivered so far.
func (r *directRun) Progress(context.Context) (int64, error) {
	return r.written.Load(), nil
}

// Failover interrupts the attempt on observedCandidateID. The streaming loop
// records the failure and moves on. Observations about a candidate that is no
// longer current are ignored.
func (r *directRun) Failover(_ context.Context, observedCandidateID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelAttempt == nil || r.candidateID != observedCandidateID {
		return nil
	}
	r.cancelAttempt(model.NewFailure(cause, model.ReasonOf(cause), r.sess.ChannelID, observedCandidateID, nil))
	return nil
}

// Fail ends the whole session.
func (r *directRun) Fail(_ context.Context, cause error) {
	r.cancelRun(errors.Join(errRetryLimit, cause))
}

// countingWriter counts delivered bytes and keeps the flusher visible.
type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}
