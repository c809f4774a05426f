// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package monitor re-validates running sessions in the background. Each
// watched session is checked on its own timer by a bounded worker pool: a
// check samples output progress and probes the active source URL, and a
// failing session is handed back to its owner for failover.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/tvrelay/internal/log"
	"github.com/ManuGH/tvrelay/internal/metrics"
	"github.com/ManuGH/tvrelay/internal/model"
	"github.com/ManuGH/tvrelay/internal/resolve"
)

// Target is a running session as seen by the monitor.
type Target interface {
	SessionID() string
	ChannelID() string
	// Active returns the candidate currently producing output. ok is false
	// while the session is starting or switching.
	Active() (cand resolve.Candidate, ok bool)
	// Progress is a counter that grows while output flows: bytes delivered
	// or the newest media sequence number.
	Progress(ctx context.Context) (int64, error)
	// Failover abandons observedCandidateID. It returns model.ErrLockContention
	// when another worker is already switching the channel.
	Failover(ctx context.Context, observedCandidateID string, cause error) error
	// Fail ends the session as FAILED.
	Fail(ctx context.Context, cause error)
	Done() <-chan struct{}
}

// Config controls check cadence and retry policy.
type Config struct {
	Workers  int
	Interval time.Duration
	// StallChecks is the number of consecutive checks without progress that
	// count as a stall.
	StallChecks int
	// MaxRetries bounds consecutive unhealthy checks before the session fails.
	MaxRetries   int
	MaxBackoff   time.Duration
	CheckTimeout time.Duration
	// ProbeRate limits liveness probes across all sessions. Zero disables probing.
	ProbeRate  rate.Limit
	ProbeBurst int
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.StallChecks <= 0 {
		c.StallChecks = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	if c.ProbeBurst <= 0 {
		c.ProbeBurst = 1
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// Outcomes reported to metrics.
const (
	outcomeHealthy     = "healthy"
	outcomeInactive    = "inactive"
	outcomeStalled     = "stalled"
	outcomeProbeFailed = "probe_failed"
	outcomeContention  = "contention"
	outcomeGaveUp      = "gave_up"
)

// watch is the per-session check state. Only one job per watch is ever in
// flight, so its fields need no lock.
type watch struct {
	t      Target
	logger zerolog.Logger
	timer  *time.Timer

	candidateID string
	last        int64
	seen        bool
	unchanged   int
	strikes     int
}

// Pool schedules and runs checks.
type Pool struct {
	cfg     Config
	limiter *rate.Limiter
	jobs    chan *watch
	stop    chan struct{}

	mu      sync.Mutex
	watches map[*watch]struct{}
	stopped bool
}

// NewPool returns a pool; checks run once Run is called.
func NewPool(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.ProbeRate, cfg.ProbeBurst),
		jobs:    make(chan *watch),
		stop:    make(chan struct{}),
		watches: make(map[*watch]struct{}),
	}
}

// Watch starts checking t after one interval. Watching stops on its own once
// t is done or has been failed.
func (p *Pool) Watch(t Target) {
	logger := log.WithComponent("monitor").With().
		Str(log.FieldSessionID, t.SessionID()).
		Str(log.FieldChannelID, t.ChannelID()).
		Logger()
	w := &watch{t: t, logger: logger}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.watches[w] = struct{}{}
	p.scheduleLocked(w, p.cfg.Interval)
}

// Len returns the number of watched sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

// Run executes checks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-p.stop:
					return
				case w := <-p.jobs:
					p.check(ctx, w)
				}
			}
		}()
	}

	<-ctx.Done()
	p.mu.Lock()
	p.stopped = true
	for w := range p.watches {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	p.watches = make(map[*watch]struct{})
	close(p.stop)
	p.mu.Unlock()

	wg.Wait()
	return nil
}

func (p *Pool) schedule(w *watch, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, ok := p.watches[w]; !ok {
		return
	}
	p.scheduleLocked(w, d)
}

func (p *Pool) scheduleLocked(w *watch, d time.Duration) {
	w.timer = time.AfterFunc(d, func() {
		select {
		case p.jobs <- w:
		case <-p.stop:
		case <-w.t.Done():
			p.forget(w)
		}
	})
}

func (p *Pool) forget(w *watch) {
	p.mu.Lock()
	delete(p.watches, w)
	p.mu.Unlock()
}

// backoff grows the delay with each consecutive unhealthy check.
func (p *Pool) backoff(strikes int) time.Duration {
	d := p.cfg.Interval
	for i := 0; i < strikes; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}

func (p *Pool) check(ctx context.Context, w *watch) {
	select {
	case <-w.t.Done():
		p.forget(w)
		return
	default:
	}

	cand, ok := w.t.Active()
	if !ok {
		metrics.IncMonitorCheck(outcomeInactive)
		p.schedule(w, p.backoff(w.strikes))
		return
	}
	if cand.ID != w.candidateID {
		w.candidateID, w.seen, w.unchanged = cand.ID, false, 0
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	defer cancel()

	outcome, cause := p.evaluate(cctx, w, cand)
	if cause == nil {
		metrics.IncMonitorCheck(outcomeHealthy)
		w.strikes = 0
		p.schedule(w, p.cfg.Interval)
		return
	}

	w.strikes++
	logger := w.logger.With().
		Str(log.FieldCandidateID, cand.ID).
		Int(log.FieldAttempt, w.strikes).
		Logger()

	if w.strikes > p.cfg.MaxRetries {
		metrics.IncMonitorCheck(outcomeGaveUp)
		logger.Error().Err(cause).Msg("session still unhealthy after max retries")
		w.t.Fail(ctx, cause)
		p.forget(w)
		return
	}

	metrics.IncMonitorCheck(outcome)
	logger.Warn().Err(cause).Str(log.FieldReason, string(model.ReasonOf(cause))).Msg("active candidate unhealthy, requesting failover")
	if err := w.t.Failover(ctx, cand.ID, cause); err != nil {
		if errors.Is(err, model.ErrLockContention) {
			metrics.IncMonitorCheck(outcomeContention)
			logger.Info().Msg("failover already in progress elsewhere")
		} else {
			logger.Warn().Err(err).Msg("failover request failed")
		}
	}
	p.schedule(w, p.backoff(w.strikes))
}

// evaluate returns a non-nil cause when the active candidate is unhealthy.
func (p *Pool) evaluate(ctx context.Context, w *watch, cand resolve.Candidate) (string, error) {
	progress, err := w.t.Progress(ctx)
	switch {
	case err != nil:
		w.unchanged++
	case !w.seen || progress > w.last:
		w.seen, w.last, w.unchanged = true, progress, 0
	default:
		w.unchanged++
	}
	if w.unchanged >= p.cfg.StallChecks {
		w.unchanged = 0
		cause := fmt.Errorf("no progress across %d checks", p.cfg.StallChecks)
		if err != nil {
			cause = fmt.Errorf("%w: %w", cause, err)
		}
		return outcomeStalled, model.NewFailure(model.ErrStreamStalled, model.RStalled, w.t.ChannelID(), cand.ID, cause)
	}

	if perr := p.probe(ctx, cand); perr != nil {
		return outcomeProbeFailed, model.NewFailure(model.ErrStreamStalled, model.RProbeFailed, w.t.ChannelID(), cand.ID, perr)
	}
	return "", nil
}

// probe checks that the source URL still answers. Non-HTTP sources and probes
// over the rate limit are skipped.
func (p *Pool) probe(ctx context.Context, cand resolve.Candidate) error {
	if p.cfg.ProbeRate == 0 {
		return nil
	}
	if !strings.HasPrefix(cand.URL, "http://") && !strings.HasPrefix(cand.URL, "https://") {
		return nil
	}
	if !p.limiter.Allow() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cand.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	if ua := cand.EffectiveUserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if cand.Referer != "" {
		req.Header.Set("Referer", cand.Referer)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.CopyN(io.Discard, resp.Body, 512)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe: status %d", resp.StatusCode)
	}
	return nil
}
