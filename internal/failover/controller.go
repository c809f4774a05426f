// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package failover runs stream sessions: it walks the resolved candidate list,
// admits each attempt against its profile quota, pre-flights it, starts the
// transcoder and moves the session state machine on every failure.
package failover

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/tvrelay/internal/catalog"
	"github.com/ManuGH/tvrelay/internal/coord"
	"github.com/ManuGH/tvrelay/internal/log"
	"github.com/ManuGH/tvrelay/internal/metrics"
	"github.com/ManuGH/tvrelay/internal/model"
	"github.com/ManuGH/tvrelay/internal/monitor"
	"github.com/ManuGH/tvrelay/internal/preflight"
	"github.com/ManuGH/tvrelay/internal/resolve"
	"github.com/ManuGH/tvrelay/internal/supervisor"
	"github.com/ManuGH/tvrelay/internal/telemetry"
)

// storeTimeout bounds best-effort store writes on paths where the request
// context may already be gone.
const storeTimeout = 3 * time.Second

// Resolver yields the ranked candidates of a channel.
type Resolver interface {
	Resolve(ctx context.Context, channelID string) (catalog.Channel, []resolve.Candidate, error)
}

// Launcher starts transcoders. *supervisor.Supervisor implements it.
type Launcher interface {
	Start(ctx context.Context, spec supervisor.Spec, slot supervisor.Releaser) (*supervisor.Process, error)
}

// Watcher registers sessions with the health monitor.
type Watcher interface {
	Watch(t monitor.Target)
}

// Config holds controller settings.
type Config struct {
	// HLSRoot is the parent of per-channel segment directories.
	HLSRoot        string
	SegmentSeconds int
	ListSize       int
	// DefaultOptions is the lowest-precedence option layer.
	DefaultOptions model.TranscodeOptions
	LogLevel       string
}

// Deps are the collaborators of a Controller. Recorder and Watcher are optional.
type Deps struct {
	Resolver  Resolver
	Preflight preflight.Validator
	Launcher  Launcher
	Coord     *coord.Coordinator
	Recorder  catalog.ActiveRecorder
	Watcher   Watcher
}

// Controller drives sessions for both delivery modes.
type Controller struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// NewController returns a Controller.
func NewController(cfg Config, deps Deps) *Controller {
	return &Controller{cfg: cfg, deps: deps, now: time.Now}
}

// Request describes what a client asked for. Options are the request-level
// overrides; they take precedence over the channel's stored preference and
// the configured default.
type Request struct {
	ChannelID string
	Container model.Container
	Options   model.TranscodeOptions
}

func (c *Controller) open(ctx context.Context, req Request, mode model.DeliveryMode) (*Session, error) {
	ch, cands, err := c.deps.Resolver.Resolve(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}
	opts := model.ResolveOptions(req.Options, ch.Options, c.cfg.DefaultOptions)
	s := newSession(uuid.NewString(), ch.ID, mode, req.Container, opts, cands, c.now())
	s.Overridden = !req.Options.IsZero()
	if mode == model.ModeHLS {
		s.Dir = filepath.Join(c.cfg.HLSRoot, dirName(ch.ID))
	}
	return s, nil
}

// dirName maps a channel id onto a single safe path element.
func dirName(id string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if clean == "" {
		return "_"
	}
	return clean
}

func (c *Controller) logger(ctx context.Context, s *Session) zerolog.Logger {
	return log.WithContext(ctx, log.WithComponent("failover")).With().
		Str(log.FieldSessionID, s.ID).
		Str(log.FieldChannelID, s.ChannelID).
		Str(log.FieldMode, string(s.Mode)).
		Logger()
}

// next advances to the next candidate without a live bad-source marker.
// Markers may have appeared since the list was resolved.
func (c *Controller) next(ctx context.Context, s *Session, logger zerolog.Logger) (resolve.Candidate, int, bool) {
	for {
		cand, attempt, ok := s.advance()
		if !ok {
			return cand, attempt, false
		}
		bad, err := c.deps.Coord.BadSources.IsBad(ctx, cand.ID)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldCandidateID, cand.ID).Msg("bad-source lookup failed, trying candidate")
			return cand, attempt, true
		}
		if !bad {
			return cand, attempt, true
		}
		logger.Debug().Str(log.FieldCandidateID, cand.ID).Msg("skipping candidate marked bad since resolve")
	}
}

func (c *Controller) spec(s *Session, cand resolve.Candidate) supervisor.Spec {
	sp := supervisor.Spec{
		ChannelID:   s.ChannelID,
		CandidateID: cand.ID,
		Input:       cand.URL,
		UserAgent:   cand.EffectiveUserAgent(),
		Referer:     cand.Referer,
		Container:   s.Container,
		Options:     s.Options,
		LogLevel:    c.cfg.LogLevel,
	}
	if s.Mode == model.ModeHLS {
		sp.HLS = supervisor.HLSOutput{Dir: s.Dir, SegmentSeconds: c.cfg.SegmentSeconds, ListSize: c.cfg.ListSize}
	}
	return sp
}

// attempt runs quota admission, pre-flight and start for one candidate. On
// success the returned process owns the quota slot.
func (c *Controller) attempt(ctx context.Context, s *Session, cand resolve.Candidate, n int, logger zerolog.Logger) (proc *supervisor.Process, err error) {
	ctx, span := telemetry.Start(ctx, "failover.attempt", telemetry.CandidateAttributes(cand.ID, cand.ProfileID, n)...)
	defer func() { telemetry.End(span, err) }()

	fail := func(kind error, reason model.ReasonCode, cause error) (*supervisor.Process, error) {
		return nil, model.NewFailure(kind, reason, s.ChannelID, cand.ID, cause)
	}
	if ctx.Err() != nil {
		return fail(model.ErrClientAborted, model.RClientAborted, ctx.Err())
	}

	slot, err := c.deps.Coord.Counters.Acquire(ctx, cand.ProfileID, cand.MaxStreams())
	if err != nil {
		if errors.Is(err, model.ErrQuotaExceeded) {
			return fail(model.ErrQuotaExceeded, model.RQuotaExceeded, err)
		}
		// A broken store must not take the stream down; admit without a slot.
		logger.Warn().Err(err).Str(log.FieldProfileID, cand.ProfileID).Msg("quota check failed, admitting")
		slot = nil
	}

	if c.deps.Preflight != nil {
		pctx, pspan := telemetry.Start(ctx, "failover.preflight")
		res, perr := c.deps.Preflight.Check(pctx, preflight.Target{
			URL:       cand.URL,
			UserAgent: cand.EffectiveUserAgent(),
			Referer:   cand.Referer,
		})
		telemetry.End(pspan, perr)
		if perr != nil {
			if rerr := slot.Release(); rerr != nil {
				logger.Warn().Err(rerr).Str(log.FieldProfileID, cand.ProfileID).Msg("failed to release stream slot")
			}
			if ctx.Err() != nil {
				return fail(model.ErrClientAborted, model.RClientAborted, ctx.Err())
			}
			return fail(model.ErrPreflightFailed, model.RPrecheckFailed, perr)
		}
		logger.Info().
			Str(log.FieldCandidateID, cand.ID).
			Str(log.FieldCodec, res.VideoCodec).
			Str(log.FieldResolution, res.Resolution()).
			Str("audio_codec", res.AudioCodec).
			Msg("pre-flight ok")
	}

	var rel supervisor.Releaser
	if slot != nil {
		rel = slot
	}
	return c.deps.Launcher.Start(ctx, c.spec(s, cand), rel)
}

// persist writes the session snapshot; failures are logged only.
func (c *Controller) persist(ctx context.Context, s *Session, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := c.deps.Coord.States.Put(ctx, s.Snapshot()); err != nil {
		logger.Warn().Err(err).Msg("failed to persist channel state")
	}
}

// markBad leaves a bad-source marker when err is the source's fault. A
// transcoder that dies before producing anything for a session carrying client
// overrides is blamed on the request, not the source.
func (c *Controller) markBad(ctx context.Context, s *Session, cand resolve.Candidate, err error, logger zerolog.Logger) {
	if !model.MarksSourceBad(err) {
		return
	}
	if s.Overridden && s.State() != model.StateActive && errors.Is(err, model.ErrProcessCrashed) {
		logger.Info().
			Str(log.FieldCandidateID, cand.ID).
			Msg("transcoder exited before output with request overrides, source not marked")
		return
	}
	reason := model.ReasonOf(err)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if merr := c.deps.Coord.BadSources.Mark(ctx, cand.ID, reason); merr != nil {
		logger.Warn().Err(merr).Str(log.FieldCandidateID, cand.ID).Msg("failed to write bad-source marker")
		return
	}
	metrics.IncBadSourceMarked(string(reason))
}

// recordFailure moves the session off cand after err. The caller holds the
// channel failover lock when locked is true; otherwise the decision is taken
// under a short-lived lock here.
func (c *Controller) recordFailure(ctx context.Context, s *Session, cand resolve.Candidate, err error, locked bool, logger zerolog.Logger) {
	reason := model.ReasonOf(err)
	metrics.IncCandidateAttempt(string(reason))

	c.markBad(ctx, s, cand, err, logger)

	ev := s.failureEvent()
	from, to, ferr := s.fire(ev, reason, c.now())
	if ferr != nil {
		logger.Error().Err(ferr).Msg("state machine rejected failure")
		return
	}
	if from == model.StateActive {
		metrics.IncFailover(string(reason))
	}

	logger.Warn().
		Err(err).
		Str(log.FieldCandidateID, cand.ID).
		Str(log.FieldReason, string(reason)).
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Msg("candidate failed")

	if locked {
		c.persist(ctx, s, logger)
		return
	}
	lease, lerr := c.deps.Coord.Locks.Acquire(context.WithoutCancel(ctx), s.ChannelID)
	if lerr != nil {
		if errors.Is(lerr, model.ErrLockContention) {
			metrics.IncLockContention()
			logger.Info().Msg("failover lock busy, another worker owns the channel state")
			return
		}
		logger.Warn().Err(lerr).Msg("failover lock unavailable")
		return
	}
	defer func() {
		if err := lease.Release(); err != nil {
			logger.Warn().Err(err).Msg("failed to release failover lock")
		}
	}()
	c.persist(ctx, s, logger)
}

// activate records that cand is producing output.
func (c *Controller) activate(ctx context.Context, s *Session, cand resolve.Candidate, logger zerolog.Logger) {
	from, _, err := s.fire(EvActivated, model.RNone, c.now())
	if err != nil {
		logger.Error().Err(err).Msg("state machine rejected activation")
		return
	}
	metrics.IncCandidateAttempt(string(model.RNone))
	if from == model.StateStarting {
		metrics.IncSessionStart(string(s.Mode), true)
		metrics.ObserveSessionStartup(string(s.Mode), c.now().Sub(s.StartedAt))
	}
	logger.Info().
		Str(log.FieldCandidateID, cand.ID).
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(model.StateActive)).
		Msg("candidate active")
	c.persist(ctx, s, logger)

	if c.deps.Recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if err := c.deps.Recorder.RecordActive(rctx, s.ChannelID, cand.ID, c.now()); err != nil {
			logger.Debug().Err(err).Msg("failed to record last active candidate")
		}
	}
}

// exhaust moves the session to FAILED, persisted as ERROR.
func (c *Controller) exhaust(ctx context.Context, s *Session, logger zerolog.Logger) error {
	from, _, err := s.fire(EvExhausted, model.RExhausted, c.now())
	if err != nil {
		logger.Error().Err(err).Msg("state machine rejected exhaustion")
	}
	if from == model.StateStarting {
		metrics.IncSessionStart(string(s.Mode), false)
	}
	metrics.IncSessionFailed(string(model.RExhausted))
	logger.Error().Int("candidates", len(s.Candidates())).Msg("all candidates exhausted")
	c.persist(ctx, s, logger)
	return fmt.Errorf("channel %s: %w", s.ChannelID, model.ErrSourceExhausted)
}

// giveUp moves the session to FAILED after the monitor's retry limit.
func (c *Controller) giveUp(ctx context.Context, s *Session, cause error, logger zerolog.Logger) {
	if _, _, err := s.fire(EvRetryLimit, model.RRetryLimit, c.now()); err != nil {
		return
	}
	metrics.IncSessionFailed(string(model.RRetryLimit))
	logger.Error().Err(cause).Msg("health retries exhausted, failing session")
	c.persist(ctx, s, logger)
}

// abort moves the session to CLIENT_ABORTED. Nothing else is tried.
func (c *Controller) abort(ctx context.Context, s *Session, logger zerolog.Logger) {
	if _, _, err := s.fire(EvClientAbort, model.RClientAborted, c.now()); err != nil {
		return
	}
	logger.Info().Msg("client gone, session closed")
	c.persist(ctx, s, logger)
}
