// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package delivery is the HTTP surface of the relay: direct stream push,
// shared HLS playlists and segments, the status API and the probe endpoints.
package delivery

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/tvrelay/internal/failover"
	"github.com/ManuGH/tvrelay/internal/status"
)

// Streamer runs a request-scoped direct session. *failover.Controller
// implements it.
type Streamer interface {
	Stream(ctx context.Context, req failover.Request, w io.Writer, onStart func()) error
}

// StatusReader backs the status API. *status.Collector implements it.
type StatusReader interface {
	Snapshot(ctx context.Context) (status.Snapshot, error)
	Channel(ctx context.Context, channelID string) (status.ChannelStatus, error)
}

// Probes serves liveness and readiness. *health.Manager implements it.
type Probes interface {
	ServeHealth(w http.ResponseWriter, r *http.Request)
	ServeReady(w http.ResponseWriter, r *http.Request)
}

// Config tunes the router.
type Config struct {
	// StreamStartsPerMinute limits stream starts per client IP: direct
	// streams and playlist requests that start a shared session. Refreshes of
	// a running session are not counted. 0 disables the limit.
	StreamStartsPerMinute int
	// PlaylistWait bounds how long a first playlist request waits for the
	// transcoder to publish a segment.
	PlaylistWait time.Duration
	PlaylistPoll time.Duration
	// TracingService enables otelhttp spans under this name when set.
	TracingService string
}

// Deps are the collaborators behind the routes. Any of them may be nil, in
// which case its routes are not mounted.
type Deps struct {
	Streamer Streamer
	HLS      *HLSManager
	Status   StatusReader
	Probes   Probes
	Metrics  http.Handler
}

type handlers struct {
	cfg  Config
	deps Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config, deps Deps) http.Handler {
	if cfg.PlaylistWait <= 0 {
		cfg.PlaylistWait = 10 * time.Second
	}
	h := &handlers{cfg: cfg, deps: deps}

	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(Metrics)
	if cfg.TracingService != "" {
		r.Use(Tracing(cfg.TracingService))
	}
	r.Use(AccessLog)

	if deps.Probes != nil {
		r.Get("/healthz", deps.Probes.ServeHealth)
		r.Get("/readyz", deps.Probes.ServeReady)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// One limiter for both routes: a client's direct and HLS starts share
	// its budget.
	limit := func(next http.Handler) http.Handler { return next }
	if cfg.StreamStartsPerMinute > 0 {
		limit = StartRateLimit(cfg.StreamStartsPerMinute)
	}
	if deps.Streamer != nil {
		r.With(limit).Get("/stream/{file}", h.serveStream)
	}
	if deps.HLS != nil {
		r.With(limitColdStarts(deps.HLS, limit)).Get("/hls/{channelID}/index.m3u8", h.servePlaylist)
		r.Get("/hls/{channelID}/{segment}", h.serveSegment)
	}

	if deps.Status != nil {
		r.Route("/api/status", func(r chi.Router) {
			r.Get("/channels", h.listChannels)
			r.Get("/channels/{channelID}", h.getChannel)
		})
	}
	return r
}
