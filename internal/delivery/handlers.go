// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package delivery

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/tvrelay/internal/catalog"
	"github.com/ManuGH/tvrelay/internal/coord"
	"github.com/ManuGH/tvrelay/internal/failover"
	"github.com/ManuGH/tvrelay/internal/hls"
	"github.com/ManuGH/tvrelay/internal/log"
	"github.com/ManuGH/tvrelay/internal/metrics"
	"github.com/ManuGH/tvrelay/internal/model"
)

const (
	cacheNoStore   = "no-cache, no-store, must-revalidate"
	playlistPoll   = time.Second
	exhaustedRetry = "30"
)

var bitratePattern = regexp.MustCompile(`^[0-9]{1,6}[kKmM]?$`)

// optionsFromQuery reads request-level transcoding overrides. Unknown
// parameters are ignored; malformed values and codecs or presets outside the
// supported set are rejected.
func optionsFromQuery(q url.Values) (model.TranscodeOptions, error) {
	var o model.TranscodeOptions
	for _, f := range []struct {
		key   string
		valid func(string) bool
		dst   *string
	}{
		{"vcodec", model.KnownVideoCodec, &o.VideoCodec},
		{"acodec", model.KnownAudioCodec, &o.AudioCodec},
		{"vbitrate", bitratePattern.MatchString, &o.VideoBitrate},
		{"abitrate", bitratePattern.MatchString, &o.AudioBitrate},
		{"preset", model.KnownPreset, &o.Preset},
	} {
		v := strings.TrimSpace(q.Get(f.key))
		if v == "" {
			continue
		}
		if !f.valid(v) {
			return o, fmt.Errorf("invalid %s %q", f.key, v)
		}
		*f.dst = v
	}
	switch hw := model.HWAccel(q.Get("hwaccel")); hw {
	case model.HWAccelNone, model.HWAccelVAAPI, model.HWAccelQSV, model.HWAccelNVENC:
		o.HWAccel = hw
	default:
		return o, fmt.Errorf("invalid hwaccel %q", hw)
	}
	return o, nil
}

func containerFor(ext string) (model.Container, bool) {
	switch strings.ToLower(ext) {
	case "ts":
		return model.ContainerTS, true
	case "mp4":
		return model.ContainerMP4, true
	}
	return "", false
}

// writeError maps a session error onto an HTTP status. Only valid before the
// response started.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := log.RequestIDFromContext(r.Context())
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "channel_not_found", RequestID: reqID})
	case errors.Is(err, model.ErrSourceExhausted):
		w.Header().Set("Retry-After", exhaustedRetry)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "source_exhausted", Detail: err.Error(), RequestID: reqID})
	case errors.Is(err, errManagerClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "shutting_down", RequestID: reqID})
	default:
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "stream_failed", Detail: err.Error(), RequestID: reqID})
	}
}

// serveStream pushes transcoder output straight into the response. Headers
// are committed only once a candidate produced its first byte, so a channel
// whose sources all fail still gets a proper error status.
func (h *handlers) serveStream(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	dot := strings.LastIndexByte(file, '.')
	if dot <= 0 {
		http.NotFound(w, r)
		return
	}
	channelID := file[:dot]
	container, ok := containerFor(file[dot+1:])
	if !ok {
		http.NotFound(w, r)
		return
	}
	opts, err := optionsFromQuery(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_options", Detail: err.Error()})
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "delivery").With().
		Str(log.FieldChannelID, channelID).
		Str(log.FieldMode, string(model.ModeDirect)).
		Logger()

	started := false
	onStart := func() {
		started = true
		hdr := w.Header()
		hdr.Set("Content-Type", container.ContentType())
		hdr.Set("Cache-Control", cacheNoStore)
		hdr.Set("X-Accel-Buffering", "no")
		hdr.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	req := failover.Request{ChannelID: channelID, Container: container, Options: opts}
	err = h.deps.Streamer.Stream(r.Context(), req, w, onStart)
	if err == nil {
		return
	}
	if started {
		logger.Warn().Err(err).Str(log.FieldEvent, "stream.ended").Msg("stream ended after output started")
		return
	}
	logger.Warn().Err(err).Str(log.FieldEvent, "stream.rejected").Msg("stream could not start")
	writeError(w, r, err)
}

// servePlaylist attaches to or starts the channel's shared session and
// returns its playlist, waiting for the first segment on a cold start.
func (h *handlers) servePlaylist(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	opts, err := optionsFromQuery(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_options", Detail: err.Error()})
		return
	}

	sess, err := h.deps.HLS.Acquire(r.Context(), failover.Request{ChannelID: channelID, Container: model.ContainerHLS, Options: opts})
	if err != nil {
		writeError(w, r, err)
		return
	}

	path := sess.PlaylistPath()
	if !hls.Ready(path) {
		if outcome := h.waitPlaylist(r, sess, path); outcome != "ready" {
			metrics.IncPlaylistWait(outcome)
			if outcome == "failed" {
				writeError(w, r, fmt.Errorf("%w: session for %s ended", model.ErrSourceExhausted, channelID))
				return
			}
			w.Header().Set("Retry-After", "2")
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "playlist_not_ready", RequestID: log.RequestIDFromContext(r.Context())})
			return
		}
		metrics.IncPlaylistWait("ready")
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the session directory
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", hls.ContentType(path))
	w.Header().Set("Cache-Control", cacheNoStore)
	_, _ = w.Write(data)
}

// waitPlaylist polls for the first segment. It returns "ready", "timeout",
// "failed" when the session ended, or "aborted" when the client left.
func (h *handlers) waitPlaylist(r *http.Request, sess SharedSession, path string) string {
	poll := h.cfg.PlaylistPoll
	if poll <= 0 {
		poll = playlistPoll
	}
	deadline := time.NewTimer(h.cfg.PlaylistWait)
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return "aborted"
		case <-sess.Done():
			return "failed"
		case <-deadline.C:
			return "timeout"
		case <-tick.C:
			sess.Touch()
			if hls.Ready(path) {
				return "ready"
			}
		}
	}
}

// serveSegment serves a segment of a running session. It never starts one.
func (h *handlers) serveSegment(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	name := chi.URLParam(r, "segment")
	if !hls.IsSegmentName(name) {
		http.NotFound(w, r)
		return
	}
	sess, ok := h.deps.HLS.Lookup(channelID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(filepath.Join(filepath.Dir(sess.PlaylistPath()), name)) // #nosec G304 -- name validated by IsSegmentName
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", hls.ContentType(name))
	w.Header().Set("Cache-Control", "public, max-age=60")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (h *handlers) listChannels(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Status.Snapshot(r.Context())
	if err != nil {
		logger := log.WithComponentFromContext(r.Context(), "status")
		logger.Error().Err(err).Msg("status snapshot failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "status_unavailable", RequestID: log.RequestIDFromContext(r.Context())})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) getChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	st, err := h.deps.Status.Channel(r.Context(), channelID)
	switch {
	case errors.Is(err, coord.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no_session_state", Detail: channelID})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "status_unavailable", RequestID: log.RequestIDFromContext(r.Context())})
	default:
		writeJSON(w, http.StatusOK, st)
	}
}
