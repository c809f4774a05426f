// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics defines the Prometheus collectors for stream orchestration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionStartTotal tracks the outcome of stream session starts.
	SessionStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_session_start_total",
		Help: "Total number of stream session starts by delivery mode and result",
	}, []string{"mode", "result"})

	// SessionStartupLatency tracks the time from request to first byte/segment.
	SessionStartupLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tvrelay_session_startup_latency_seconds",
		Help:    "Time from session start to first output observed",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 20, 30},
	}, []string{"mode"})

	// ActiveSessions is the number of live sessions per delivery mode.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tvrelay_active_sessions",
		Help: "Number of active stream sessions",
	}, []string{"mode"})

	// CandidateAttemptTotal counts per-candidate attempts by outcome reason.
	CandidateAttemptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_candidate_attempt_total",
		Help: "Candidate attempts by result reason (none = became active)",
	}, []string{"reason"})

	// PreflightDuration tracks probe duration by result.
	PreflightDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tvrelay_preflight_duration_seconds",
		Help:    "Duration of candidate pre-flight probes",
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 7, 10},
	}, []string{"result"})

	// HLSPlaylistWaitTotal tracks first-manifest waits.
	HLSPlaylistWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_hls_playlist_wait_total",
		Help: "Outcome of waiting for the first HLS manifest",
	}, []string{"result"})
)

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// IncSessionStart records a session start outcome.
func IncSessionStart(mode string, success bool) {
	SessionStartTotal.WithLabelValues(mode, result(success)).Inc()
}

// ObserveSessionStartup records the startup latency.
func ObserveSessionStartup(mode string, d time.Duration) {
	SessionStartupLatency.WithLabelValues(mode).Observe(d.Seconds())
}

// SessionOpened and SessionClosed track the active session gauge.
func SessionOpened(mode string) { ActiveSessions.WithLabelValues(mode).Inc() }
func SessionClosed(mode string) { ActiveSessions.WithLabelValues(mode).Dec() }

// IncCandidateAttempt records how a candidate attempt ended.
func IncCandidateAttempt(reason string) {
	CandidateAttemptTotal.WithLabelValues(reason).Inc()
}

// ObservePreflight records a probe.
func ObservePreflight(success bool, d time.Duration) {
	PreflightDuration.WithLabelValues(result(success)).Observe(d.Seconds())
}

// IncPlaylistWait records a first-manifest wait outcome ("ready", "timeout", "failed", "aborted").
func IncPlaylistWait(outcome string) {
	HLSPlaylistWaitTotal.WithLabelValues(outcome).Inc()
}
