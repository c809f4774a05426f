// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "time"

// SessionState is the failover lifecycle of a stream session.
type SessionState string

const (
	StateStarting      SessionState = "STARTING"
	StateActive        SessionState = "ACTIVE"
	StateSwitching     SessionState = "SWITCHING"
	StateFailed        SessionState = "FAILED"
	StateClientAborted SessionState = "CLIENT_ABORTED"

	// StateError is how a FAILED session is persisted to the coordination store.
	StateError SessionState = "ERROR"
)

// IsTerminal returns true if the state is a final state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateFailed, StateClientAborted, StateError:
		return true
	}
	return false
}

// Persisted maps a lifecycle state onto the value written to the store.
func (s SessionState) Persisted() SessionState {
	if s == StateFailed {
		return StateError
	}
	return s
}

// DeliveryMode selects how a session's output reaches clients.
type DeliveryMode string

const (
	// ModeDirect pipes transcoder stdout into one HTTP response.
	ModeDirect DeliveryMode = "direct"
	// ModeHLS writes playlist+segments shared by all viewers of a channel.
	ModeHLS DeliveryMode = "hls"
)

// ReasonCode is a compact, typed failure signal.
// Keep these stable: bad-source markers, metrics and logs depend on them.
type ReasonCode string

const (
	RNone           ReasonCode = "none"
	RPrecheckFailed ReasonCode = "precheck_failed"
	RStartFailed    ReasonCode = "start_failed"
	RProcessExit    ReasonCode = "process_exit"
	RLowSpeed       ReasonCode = "low_speed"
	RStalled        ReasonCode = "stalled"
	RProbeFailed    ReasonCode = "probe_failed"
	RQuotaExceeded  ReasonCode = "quota_exceeded"
	RIdleOutput     ReasonCode = "idle_output"
	RExhausted      ReasonCode = "exhausted"
	RClientAborted  ReasonCode = "client_aborted"
	RRetryLimit     ReasonCode = "retry_limit"
)

// ChannelState is the per-channel snapshot kept in the coordination store for
// operational tooling.
type ChannelState struct {
	ChannelID         string       `json:"channel_id"`
	SessionID         string       `json:"session_id"`
	Mode              DeliveryMode `json:"mode"`
	State             SessionState `json:"state"`
	ActiveCandidateID string       `json:"active_candidate_id,omitempty"`
	CandidateIndex    int          `json:"candidate_index"`
	Switches          int          `json:"switches"`
	LastReason        ReasonCode   `json:"last_reason,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}
