// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceExhausted is the only terminal failure: no candidate is left.
	ErrSourceExhausted = errors.New("all sources exhausted")

	ErrPreflightFailed    = errors.New("preflight failed")
	ErrProcessStartFailed = errors.New("process start failed")
	ErrProcessCrashed     = errors.New("process exited unexpectedly")
	ErrLowSpeed           = errors.New("transcode speed below threshold")
	ErrStreamStalled      = errors.New("stream stalled")
	ErrQuotaExceeded      = errors.New("profile stream quota exceeded")
	ErrClientAborted      = errors.New("client aborted")
	ErrLockContention     = errors.New("failover lock held elsewhere")
)

// FailureError attributes a recoverable failure to a candidate.
type FailureError struct {
	Kind        error
	Reason      ReasonCode
	ChannelID   string
	CandidateID string
	Err         error
}

// NewFailure wraps cause as a failure of kind for the given candidate.
func NewFailure(kind error, reason ReasonCode, channelID, candidateID string, cause error) *FailureError {
	return &FailureError{Kind: kind, Reason: reason, ChannelID: channelID, CandidateID: candidateID, Err: cause}
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (channel=%s candidate=%s)", e.Kind, e.ChannelID, e.CandidateID)
	}
	return fmt.Sprintf("%v (channel=%s candidate=%s): %v", e.Kind, e.ChannelID, e.CandidateID, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *FailureError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ReasonOf returns the reason code carried by err, or a code derived from the
// taxonomy sentinel it wraps.
func ReasonOf(err error) ReasonCode {
	var fe *FailureError
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	switch {
	case err == nil:
		return RNone
	case errors.Is(err, ErrPreflightFailed):
		return RPrecheckFailed
	case errors.Is(err, ErrProcessStartFailed):
		return RStartFailed
	case errors.Is(err, ErrProcessCrashed):
		return RProcessExit
	case errors.Is(err, ErrLowSpeed):
		return RLowSpeed
	case errors.Is(err, ErrStreamStalled):
		return RStalled
	case errors.Is(err, ErrQuotaExceeded):
		return RQuotaExceeded
	case errors.Is(err, ErrClientAborted):
		return RClientAborted
	case errors.Is(err, ErrSourceExhausted):
		return RExhausted
	}
	return RProcessExit
}

// MarksSourceBad reports whether err should leave a bad-source marker on the
// candidate it happened on. Quota races, client aborts and local spawn
// failures are not the source's fault.
func MarksSourceBad(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrProcessStartFailed),
		errors.Is(err, ErrClientAborted),
		errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrLockContention),
		errors.Is(err, ErrSourceExhausted):
		return false
	}
	return true
}
