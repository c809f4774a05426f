// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"

	// Catalog fields
	FieldChannelID   = "channel_id"
	FieldCandidateID = "candidate_id"
	FieldProfileID   = "profile_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"
	FieldMode      = "mode"
	FieldSignal    = "signal"

	// Media / stream fields
	FieldCodec      = "codec"
	FieldResolution = "resolution"
	FieldSpeed      = "speed"
	FieldHWAccel    = "hwaccel"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"
	FieldAttempt  = "attempt"

	// Path / URL fields
	FieldPath         = "path"
	FieldPlaylistPath = "playlist_path"
)
