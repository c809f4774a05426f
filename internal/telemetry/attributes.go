// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	ChannelKey   = attribute.Key("relay.channel_id")
	CandidateKey = attribute.Key("relay.candidate_id")
	SessionKey   = attribute.Key("relay.session_id")
	ProfileKey   = attribute.Key("relay.profile_id")
	ModeKey      = attribute.Key("relay.mode")
	ReasonKey    = attribute.Key("relay.reason")
	AttemptKey   = attribute.Key("relay.attempt")

	CodecKey      = attribute.Key("transcode.video_codec")
	ResolutionKey = attribute.Key("transcode.resolution")
	HWAccelKey    = attribute.Key("transcode.hwaccel")
)

// SessionAttributes describes a stream session.
func SessionAttributes(sessionID, channelID, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		SessionKey.String(sessionID),
		ChannelKey.String(channelID),
		ModeKey.String(mode),
	}
}

// CandidateAttributes describes one candidate attempt. Empty profile ids are
// left out.
func CandidateAttributes(candidateID, profileID string, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		CandidateKey.String(candidateID),
		AttemptKey.Int(attempt),
	}
	if profileID != "" {
		attrs = append(attrs, ProfileKey.String(profileID))
	}
	return attrs
}
