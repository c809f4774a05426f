// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/ManuGH/tvrelay/internal/model"
)

// FieldError is one rejected setting.
type FieldError struct {
	Field   string
	Value   any
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// ValidationError bundles every rejected setting.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return strings.Join(msgs, "; ")
}

type validator struct{ errs []FieldError }

func (v *validator) add(field string, value any, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) min(field string, value, lo int) {
	if value < lo {
		v.add(field, value, "must be at least %d, got %d", lo, value)
	}
}

func (v *validator) oneOf(field, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.add(field, value, "unsupported value %q (allowed: %s)", value, strings.Join(allowed, ", "))
}

func (v *validator) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return ValidationError{Errors: append([]FieldError(nil), v.errs...)}
}

// Validate rejects impossible or contradictory settings.
func Validate(cfg AppConfig) error {
	v := &validator{}

	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		v.add("server.listenAddr", cfg.Server.ListenAddr, "invalid listen address: %v", err)
	}
	v.min("server.streamStartsPerMinute", cfg.Server.StreamStartsPerMinute, 0)

	v.oneOf("store.backend", cfg.Store.Backend, "memory", "redis", "badger")
	if cfg.Store.Backend == "redis" && cfg.Store.RedisAddr == "" {
		v.add("store.redisAddr", "", "required for the redis backend")
	}
	if cfg.Store.BadSourceTTL <= 0 {
		v.add("store.badSourceTTL", cfg.Store.BadSourceTTL, "must be positive")
	}
	if cfg.Store.LockWait <= 0 || cfg.Store.LockTTL <= cfg.Store.LockWait {
		v.add("store.lockTTL", cfg.Store.LockTTL, "must be positive and exceed lockWait (%s)", cfg.Store.LockWait)
	}

	if strings.TrimSpace(cfg.FFmpeg.Bin) == "" {
		v.add("ffmpeg.bin", "", "must not be empty")
	}
	if cfg.FFmpeg.SpeedThreshold <= 0 {
		v.add("ffmpeg.speedThreshold", cfg.FFmpeg.SpeedThreshold, "must be positive")
	}
	v.min("ffmpeg.speedStrikes", cfg.FFmpeg.SpeedStrikes, 1)
	if cfg.FFmpeg.PreflightTimeout <= 0 {
		v.add("ffmpeg.preflightTimeout", cfg.FFmpeg.PreflightTimeout, "must be positive")
	}

	v.min("hls.segmentSeconds", cfg.HLS.SegmentSeconds, 1)
	v.min("hls.listSize", cfg.HLS.ListSize, 2)

	v.min("monitor.workers", cfg.Monitor.Workers, 1)
	v.min("monitor.stallChecks", cfg.Monitor.StallChecks, 1)
	v.min("monitor.maxRetries", cfg.Monitor.MaxRetries, 1)
	if cfg.Monitor.Interval <= 0 {
		v.add("monitor.interval", cfg.Monitor.Interval, "must be positive")
	}
	if cfg.Monitor.ProbeRate < 0 {
		v.add("monitor.probeRate", cfg.Monitor.ProbeRate, "must not be negative")
	}

	switch cfg.Transcode.HWAccel {
	case model.HWAccelNone, model.HWAccelVAAPI, model.HWAccelQSV, model.HWAccelNVENC:
	default:
		v.add("transcode.hwaccel", cfg.Transcode.HWAccel, "unknown hardware acceleration %q", cfg.Transcode.HWAccel)
	}

	if cfg.Telemetry.Enabled {
		v.oneOf("telemetry.exporter", cfg.Telemetry.ExporterType, "grpc", "http")
		if cfg.Telemetry.Endpoint == "" {
			v.add("telemetry.endpoint", "", "required when tracing is enabled")
		}
	}
	return v.err()
}
