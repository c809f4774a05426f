// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tvrelay/internal/model"
)

func TestMain(m *testing.M) {
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, EnvPrefix) {
			k, _, _ := strings.Cut(e, "=")
			if err := os.Unsetenv(k); err != nil {
				panic("failed to unset env: " + err.Error())
			}
		}
	}
	os.Exit(m.Run())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvPrefix+"DATA_DIR", t.TempDir())

	cfg, err := NewLoader("", "", "v1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 0.9, cfg.FFmpeg.SpeedThreshold)
	assert.Equal(t, 3, cfg.FFmpeg.SpeedStrikes)
	assert.Equal(t, 6*time.Second, cfg.FFmpeg.PreflightTimeout)
	assert.Equal(t, 5*time.Second, cfg.Store.LockWait)
	assert.Equal(t, filepath.Join(cfg.DataDir, "hls"), cfg.HLS.Root)
	assert.Equal(t, filepath.Join(cfg.DataDir, "catalog.db"), cfg.Catalog.DBPath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "status.json"), cfg.Status.File)
	assert.Equal(t, "ffprobe", cfg.FFmpeg.FFprobeBin)
}

func TestLoad_Precedence(t *testing.T) {
	file := writeFile(t, "config.yaml", `
dataDir: /srv/tvrelay
server:
  listenAddr: ":9000"
store:
  backend: badger
ffmpeg:
  speedThreshold: 0.8
  speedStrikes: 5
transcode:
  video_codec: libx264
  audio_codec: aac
`)
	envFile := writeFile(t, ".env", "TVRELAY_SPEED_STRIKES=7\nTVRELAY_LISTEN_ADDR=:7000\n")
	t.Setenv(EnvPrefix+"LISTEN_ADDR", ":6000")
	t.Cleanup(func() { _ = os.Unsetenv(EnvPrefix + "SPEED_STRIKES") })

	l := NewLoader(file, envFile, "dev")
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.Server.ListenAddr, "process env beats .env and file")
	assert.Equal(t, 7, cfg.FFmpeg.SpeedStrikes, ".env beats file")
	assert.Equal(t, 0.8, cfg.FFmpeg.SpeedThreshold, "file beats default")
	assert.Equal(t, "/srv/tvrelay/coord", cfg.Store.BadgerPath)
	assert.Equal(t, model.TranscodeOptions{VideoCodec: "libx264", AudioCodec: "aac"}, cfg.Transcode)
	assert.Contains(t, l.ConsumedEnvKeys, EnvPrefix+"SPEED_STRIKES")
}

func TestLoad_StrictYAML(t *testing.T) {
	file := writeFile(t, "config.yaml", "server:\n  listenAddr: \":9000\"\n  bogus: 1\n")
	_, err := NewLoader(file, "", "dev").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoad_RejectsMultipleDocuments(t *testing.T) {
	file := writeFile(t, "config.yaml", "logLevel: debug\n---\nlogLevel: info\n")
	_, err := NewLoader(file, "", "dev").Load()
	require.Error(t, err)
}

func TestLoad_RejectsNonYAML(t *testing.T) {
	file := writeFile(t, "config.json", "{}")
	_, err := NewLoader(file, "", "dev").Load()
	require.ErrorContains(t, err, "only YAML supported")
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	t.Setenv(EnvPrefix+"DATA_DIR", t.TempDir())
	_, err := NewLoader("", filepath.Join(t.TempDir(), ".env"), "dev").Load()
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		field  string
	}{
		{"unknown backend", func(c *AppConfig) { c.Store.Backend = "etcd" }, "store.backend"},
		{"redis without addr", func(c *AppConfig) { c.Store.Backend = "redis" }, "store.redisAddr"},
		{"zero speed threshold", func(c *AppConfig) { c.FFmpeg.SpeedThreshold = 0 }, "ffmpeg.speedThreshold"},
		{"no strikes", func(c *AppConfig) { c.FFmpeg.SpeedStrikes = 0 }, "ffmpeg.speedStrikes"},
		{"lock ttl below wait", func(c *AppConfig) { c.Store.LockTTL = time.Second }, "store.lockTTL"},
		{"bad listen addr", func(c *AppConfig) { c.Server.ListenAddr = "8080" }, "server.listenAddr"},
		{"unknown hwaccel", func(c *AppConfig) { c.Transcode.HWAccel = "cuda" }, "transcode.hwaccel"},
		{"tracing without endpoint", func(c *AppConfig) { c.Telemetry.Enabled = true }, "telemetry.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)

			var ve ValidationError
			require.True(t, errors.As(err, &ve))
			fields := make([]string, 0, len(ve.Errors))
			for _, fe := range ve.Errors {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}

	require.NoError(t, Validate(Defaults()))
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("TVRELAY_TEST_INT", "42")
	t.Setenv("TVRELAY_TEST_BAD_INT", "forty")
	t.Setenv("TVRELAY_TEST_BOOL", "Yes")
	t.Setenv("TVRELAY_TEST_DUR", "1500ms")
	t.Setenv("TVRELAY_TEST_EMPTY", "")
	t.Setenv("TVRELAY_TEST_LIST", "a, b,,c ")
	t.Setenv("TVRELAY_TEST_PASSWORD", "hunter2")

	assert.Equal(t, 42, ParseInt("TVRELAY_TEST_INT", 1))
	assert.Equal(t, 1, ParseInt("TVRELAY_TEST_BAD_INT", 1))
	assert.True(t, ParseBool("TVRELAY_TEST_BOOL", false))
	assert.Equal(t, 1500*time.Millisecond, ParseDuration("TVRELAY_TEST_DUR", time.Second))
	assert.Equal(t, "fallback", ParseString("TVRELAY_TEST_EMPTY", "fallback"))
	assert.Equal(t, "fallback", ParseString("TVRELAY_TEST_UNSET", "fallback"))
	assert.Equal(t, []string{"a", "b", "c"}, ParseList("TVRELAY_TEST_LIST", nil))
	assert.Equal(t, "hunter2", ParseString("TVRELAY_TEST_PASSWORD", ""))
	assert.Equal(t, 2.5, ParseFloat("TVRELAY_TEST_UNSET", 2.5))
}

func TestResolveFFprobeBin(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ffprobe"), nil, 0o755))

	assert.Equal(t, "/opt/probe", ResolveFFprobeBin(" /opt/probe ", ffmpeg))
	assert.Equal(t, filepath.Join(dir, "ffprobe"), ResolveFFprobeBin("", ffmpeg))
	assert.Empty(t, ResolveFFprobeBin("", "ffmpeg"))
	assert.Empty(t, ResolveFFprobeBin("", filepath.Join(t.TempDir(), "ffmpeg")))
}
