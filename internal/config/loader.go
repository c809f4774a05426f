// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/tvrelay/internal/log"
	"github.com/ManuGH/tvrelay/internal/model"
)

// EnvPrefix namespaces every environment variable the loader reads.
const EnvPrefix = "TVRELAY_"

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath string
	envFile    string
	version    string
	// ConsumedEnvKeys records every variable the loader looked at.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a loader. configPath and envFile may be empty.
func NewLoader(configPath, envFile, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		envFile:         envFile,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) key(name string) string {
	k := EnvPrefix + name
	l.ConsumedEnvKeys[k] = struct{}{}
	return k
}

func (l *Loader) envString(name, def string) string {
	return ParseString(l.key(name), def)
}

func (l *Loader) envBool(name string, def bool) bool {
	return ParseBool(l.key(name), def)
}

func (l *Loader) envInt(name string, def int) int {
	return ParseInt(l.key(name), def)
}

func (l *Loader) envFloat(name string, def float64) float64 {
	return ParseFloat(l.key(name), def)
}

func (l *Loader) envDuration(name string, def time.Duration) time.Duration {
	return ParseDuration(l.key(name), def)
}

// Load builds the configuration: defaults, then the strict YAML file, then
// the .env file and process environment, then validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.loadEnvFile(); err != nil {
		return cfg, err
	}
	l.mergeEnv(&cfg)

	cfg.Version = l.version
	cfg.Telemetry.ServiceVersion = l.version
	cfg.FFmpeg.FFprobeBin = ResolveFFprobeBin(cfg.FFmpeg.FFprobeBin, cfg.FFmpeg.Bin)
	if cfg.FFmpeg.FFprobeBin == "" {
		cfg.FFmpeg.FFprobeBin = "ffprobe"
	}
	l.derivePaths(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg. Unknown keys are rejected.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// loadEnvFile exports the .env file into the process environment. Variables
// already set win. A missing file is not an error.
func (l *Loader) loadEnvFile() error {
	if l.envFile == "" {
		return nil
	}
	if err := godotenv.Load(l.envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", l.envFile, err)
	}
	logger := log.WithComponent("config")
	logger.Info().Str(log.FieldPath, l.envFile).Msg("loaded env file")
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.DataDir = l.envString("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = l.envString("LOG_LEVEL", cfg.LogLevel)

	s := &cfg.Server
	s.ListenAddr = l.envString("LISTEN_ADDR", s.ListenAddr)
	s.ShutdownTimeout = l.envDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.StreamStartsPerMinute = l.envInt("STREAM_STARTS_PER_MINUTE", s.StreamStartsPerMinute)

	c := &cfg.Catalog
	c.DBPath = l.envString("CATALOG_DB", c.DBPath)
	c.SeedFile = l.envString("CATALOG_FILE", c.SeedFile)
	c.Watch = l.envBool("CATALOG_WATCH", c.Watch)

	st := &cfg.Store
	st.Backend = l.envString("STORE_BACKEND", st.Backend)
	st.Prefix = l.envString("STORE_PREFIX", st.Prefix)
	st.RedisAddr = l.envString("REDIS_ADDR", st.RedisAddr)
	st.RedisPassword = l.envString("REDIS_PASSWORD", st.RedisPassword)
	st.RedisDB = l.envInt("REDIS_DB", st.RedisDB)
	st.BadgerPath = l.envString("BADGER_PATH", st.BadgerPath)
	st.BadSourceTTL = l.envDuration("BAD_SOURCE_TTL", st.BadSourceTTL)
	st.LockWait = l.envDuration("LOCK_WAIT", st.LockWait)
	st.LockTTL = l.envDuration("LOCK_TTL", st.LockTTL)

	f := &cfg.FFmpeg
	f.Bin = l.envString("FFMPEG_BIN", f.Bin)
	f.FFprobeBin = l.envString("FFPROBE_BIN", f.FFprobeBin)
	f.LogLevel = l.envString("FFMPEG_LOGLEVEL", f.LogLevel)
	f.PreflightTimeout = l.envDuration("PREFLIGHT_TIMEOUT", f.PreflightTimeout)
	f.StopGrace = l.envDuration("STOP_GRACE", f.StopGrace)
	f.SpeedThreshold = l.envFloat("SPEED_THRESHOLD", f.SpeedThreshold)
	f.SpeedStrikes = l.envInt("SPEED_STRIKES", f.SpeedStrikes)
	f.IdleOutputTimeout = l.envDuration("IDLE_OUTPUT_TIMEOUT", f.IdleOutputTimeout)

	h := &cfg.HLS
	h.Root = l.envString("HLS_ROOT", h.Root)
	h.SegmentSeconds = l.envInt("HLS_SEGMENT_SECONDS", h.SegmentSeconds)
	h.ListSize = l.envInt("HLS_LIST_SIZE", h.ListSize)
	h.IdleTimeout = l.envDuration("HLS_IDLE_TIMEOUT", h.IdleTimeout)

	m := &cfg.Monitor
	m.Workers = l.envInt("MONITOR_WORKERS", m.Workers)
	m.Interval = l.envDuration("MONITOR_INTERVAL", m.Interval)
	m.StallChecks = l.envInt("MONITOR_STALL_CHECKS", m.StallChecks)
	m.MaxRetries = l.envInt("MONITOR_MAX_RETRIES", m.MaxRetries)
	m.ProbeRate = l.envFloat("MONITOR_PROBE_RATE", m.ProbeRate)

	t := &cfg.Transcode
	t.VideoCodec = l.envString("VIDEO_CODEC", t.VideoCodec)
	t.AudioCodec = l.envString("AUDIO_CODEC", t.AudioCodec)
	t.HWAccel = model.HWAccel(l.envString("HWACCEL", string(t.HWAccel)))

	cfg.Status.File = l.envString("STATUS_FILE", cfg.Status.File)

	tel := &cfg.Telemetry
	tel.Enabled = l.envBool("TRACING_ENABLED", tel.Enabled)
	tel.Endpoint = l.envString("TRACING_ENDPOINT", tel.Endpoint)
	tel.ExporterType = l.envString("TRACING_EXPORTER", tel.ExporterType)
}

// derivePaths fills paths left empty from DataDir.
func (l *Loader) derivePaths(cfg *AppConfig) {
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if cfg.HLS.Root == "" {
		cfg.HLS.Root = filepath.Join(cfg.DataDir, "hls")
	}
	if cfg.Catalog.DBPath == "" {
		cfg.Catalog.DBPath = filepath.Join(cfg.DataDir, "catalog.db")
	}
	if cfg.Store.Backend == "badger" && cfg.Store.BadgerPath == "" {
		cfg.Store.BadgerPath = filepath.Join(cfg.DataDir, "coord")
	}
	if cfg.Status.File == "" {
		cfg.Status.File = filepath.Join(cfg.DataDir, "status.json")
	}
}
