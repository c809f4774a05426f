// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration. Precedence, lowest first:
// built-in defaults, the YAML file, a .env file, the process environment.
package config

import (
	"time"

	"github.com/ManuGH/tvrelay/internal/model"
	"github.com/ManuGH/tvrelay/internal/telemetry"
)

// AppConfig is the complete daemon configuration.
type AppConfig struct {
	Version  string `yaml:"-"`
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	Server    ServerConfig           `yaml:"server"`
	Catalog   CatalogConfig          `yaml:"catalog"`
	Store     StoreConfig            `yaml:"store"`
	FFmpeg    FFmpegConfig           `yaml:"ffmpeg"`
	HLS       HLSConfig              `yaml:"hls"`
	Monitor   MonitorConfig          `yaml:"monitor"`
	Transcode model.TranscodeOptions `yaml:"transcode"`
	Status    StatusConfig           `yaml:"status"`
	Telemetry telemetry.Config       `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// StreamStartsPerMinute limits stream starts per client IP. 0 disables it.
	StreamStartsPerMinute int `yaml:"streamStartsPerMinute"`
}

// CatalogConfig locates the channel catalog.
type CatalogConfig struct {
	// DBPath is the SQLite catalog database.
	DBPath string `yaml:"dbPath"`
	// SeedFile is a YAML catalog re-imported whenever it changes.
	SeedFile string `yaml:"seedFile"`
	Watch    bool   `yaml:"watch"`
}

// StoreConfig selects the coordination backend.
type StoreConfig struct {
	Backend       string        `yaml:"backend"` // memory | redis | badger
	Prefix        string        `yaml:"prefix"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	BadgerPath    string        `yaml:"badgerPath"`
	BadSourceTTL  time.Duration `yaml:"badSourceTTL"`
	LockWait      time.Duration `yaml:"lockWait"`
	LockTTL       time.Duration `yaml:"lockTTL"`
}

// FFmpegConfig controls transcoder and probe processes.
type FFmpegConfig struct {
	Bin               string        `yaml:"bin"`
	FFprobeBin        string        `yaml:"ffprobeBin"`
	LogLevel          string        `yaml:"logLevel"`
	PreflightTimeout  time.Duration `yaml:"preflightTimeout"`
	StopGrace         time.Duration `yaml:"stopGrace"`
	SpeedThreshold    float64       `yaml:"speedThreshold"`
	SpeedStrikes      int           `yaml:"speedStrikes"`
	IdleOutputTimeout time.Duration `yaml:"idleOutputTimeout"`
	StderrLines       int           `yaml:"stderrLines"`
}

// HLSConfig controls shared HLS sessions.
type HLSConfig struct {
	Root           string        `yaml:"root"`
	SegmentSeconds int           `yaml:"segmentSeconds"`
	ListSize       int           `yaml:"listSize"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	PlaylistWait   time.Duration `yaml:"playlistWait"`
}

// MonitorConfig controls the background health monitor.
type MonitorConfig struct {
	Workers      int           `yaml:"workers"`
	Interval     time.Duration `yaml:"interval"`
	StallChecks  int           `yaml:"stallChecks"`
	MaxRetries   int           `yaml:"maxRetries"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"`
	ProbeRate    float64       `yaml:"probeRate"` // probes per second, 0 disables
	ProbeBurst   int           `yaml:"probeBurst"`
	CheckTimeout time.Duration `yaml:"checkTimeout"`
}

// StatusConfig controls the status.json snapshot.
type StatusConfig struct {
	File     string        `yaml:"file"`
	Interval time.Duration `yaml:"interval"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		DataDir:  "/var/lib/tvrelay",
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:            ":8080",
			ShutdownTimeout:       15 * time.Second,
			StreamStartsPerMinute: 60,
		},
		Catalog: CatalogConfig{Watch: true},
		Store: StoreConfig{
			Backend:      "memory",
			Prefix:       "tvrelay:",
			BadSourceTTL: 5 * time.Minute,
			LockWait:     5 * time.Second,
			LockTTL:      30 * time.Second,
		},
		FFmpeg: FFmpegConfig{
			Bin:               "ffmpeg",
			LogLevel:          "warning",
			PreflightTimeout:  6 * time.Second,
			StopGrace:         5 * time.Second,
			SpeedThreshold:    0.9,
			SpeedStrikes:      3,
			IdleOutputTimeout: 30 * time.Second,
			StderrLines:       50,
		},
		HLS: HLSConfig{
			SegmentSeconds: 4,
			ListSize:       6,
			IdleTimeout:    time.Minute,
			PlaylistWait:   10 * time.Second,
		},
		Monitor: MonitorConfig{
			Workers:      4,
			Interval:     10 * time.Second,
			StallChecks:  3,
			MaxRetries:   5,
			MaxBackoff:   2 * time.Minute,
			ProbeRate:    2,
			ProbeBurst:   4,
			CheckTimeout: 5 * time.Second,
		},
		Status: StatusConfig{Interval: 15 * time.Second},
		Telemetry: telemetry.Config{
			ServiceName:  "tvrelay",
			ExporterType: "grpc",
			SamplingRate: 1.0,
		},
	}
}
