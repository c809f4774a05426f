// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the relay together and owns its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ManuGH/tvrelay/internal/catalog"
	"github.com/ManuGH/tvrelay/internal/config"
	"github.com/ManuGH/tvrelay/internal/coord"
	"github.com/ManuGH/tvrelay/internal/delivery"
	"github.com/ManuGH/tvrelay/internal/failover"
	"github.com/ManuGH/tvrelay/internal/health"
	"github.com/ManuGH/tvrelay/internal/log"
	"github.com/ManuGH/tvrelay/internal/monitor"
	"github.com/ManuGH/tvrelay/internal/preflight"
	"github.com/ManuGH/tvrelay/internal/resolve"
	"github.com/ManuGH/tvrelay/internal/status"
	"github.com/ManuGH/tvrelay/internal/supervisor"
	"github.com/ManuGH/tvrelay/internal/telemetry"
)

// Components are the wired collaborators behind an App. Build exposes them
// so callers and tests can reach individual parts.
type Components struct {
	Store      coord.Store
	Coord      *coord.Coordinator
	Catalog    *catalog.SQLiteStore
	Controller *failover.Controller
	HLS        *delivery.HLSManager
	Monitor    *monitor.Pool
	Status     *status.Collector
	Health     *health.Manager
	Handler    http.Handler
}

// Build opens every store and wires the relay from cfg. On error, whatever
// was already opened is closed again.
func Build(ctx context.Context, cfg config.AppConfig) (*App, *Components, error) {
	logger := log.WithComponent("daemon")

	var hooks []namedHook
	addHook := func(name string, h ShutdownHook) { hooks = append(hooks, namedHook{name: name, hook: h}) }
	fail := func(err error) (*App, *Components, error) {
		if cErr := runHooks(context.WithoutCancel(ctx), logger, hooks); cErr != nil {
			err = errors.Join(err, cErr)
		}
		return nil, nil, err
	}

	tcfg := cfg.Telemetry
	if tcfg.ServiceVersion == "" {
		tcfg.ServiceVersion = cfg.Version
	}
	tp, err := telemetry.NewProvider(ctx, tcfg)
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	addHook("telemetry", tp.Shutdown)

	store, err := coord.Open(coord.OpenConfig{
		Backend: coord.Backend(cfg.Store.Backend),
		Redis: coord.RedisConfig{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		},
		BadgerPath: cfg.Store.BadgerPath,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("coordination store: %w", err))
	}
	addHook("coord-store", func(context.Context) error { return store.Close() })

	co := coord.New(store, coord.Options{
		Prefix:       cfg.Store.Prefix,
		BadSourceTTL: cfg.Store.BadSourceTTL,
		LockWait:     cfg.Store.LockWait,
		LockTTL:      cfg.Store.LockTTL,
	})

	cat, err := catalog.OpenSQLite(cfg.Catalog.DBPath, catalog.DefaultSQLiteConfig())
	if err != nil {
		return fail(fmt.Errorf("catalog: %w", err))
	}
	addHook("catalog", func(context.Context) error { return cat.Close() })

	if cfg.Catalog.SeedFile != "" {
		if err := ImportCatalog(ctx, cat, cfg.Catalog.SeedFile); err != nil {
			return fail(err)
		}
	}

	pool := monitor.NewPool(monitor.Config{
		Workers:      cfg.Monitor.Workers,
		Interval:     cfg.Monitor.Interval,
		StallChecks:  cfg.Monitor.StallChecks,
		MaxRetries:   cfg.Monitor.MaxRetries,
		MaxBackoff:   cfg.Monitor.MaxBackoff,
		CheckTimeout: cfg.Monitor.CheckTimeout,
		ProbeRate:    rate.Limit(cfg.Monitor.ProbeRate),
		ProbeBurst:   cfg.Monitor.ProbeBurst,
	})

	ctrl := failover.NewController(failover.Config{
		HLSRoot:        cfg.HLS.Root,
		SegmentSeconds: cfg.HLS.SegmentSeconds,
		ListSize:       cfg.HLS.ListSize,
		DefaultOptions: cfg.Transcode,
		LogLevel:       cfg.FFmpeg.LogLevel,
	}, failover.Deps{
		Resolver:  resolve.New(cat, co.BadSources),
		Preflight: preflight.NewFFprobe(cfg.FFmpeg.FFprobeBin, cfg.FFmpeg.PreflightTimeout),
		Launcher: supervisor.New(supervisor.Config{
			Bin:               cfg.FFmpeg.Bin,
			StopGrace:         cfg.FFmpeg.StopGrace,
			SpeedThreshold:    cfg.FFmpeg.SpeedThreshold,
			SpeedStrikes:      cfg.FFmpeg.SpeedStrikes,
			IdleOutputTimeout: cfg.FFmpeg.IdleOutputTimeout,
			StderrLines:       cfg.FFmpeg.StderrLines,
		}),
		Coord:    co,
		Recorder: cat,
		Watcher:  pool,
	})

	hlsMgr := delivery.NewHLSManager(delivery.HLSConfig{IdleTimeout: cfg.HLS.IdleTimeout}, delivery.ControllerStarter(ctrl))
	collector := status.NewCollector(co, cat, cfg.Version)

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewFuncChecker("coord_store", store.Ping))
	hm.RegisterChecker(health.NewFuncChecker("catalog", cat.DB.PingContext))
	hm.RegisterChecker(health.NewDirChecker("hls_root", cfg.HLS.Root))

	tracing := ""
	if cfg.Telemetry.Enabled {
		tracing = cfg.Telemetry.ServiceName
	}
	handler := delivery.NewRouter(delivery.Config{
		StreamStartsPerMinute: cfg.Server.StreamStartsPerMinute,
		PlaylistWait:          cfg.HLS.PlaylistWait,
		TracingService:        tracing,
	}, delivery.Deps{
		Streamer: ctrl,
		HLS:      hlsMgr,
		Status:   collector,
		Probes:   hm,
		Metrics:  promhttp.Handler(),
	})

	mgr, err := NewManager(cfg.Server, handler, logger)
	if err != nil {
		return fail(err)
	}
	for _, h := range hooks {
		mgr.RegisterShutdownHook(h.name, h.hook)
	}

	runners := []Runner{
		{Name: "monitor", Run: pool.Run},
		{Name: "hls-sweeper", Run: hlsMgr.Run},
	}
	if cfg.Catalog.SeedFile != "" && cfg.Catalog.Watch {
		runners = append(runners, Runner{Name: "catalog-watcher", Run: catalog.NewWatcher(cfg.Catalog.SeedFile, cat).Run})
	}
	if cfg.Status.File != "" {
		runners = append(runners, Runner{Name: "status-writer", Run: status.NewFileWriter(cfg.Status.File, cfg.Status.Interval, collector).Run})
	}

	logger.Info().
		Str("store_backend", cfg.Store.Backend).
		Str("catalog_db", cfg.Catalog.DBPath).
		Str("hls_root", cfg.HLS.Root).
		Int("runners", len(runners)).
		Msg("daemon wired")

	return NewApp(logger, mgr, runners...), &Components{
		Store:      store,
		Coord:      co,
		Catalog:    cat,
		Controller: ctrl,
		HLS:        hlsMgr,
		Monitor:    pool,
		Status:     collector,
		Health:     hm,
		Handler:    handler,
	}, nil
}

// ImportCatalog loads a YAML catalog file into dst.
func ImportCatalog(ctx context.Context, dst catalog.Importer, path string) error {
	f, err := catalog.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load catalog %s: %w", path, err)
	}
	if err := dst.Import(ctx, f); err != nil {
		return fmt.Errorf("import catalog %s: %w", path, err)
	}
	logger := log.WithComponent("catalog")
	logger.Info().
		Str(log.FieldEvent, "catalog.imported").
		Str(log.FieldPath, path).
		Int("channels", len(f.Channels)).
		Msg("catalog imported")
	return nil
}
