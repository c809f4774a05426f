// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ManuGH/tvrelay/internal/catalog"
	"github.com/ManuGH/tvrelay/internal/config"
	"github.com/ManuGH/tvrelay/internal/daemon"
	"github.com/ManuGH/tvrelay/internal/health"
	tvlog "github.com/ManuGH/tvrelay/internal/log"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheckCLI(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	envFile := flag.String("env", "", "path to a .env file; real environment variables win")
	importPath := flag.String("import", "", "import a catalog YAML file into the catalog database and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until config is loaded.
	tvlog.Configure(tvlog.Config{Level: "info", Service: "tvrelay", Version: version})
	logger := tvlog.WithComponent("daemon")

	cfg, err := config.NewLoader(*configPath, *envFile, version).Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(tvlog.FieldEvent, "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	tvlog.Configure(tvlog.Config{Level: cfg.LogLevel, Service: "tvrelay", Version: cfg.Version})
	logger = tvlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *importPath != "" {
		if err := runImport(ctx, cfg, *importPath); err != nil {
			logger.Fatal().Err(err).Str(tvlog.FieldEvent, "catalog.import_failed").Msg("catalog import failed")
		}
		return
	}

	if err := health.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str(tvlog.FieldEvent, "startup.check_failed").
			Msg("Startup checks failed. Please verify configuration and permissions.")
	}

	app, _, err := daemon.Build(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str(tvlog.FieldEvent, "startup.wiring_failed").Msg("failed to initialize relay")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("listen", cfg.Server.ListenAddr).
		Msg("starting tvrelay")

	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str(tvlog.FieldEvent, "daemon.stopped_with_error").Msg("daemon stopped with error")
		stop()
		os.Exit(1)
	}
	logger.Info().Msg("daemon stopped")
}

// runImport loads a catalog file into the configured catalog database.
func runImport(ctx context.Context, cfg config.AppConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Catalog.DBPath), 0o750); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	store, err := catalog.OpenSQLite(cfg.Catalog.DBPath, catalog.DefaultSQLiteConfig())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return daemon.ImportCatalog(ctx, store, path)
}
