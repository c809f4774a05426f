// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tvrelay/internal/config"
	"github.com/ManuGH/tvrelay/internal/log"
)

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// PerformStartupChecks validates the environment before the server starts.
// Missing directories are created.
func PerformStartupChecks(cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running startup checks")

	for _, dir := range []string{cfg.DataDir, cfg.HLS.Root} {
		if err := ensureWritableDir(logger, dir); err != nil {
			return fmt.Errorf("directory check failed: %w", err)
		}
	}

	for _, bin := range []string{cfg.FFmpeg.Bin, cfg.FFmpeg.FFprobeBin} {
		bin = strings.TrimSpace(bin)
		if bin == "" {
			continue
		}
		path, err := lookPath(bin)
		if err != nil {
			return fmt.Errorf("binary not found (%s): %w", bin, err)
		}
		logger.Info().Str("bin", path).Msg("binary available")
	}

	if strings.EqualFold(cfg.Store.Backend, "memory") {
		logger.Warn().
			Str("store_backend", cfg.Store.Backend).
			Msg("coordination state is process-local; run a single replica")
	}

	tempDir := filepath.Clean(os.TempDir())
	dataDir := filepath.Clean(cfg.DataDir)
	if tempDir != "." && (dataDir == tempDir || strings.HasPrefix(dataDir, tempDir+string(filepath.Separator))) {
		logger.Warn().
			Str("data_dir", cfg.DataDir).
			Msg("data directory is under temp; catalog and status may be lost on reboot")
	}

	logger.Info().Msg("startup checks passed")
	return nil
}

func ensureWritableDir(logger zerolog.Logger, path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	if err := probeWrite(path); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	logger.Info().Str(log.FieldPath, path).Msg("directory is writable")
	return nil
}
