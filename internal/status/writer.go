// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/tvrelay/internal/log"
)

const defaultInterval = 15 * time.Second

// FileWriter periodically dumps a Snapshot to a JSON file. Readers never observe
// a partially written file.
type FileWriter struct {
	Path      string
	Interval  time.Duration
	Collector *Collector

	logger zerolog.Logger
}

// NewFileWriter returns a FileWriter for path.
func NewFileWriter(path string, interval time.Duration, c *Collector) *FileWriter {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &FileWriter{Path: path, Interval: interval, Collector: c, logger: log.WithComponent("status")}
}

// WriteOnce collects a snapshot and replaces the file with it.
func (w *FileWriter) WriteOnce(ctx context.Context) error {
	snap, err := w.Collector.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("collect status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.Path), 0o750); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}

	pending, err := renameio.NewPendingFile(w.Path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending status file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			w.logger.Debug().Err(err).Msg("cleanup pending status file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}

// Run writes immediately, then every Interval until ctx is done. A final
// snapshot is written on the way out so the file reflects shutdown state.
func (w *FileWriter) Run(ctx context.Context) error {
	w.logger.Info().Str(log.FieldPath, w.Path).Dur("interval", w.Interval).Msg("status writer started")
	w.tick(ctx)

	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			w.tick(final)
			cancel()
			return nil
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *FileWriter) tick(ctx context.Context) {
	if err := w.WriteOnce(ctx); err != nil {
		w.logger.Warn().Err(err).Str(log.FieldEvent, "status.write_failed").Str(log.FieldPath, w.Path).Msg("status snapshot not written")
	}
}
