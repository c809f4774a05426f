// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	tvlog "github.com/ManuGH/tvrelay/internal/log"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher re-imports a YAML catalog file into target whenever it changes.
// A file that fails to parse or validate leaves the previous catalog in place.
type Watcher struct {
	Path     string
	Target   Importer
	Debounce time.Duration

	logger  zerolog.Logger
	mu      sync.Mutex
	reloads int
}

// NewWatcher returns a watcher for path feeding target.
func NewWatcher(path string, target Importer) *Watcher {
	return &Watcher{
		Path:     path,
		Target:   target,
		Debounce: defaultDebounce,
		logger:   tvlog.WithComponent("catalog"),
	}
}

// Reload parses the file and imports it.
func (w *Watcher) Reload(ctx context.Context) error {
	f, err := LoadFile(w.Path)
	if err != nil {
		w.logger.Error().Err(err).Str(tvlog.FieldEvent, "catalog.reload_failed").Str(tvlog.FieldPath, w.Path).Msg("catalog reload failed, keeping previous catalog")
		return err
	}
	if err := w.Target.Import(ctx, f); err != nil {
		w.logger.Error().Err(err).Str(tvlog.FieldEvent, "catalog.import_failed").Msg("catalog import failed")
		return fmt.Errorf("import catalog: %w", err)
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info().
		Str(tvlog.FieldEvent, "catalog.reloaded").
		Int("channels", len(f.Channels)).
		Int("profiles", len(f.Profiles)).
		Msg("catalog imported")
	return nil
}

// Reloads returns how many successful imports happened.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run performs an initial import and then watches the file until ctx ends.
// The parent directory is watched so editors that replace the file via
// rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(w.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch catalog dir: %w", err)
	}
	w.logger.Info().Str(tvlog.FieldEvent, "catalog.watcher_started").Str(tvlog.FieldPath, w.Path).Msg("watching catalog file for changes")

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	target := filepath.Clean(w.Path)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Str(tvlog.FieldEvent, "catalog.watcher_stopped").Msg("catalog watcher stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				_ = w.Reload(ctx)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Str(tvlog.FieldEvent, "catalog.watcher_error").Msg("catalog watcher error")
		}
	}
}
