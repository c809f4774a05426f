// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runner is a background subsystem that runs until its context ends.
type Runner struct {
	Name string
	Run  func(ctx context.Context) error
}

// App owns the long-lived runtime lifecycle (monitor, sweeper, watchers)
// and delegates server management to Manager.
type App struct {
	logger  zerolog.Logger
	manager Manager
	runners []Runner
}

// NewApp creates a new App orchestrator.
func NewApp(logger zerolog.Logger, manager Manager, runners ...Runner) *App {
	return &App{
		logger:  logger,
		manager: manager,
		runners: runners,
	}
}

// Manager exposes the server manager, mainly for its bound address.
func (a *App) Manager() Manager { return a.manager }

// Run starts all runners and the HTTP server and blocks until ctx is
// cancelled or one of them fails. Shutdown hooks run after every runner
// returned, so stores outlive the goroutines that use them.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range a.runners {
		g.Go(func() error {
			a.logger.Debug().Str("runner", r.Name).Msg("runner started")
			if err := r.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error().Err(err).Str("runner", r.Name).Str("event", "runner.failed").Msg("runner failed")
				return fmt.Errorf("%s: %w", r.Name, err)
			}
			return nil
		})
	}

	// Main server lifecycle.
	g.Go(func() error {
		return a.manager.Start(gctx)
	})

	err := g.Wait()
	if sErr := a.manager.Shutdown(context.WithoutCancel(ctx)); sErr != nil && !errors.Is(sErr, ErrManagerNotStarted) {
		err = errors.Join(err, sErr)
	}
	return err
}
