// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tvrelay/internal/config"
)

const readHeaderTimeout = 10 * time.Second

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Manager owns the HTTP listener and the shutdown hooks.
type Manager interface {
	// Start serves HTTP and blocks until ctx is cancelled or the server fails.
	// The listener is stopped before Start returns; hooks are not run.
	Start(ctx context.Context) error

	// Shutdown stops the server if it is still running and executes the
	// shutdown hooks once.
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook registers a function to be called during shutdown
	RegisterShutdownHook(name string, hook ShutdownHook)

	// Addr is the bound listen address, empty until Start is listening.
	Addr() string
}

type manager struct {
	serverCfg config.ServerConfig
	handler   http.Handler

	server     *http.Server
	listener   net.Listener
	baseCancel context.CancelFunc
	stopOnce   sync.Once
	stopErr    error

	shutdownHooks []namedHook

	started  bool
	stopping bool
	mu       sync.Mutex

	logger zerolog.Logger
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager creates a daemon manager serving handler.
func NewManager(serverCfg config.ServerConfig, handler http.Handler, logger zerolog.Logger) (Manager, error) {
	if handler == nil {
		return nil, ErrMissingHandler
	}
	if serverCfg.ShutdownTimeout <= 0 {
		serverCfg.ShutdownTimeout = 15 * time.Second
	}
	return &manager{
		serverCfg: serverCfg,
		handler:   handler,
		logger:    logger.With().Str("component", "manager").Logger(),
	}, nil
}

func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("start context is nil")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrManagerStarted
	}
	m.started = true
	m.mu.Unlock()

	ln, err := net.Listen("tcp", m.serverCfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.serverCfg.ListenAddr, err)
	}

	// Request contexts derive from baseCtx so that shutdown can end
	// long-lived stream responses instead of waiting for viewers to leave.
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	srv := &http.Server{
		Handler:           m.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	m.mu.Lock()
	m.server = srv
	m.listener = ln
	m.baseCancel = cancel
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", ln.Addr().String()).
		Dur("shutdown_timeout", m.serverCfg.ShutdownTimeout).
		Msg("HTTP server listening")

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().
				Err(err).
				Str("event", "http.server.failed").
				Msg("HTTP server failed")
			errChan <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		_ = m.stopServer(ctx)
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("Shutdown signal received")
		return m.stopServer(ctx)
	}
}

func (m *manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// stopServer ends in-flight request contexts and drains the server within
// the configured shutdown timeout. Safe to call more than once.
func (m *manager) stopServer(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		srv, cancel := m.server, m.baseCancel
		m.mu.Unlock()
		if srv == nil {
			return
		}

		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), m.serverCfg.ShutdownTimeout)
		defer done()

		cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			m.stopErr = fmt.Errorf("HTTP server shutdown: %w", err)
			_ = srv.Close()
		}
	})
	return m.stopErr
}

func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("shutdown context is nil")
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := append([]namedHook(nil), m.shutdownHooks...)
	m.mu.Unlock()

	m.logger.Info().Msg("Shutting down daemon manager")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.serverCfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := m.stopServer(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if err := runHooks(shutdownCtx, m.logger, hooks); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		m.logger.Error().
			Int("error_count", len(errs)).
			Msg("Shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	m.logger.Info().Msg("Daemon manager stopped cleanly")
	return nil
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
// Hooks are executed in reverse registration order (LIFO).
func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("Registered shutdown hook")
}

// runHooks executes hooks in reverse order and joins their errors.
func runHooks(ctx context.Context, logger zerolog.Logger, hooks []namedHook) error {
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		hookStart := time.Now()
		if err := hook.hook(ctx); err != nil {
			logger.Error().
				Err(err).
				Str("hook", hook.name).
				Dur("duration", time.Since(hookStart)).
				Msg("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
			continue
		}
		logger.Debug().
			Str("hook", hook.name).
			Dur("duration", time.Since(hookStart)).
			Msg("Shutdown hook completed")
	}
	return errors.Join(errs...)
}
