// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/tvrelay/internal/failover"
	"github.com/ManuGH/tvrelay/internal/log"
)

// SharedSession is a running per-channel HLS session. *failover.Shared
// implements it.
type SharedSession interface {
	Touch()
	IdleSince() time.Time
	PlaylistPath() string
	Stop()
	Done() <-chan struct{}
}

// StartFunc starts a shared session for a channel.
type StartFunc func(ctx context.Context, req failover.Request) (SharedSession, error)

// ControllerStarter adapts a failover.Controller to a StartFunc.
func ControllerStarter(c *failover.Controller) StartFunc {
	return func(ctx context.Context, req failover.Request) (SharedSession, error) {
		sh, err := c.StartShared(ctx, req)
		if err != nil {
			return nil, err
		}
		return sh, nil
	}
}

// HLSConfig tunes the shared session manager.
type HLSConfig struct {
	// IdleTimeout stops a session no viewer touched for this long; 0 disables.
	IdleTimeout time.Duration
	// SweepInterval defaults to a quarter of IdleTimeout.
	SweepInterval time.Duration
}

// HLSManager keeps at most one shared session per channel. Concurrent first
// requests for a channel share one start.
type HLSManager struct {
	cfg    HLSConfig
	start  StartFunc
	group  singleflight.Group
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]SharedSession
	closed   bool
}

var errManagerClosed = errors.New("hls manager is shut down")

// NewHLSManager returns a manager that starts sessions with start.
func NewHLSManager(cfg HLSConfig, start StartFunc) *HLSManager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTimeout / 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	return &HLSManager{
		cfg:      cfg,
		start:    start,
		logger:   log.WithComponent("hls"),
		sessions: make(map[string]SharedSession),
	}
}

// Acquire returns the live session for req.ChannelID, starting one when
// needed. The first request's options win for the lifetime of the session.
func (m *HLSManager) Acquire(ctx context.Context, req failover.Request) (SharedSession, error) {
	if s, ok := m.Lookup(req.ChannelID); ok {
		return s, nil
	}

	v, err, shared := m.group.Do(req.ChannelID, func() (any, error) {
		if s, ok := m.Lookup(req.ChannelID); ok {
			return s, nil
		}
		// The session outlives the request that started it.
		s, err := m.start(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			s.Stop()
			return nil, errManagerClosed
		}
		m.sessions[req.ChannelID] = s
		m.mu.Unlock()
		m.logger.Info().Str(log.FieldChannelID, req.ChannelID).Msg("shared session started")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug().Str(log.FieldChannelID, req.ChannelID).Msg("joined in-flight session start")
	}
	s := v.(SharedSession)
	s.Touch()
	return s, nil
}

// Lookup returns the live session for channelID without starting one. A
// session that ended on its own is dropped.
func (m *HLSManager) Lookup(channelID string) (SharedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[channelID]
	if !ok {
		return nil, false
	}
	select {
	case <-s.Done():
		delete(m.sessions, channelID)
		return nil, false
	default:
	}
	s.Touch()
	return s, true
}

// Len returns the number of tracked sessions.
func (m *HLSManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SweepOnce stops sessions idle longer than IdleTimeout and forgets ended
// ones. It returns the number of sessions removed.
func (m *HLSManager) SweepOnce(now time.Time) int {
	var idle []SharedSession
	removed := 0

	m.mu.Lock()
	for id, s := range m.sessions {
		select {
		case <-s.Done():
			delete(m.sessions, id)
			removed++
			continue
		default:
		}
		if m.cfg.IdleTimeout > 0 && now.Sub(s.IdleSince()) > m.cfg.IdleTimeout {
			delete(m.sessions, id)
			idle = append(idle, s)
			m.logger.Info().Str(log.FieldChannelID, id).Dur("idle", now.Sub(s.IdleSince())).Msg("stopping idle shared session")
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.Stop()
	}
	return removed + len(idle)
}

// Run sweeps on a ticker until ctx is done, then stops every session.
func (m *HLSManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.SweepInterval).Dur("idle_timeout", m.cfg.IdleTimeout).Msg("hls sweeper started")
	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			return nil
		case now := <-ticker.C:
			m.SweepOnce(now)
		}
	}
}

// StopAll ends every session and refuses new ones.
func (m *HLSManager) StopAll() {
	m.mu.Lock()
	m.closed = true
	all := make([]SharedSession, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Stop()
	}
}
