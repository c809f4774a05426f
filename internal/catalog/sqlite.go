// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

const schemaVersion = 2

// SQLiteConfig defines SQLite operational parameters.
type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultSQLiteConfig returns WAL-friendly pool settings.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// SQLiteStore is the persistent catalog backend.
type SQLiteStore struct {
	DB *sql.DB
}

// OpenSQLite opens the catalog database at dbPath and migrates it.
func OpenSQLite(dbPath string, cfg SQLiteConfig) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: ping failed: %w", err)
	}

	s := &SQLiteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func (s *SQLiteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		default_enabled INTEGER NOT NULL DEFAULT 1,
		max_streams INTEGER NOT NULL DEFAULT 0,
		user_agent TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		options_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS candidates (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		profile_id TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		referer TEXT NOT NULL DEFAULT '',
		name_override TEXT NOT NULL DEFAULT '',
		logo_override TEXT NOT NULL DEFAULT '',
		tvg_id_override TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_candidates_channel ON candidates(channel_id, priority, seq);

	CREATE TABLE IF NOT EXISTS last_active (
		channel_id TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		activated_at_ms INTEGER NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Channel(ctx context.Context, id string) (Channel, error) {
	var (
		ch      Channel
		enabled int
		opts    string
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, title, enabled, options_json FROM channels WHERE id = ?`, id).
		Scan(&ch.ID, &ch.Title, &enabled, &opts)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("query channel %s: %w", id, err)
	}
	ch.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(opts), &ch.Options); err != nil {
		return Channel{}, fmt.Errorf("decode options for channel %s: %w", id, err)
	}
	return ch, nil
}

// Candidates returns candidates in insertion order; the resolver sorts by priority.
func (s *SQLiteStore) Candidates(ctx context.Context, channelID string) ([]SourceCandidate, error) {
	if _, err := s.Channel(ctx, channelID); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, channel_id, url, priority, enabled, profile_id, user_agent, referer,
		       name_override, logo_override, tvg_id_override
		FROM candidates WHERE channel_id = ? ORDER BY seq`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query candidates %s: %w", channelID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []SourceCandidate
	for rows.Next() {
		var (
			c       SourceCandidate
			enabled int
		)
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.URL, &c.Priority, &enabled, &c.ProfileID,
			&c.UserAgent, &c.Referer, &c.Overrides.Name, &c.Overrides.Logo, &c.Overrides.TvgID); err != nil {
			return nil, err
		}
		c.Enabled = enabled != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Profile(ctx context.Context, id string) (AccountProfile, error) {
	var (
		p               AccountProfile
		active, defEnab int
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, active, default_enabled, max_streams, user_agent FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &active, &defEnab, &p.MaxStreams, &p.UserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountProfile{}, ErrNotFound
	}
	if err != nil {
		return AccountProfile{}, fmt.Errorf("query profile %s: %w", id, err)
	}
	p.Active = active != 0
	p.DefaultProfileEnabled = defEnab != 0
	return p, nil
}

func (s *SQLiteStore) RecordActive(ctx context.Context, channelID, candidateID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO last_active (channel_id, candidate_id, activated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET candidate_id = excluded.candidate_id, activated_at_ms = excluded.activated_at_ms`,
		channelID, candidateID, at.UnixMilli())
	return err
}

// LastActive returns the recorded active candidate for channelID.
func (s *SQLiteStore) LastActive(ctx context.Context, channelID string) (string, time.Time, error) {
	var (
		id string
		ms int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT candidate_id, activated_at_ms FROM last_active WHERE channel_id = ?`, channelID).Scan(&id, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return id, time.UnixMilli(ms), nil
}

// Import replaces channels, candidates and profiles in one transaction,
// inserting candidates in file order so seq reflects insertion order.
func (s *SQLiteStore) Import(ctx context.Context, f *File) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{"DELETE FROM candidates", "DELETE FROM channels", "DELETE FROM profiles"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("import: %s: %w", stmt, err)
		}
	}

	for _, p := range f.accountProfiles() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO profiles (id, name, active, default_enabled, max_streams, user_agent) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, boolInt(p.Active), boolInt(p.DefaultProfileEnabled), p.MaxStreams, p.UserAgent); err != nil {
			return fmt.Errorf("import profile %s: %w", p.ID, err)
		}
	}

	for _, fc := range f.Channels {
		ch, cands := fc.toDomain()
		opts, err := json.Marshal(ch.Options)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channels (id, title, enabled, options_json) VALUES (?, ?, ?, ?)`,
			ch.ID, ch.Title, boolInt(ch.Enabled), string(opts)); err != nil {
			return fmt.Errorf("import channel %s: %w", ch.ID, err)
		}
		for _, c := range cands {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO candidates (id, channel_id, url, priority, enabled, profile_id, user_agent, referer,
				                        name_override, logo_override, tvg_id_override)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.ChannelID, c.URL, c.Priority, boolInt(c.Enabled), c.ProfileID, c.UserAgent, c.Referer,
				c.Overrides.Name, c.Overrides.Logo, c.Overrides.TvgID); err != nil {
				return fmt.Errorf("import candidate %s: %w", c.ID, err)
			}
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ Reader         = (*SQLiteStore)(nil)
	_ Reader         = (*Static)(nil)
	_ ActiveRecorder = (*SQLiteStore)(nil)
	_ Importer       = (*SQLiteStore)(nil)
	_ Importer       = (*Static)(nil)
)
