// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/tvrelay/internal/config"
	"github.com/ManuGH/tvrelay/internal/log"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{ListenAddr: "127.0.0.1:0", ShutdownTimeout: 2 * time.Second}
}

func waitAddr(t *testing.T, m Manager) string {
	t.Helper()
	require.Eventually(t, func() bool { return m.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	return m.Addr()
}

func TestNewManager_MissingHandler(t *testing.T) {
	_, err := NewManager(testServerConfig(), nil, log.WithComponent("test"))
	require.ErrorIs(t, err, ErrMissingHandler)
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	m, err := NewManager(testServerConfig(), http.NotFoundHandler(), log.WithComponent("test"))
	require.NoError(t, err)
	require.ErrorIs(t, m.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestManager_ServesAndRunsHooksLIFO(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	m, err := NewManager(testServerConfig(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}), log.WithComponent("test"))
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	hook := func(name string) ShutdownHook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.RegisterShutdownHook("first", hook("first"))
	m.RegisterShutdownHook("second", hook("second"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	addr := waitAddr(t, m)
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	require.NoError(t, <-done)
	require.ErrorIs(t, m.Start(context.Background()), ErrManagerStarted)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()), "second shutdown is a no-op")
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestManager_ShutdownEndsOpenStreams(t *testing.T) {
	started := make(chan struct{})
	m, err := NewManager(testServerConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0x47})
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}), log.WithComponent("test"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	addr := waitAddr(t, m)
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/stream/x.ts")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	<-started

	begin := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Less(t, time.Since(begin), 2*time.Second, "stream response should end without waiting for the shutdown timeout")
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_HookErrorsJoined(t *testing.T) {
	m, err := NewManager(testServerConfig(), http.NotFoundHandler(), log.WithComponent("test"))
	require.NoError(t, err)
	boom := errors.New("boom")
	m.RegisterShutdownHook("bad", func(context.Context) error { return boom })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	waitAddr(t, m)
	cancel()
	require.NoError(t, <-done)

	err = m.Shutdown(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "hook bad")
}

func TestApp_RunnerFailureStopsApp(t *testing.T) {
	m, err := NewManager(testServerConfig(), http.NotFoundHandler(), log.WithComponent("test"))
	require.NoError(t, err)
	closed := make(chan struct{})
	m.RegisterShutdownHook("close", func(context.Context) error { close(closed); return nil })

	boom := errors.New("boom")
	app := NewApp(log.WithComponent("test"), m,
		Runner{Name: "idle", Run: func(ctx context.Context) error { <-ctx.Done(); return nil }},
		Runner{Name: "broken", Run: func(context.Context) error { return boom }},
	)

	err = app.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
	select {
	case <-closed:
	default:
		t.Fatal("shutdown hooks did not run")
	}
}

func TestApp_MissingManager(t *testing.T) {
	require.ErrorIs(t, NewApp(log.WithComponent("test"), nil).Run(context.Background()), ErrMissingManager)
}

const seedCatalog = `
profiles:
  - id: acct-1
    max_streams: 2
channels:
  - id: news
    title: News
    candidates:
      - id: news-a
        url: http://upstream.invalid/news-a.ts
        profile: acct-1
      - id: news-b
        url: http://upstream.invalid/news-b.ts
`

func buildConfig(t *testing.T) config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	seed := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedCatalog), 0o600))

	cfg := config.Defaults()
	cfg.Version = "test"
	cfg.DataDir = dir
	cfg.Server = testServerConfig()
	cfg.Catalog.DBPath = filepath.Join(dir, "catalog.db")
	cfg.Catalog.SeedFile = seed
	cfg.Catalog.Watch = false
	cfg.HLS.Root = filepath.Join(dir, "hls")
	cfg.Status.File = filepath.Join(dir, "status.json")
	cfg.FFmpeg.FFprobeBin = "ffprobe"
	require.NoError(t, os.MkdirAll(cfg.HLS.Root, 0o750))
	return cfg
}

func TestBuild_WiresHandler(t *testing.T) {
	cfg := buildConfig(t)
	app, comp, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, app)
	t.Cleanup(func() { _ = comp.Catalog.Close(); _ = comp.Store.Close() })

	ch, err := comp.Catalog.Channel(context.Background(), "news")
	require.NoError(t, err)
	assert.Equal(t, "News", ch.Title)

	for _, path := range []string{"/healthz", "/readyz", "/api/status/channels", "/metrics"} {
		rec := httptest.NewRecorder()
		comp.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	comp.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/unknown.ts", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuild_BadSeedFileClosesStores(t *testing.T) {
	cfg := buildConfig(t)
	require.NoError(t, os.WriteFile(cfg.Catalog.SeedFile, []byte("channels:\n  - title: missing id\n"), 0o600))

	_, _, err := Build(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id is required")
}

func TestApp_RunAndShutdown(t *testing.T) {
	cfg := buildConfig(t)
	app, comp, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	addr := waitAddr(t, app.Manager())
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, "test", body.Version)

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Status.File)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}

	_, err = comp.Catalog.Channel(context.Background(), "news")
	require.Error(t, err, "catalog is closed by the shutdown hooks")
}

func TestImportCatalog_MissingFile(t *testing.T) {
	err := ImportCatalog(context.Background(), nil, filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load catalog")
}
