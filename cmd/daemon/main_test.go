// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tvrelay/internal/catalog"
	"github.com/ManuGH/tvrelay/internal/config"
)

func TestHealthcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, healthcheck([]string{"-mode", "live", "-url", srv.URL}, &out, &errOut))
	assert.Contains(t, out.String(), "successful (live)")

	errOut.Reset()
	assert.Equal(t, 1, healthcheck([]string{"-url", srv.URL + "/"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "503")

	assert.Equal(t, 2, healthcheck([]string{"-bogus"}, &out, &errOut))
}

func TestRunImport(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
channels:
  - id: news
    title: News
    candidates:
      - id: news-a
        url: http://upstream.invalid/a.ts
`), 0o600))

	cfg := config.Defaults()
	cfg.Catalog.DBPath = filepath.Join(dir, "db", "catalog.db")
	require.NoError(t, runImport(context.Background(), cfg, seed))

	store, err := catalog.OpenSQLite(cfg.Catalog.DBPath, catalog.DefaultSQLiteConfig())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	cands, err := store.Candidates(context.Background(), "news")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "news-a", cands[0].ID)
}
