// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/tvrelay/internal/catalog"
	"github.com/ManuGH/tvrelay/internal/coord"
	"github.com/ManuGH/tvrelay/internal/failover"
	"github.com/ManuGH/tvrelay/internal/model"
	"github.com/ManuGH/tvrelay/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const testPlaylist = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:4.0,\nindex0.ts\n"

type fakeStreamer struct {
	mu   sync.Mutex
	reqs []failover.Request
	body string
	err  error
}

func (f *fakeStreamer) Stream(_ context.Context, req failover.Request, w io.Writer, onStart func()) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.body != "" {
		onStart()
		_, _ = io.WriteString(w, f.body)
	}
	return f.err
}

type fakeShared struct {
	dir     string
	touched atomic.Int64
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newFakeShared(t *testing.T, withPlaylist bool) *fakeShared {
	t.Helper()
	s := &fakeShared{dir: t.TempDir(), done: make(chan struct{})}
	if withPlaylist {
		s.publish(t)
	}
	s.Touch()
	return s
}

func (s *fakeShared) publish(t *testing.T) {
	assert.NoError(t, os.WriteFile(filepath.Join(s.dir, "index0.ts"), []byte("segment-bytes"), 0o600))
	assert.NoError(t, os.WriteFile(filepath.Join(s.dir, "index.m3u8"), []byte(testPlaylist), 0o600))
}

func (s *fakeShared) Touch()                { s.touched.Store(time.Now().UnixNano()) }
func (s *fakeShared) IdleSince() time.Time  { return time.Unix(0, s.touched.Load()) }
func (s *fakeShared) PlaylistPath() string  { return filepath.Join(s.dir, "index.m3u8") }
func (s *fakeShared) Done() <-chan struct{} { return s.done }
func (s *fakeShared) Stop() {
	s.stopped.Store(true)
	s.once.Do(func() { close(s.done) })
}

func newTestServer(t *testing.T, cfg Config, deps Deps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(cfg, deps))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestStream_HeadersAndOverrides(t *testing.T) {
	fs := &fakeStreamer{body: "mpegts-bytes"}
	srv := newTestServer(t, Config{}, Deps{Streamer: fs})

	resp, body := get(t, srv.URL+"/stream/news.hd.ts?vcodec=libx264&abitrate=128k&hwaccel=vaapi")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mpegts-bytes", body)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, cacheNoStore, resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	require.Len(t, fs.reqs, 1)
	assert.Equal(t, failover.Request{
		ChannelID: "news.hd",
		Container: model.ContainerTS,
		Options:   model.TranscodeOptions{VideoCodec: "libx264", AudioBitrate: "128k", HWAccel: model.HWAccelVAAPI},
	}, fs.reqs[0])
}

func TestStream_ErrorsBeforeFirstByte(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"exhausted", fmt.Errorf("channel news: %w", model.ErrSourceExhausted), http.StatusServiceUnavailable},
		{"unknown channel", fmt.Errorf("channel news: %w", catalog.ErrNotFound), http.StatusNotFound},
		{"other", fmt.Errorf("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Config{}, Deps{Streamer: &fakeStreamer{err: tt.err}})
			resp, _ := get(t, srv.URL+"/stream/news.mp4")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestStream_ErrorAfterStartKeepsStatus(t *testing.T) {
	fs := &fakeStreamer{body: "partial", err: model.ErrSourceExhausted}
	srv := newTestServer(t, Config{}, Deps{Streamer: fs})

	resp, body := get(t, srv.URL+"/stream/news.mp4")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "partial", body)
}

func TestStream_BadRequests(t *testing.T) {
	srv := newTestServer(t, Config{}, Deps{Streamer: &fakeStreamer{body: "x"}})

	resp, _ := get(t, srv.URL+"/stream/news.avi")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/stream/news")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/stream/news.ts?vcodec=-i")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/stream/news.ts?hwaccel=cuda")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/stream/news.ts?vcodec=nosuchenc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/stream/news.ts?acodec=libx264")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/stream/news.ts?preset=placebo")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_RateLimited(t *testing.T) {
	srv := newTestServer(t, Config{StreamStartsPerMinute: 1}, Deps{Streamer: &fakeStreamer{body: "x"}})

	resp, _ := get(t, srv.URL+"/stream/news.ts")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/stream/news.ts")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestHLS_RefreshesOfRunningSessionAreNotRateLimited(t *testing.T) {
	var starts atomic.Int32
	mgr := NewHLSManager(HLSConfig{}, func(context.Context, failover.Request) (SharedSession, error) {
		starts.Add(1)
		return newFakeShared(t, true), nil
	})
	defer mgr.StopAll()
	srv := newTestServer(t, Config{StreamStartsPerMinute: 2}, Deps{HLS: mgr, Streamer: &fakeStreamer{body: "x"}})

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		resp, _ := get(t, srv.URL+"/hls/news/index.m3u8")
		codes[resp.StatusCode]++
	}
	assert.Equal(t, map[int]int{http.StatusOK: 10}, codes)
	assert.Equal(t, int32(1), starts.Load())

	resp, _ := get(t, srv.URL+"/stream/sport.ts")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "second start is within budget")
	resp, _ = get(t, srv.URL+"/hls/movies/index.m3u8")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "cold starts share the budget")
	assert.Equal(t, int32(1), starts.Load())

	resp, _ = get(t, srv.URL+"/hls/news/index.m3u8")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "running session still refreshes")
}

func TestHLS_PlaylistAndSegments(t *testing.T) {
	sess := newFakeShared(t, true)
	var starts atomic.Int32
	mgr := NewHLSManager(HLSConfig{}, func(context.Context, failover.Request) (SharedSession, error) {
		starts.Add(1)
		return sess, nil
	})
	srv := newTestServer(t, Config{}, Deps{HLS: mgr})

	resp, _ := get(t, srv.URL+"/hls/news/index0.ts")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "segments never start a session")

	resp, body := get(t, srv.URL+"/hls/news/index.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testPlaylist, body)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))

	resp, body = get(t, srv.URL+"/hls/news/index0.ts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "segment-bytes", body)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))

	resp, _ = get(t, srv.URL+"/hls/news/index9.ts")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/hls/news/..%2Findex.m3u8")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, _ = get(t, srv.URL+"/hls/news/index.m3u8")
	assert.Equal(t, int32(1), starts.Load())
}

func TestHLS_WaitsForFirstSegment(t *testing.T) {
	sess := newFakeShared(t, false)
	mgr := NewHLSManager(HLSConfig{}, func(context.Context, failover.Request) (SharedSession, error) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			sess.publish(t)
		}()
		return sess, nil
	})
	srv := newTestServer(t, Config{PlaylistWait: 2 * time.Second, PlaylistPoll: 10 * time.Millisecond}, Deps{HLS: mgr})

	resp, body := get(t, srv.URL+"/hls/news/index.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testPlaylist, body)
}

func TestHLS_PlaylistTimeoutAndFailure(t *testing.T) {
	slow := newFakeShared(t, false)
	mgr := NewHLSManager(HLSConfig{}, func(context.Context, failover.Request) (SharedSession, error) { return slow, nil })
	srv := newTestServer(t, Config{PlaylistWait: 50 * time.Millisecond, PlaylistPoll: 10 * time.Millisecond}, Deps{HLS: mgr})

	resp, _ := get(t, srv.URL+"/hls/news/index.m3u8")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	slow.Stop()
	failing := NewHLSManager(HLSConfig{}, func(context.Context, failover.Request) (SharedSession, error) {
		return nil, fmt.Errorf("news: %w", model.ErrSourceExhausted)
	})
	srv = newTestServer(t, Config{}, Deps{HLS: failing})
	resp, _ = get(t, srv.URL+"/hls/news/index.m3u8")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, exhaustedRetry, resp.Header.Get("Retry-After"))
}

func TestHLSManager_SingleStartForConcurrentViewers(t *testing.T) {
	sess := newFakeShared(t, true)
	var starts atomic.Int32
	release := make(chan struct{})
	mgr := NewHLSManager(HLSConfig{}, func(context.Context, failover.Request) (SharedSession, error) {
		starts.Add(1)
		<-release
		return sess, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := mgr.Acquire(context.Background(), failover.Request{ChannelID: "news"})
			assert.NoError(t, err)
			assert.Same(t, sess, s)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), starts.Load())
	assert.Equal(t, 1, mgr.Len())
}

func TestHLSManager_Sweep(t *testing.T) {
	idle := newFakeShared(t, true)
	busy := newFakeShared(t, true)
	ended := newFakeShared(t, true)
	byChannel := map[string]*fakeShared{"idle": idle, "busy": busy, "ended": ended}

	mgr := NewHLSManager(HLSConfig{IdleTimeout: time.Minute}, func(_ context.Context, req failover.Request) (SharedSession, error) {
		return byChannel[req.ChannelID], nil
	})
	for id := range byChannel {
		_, err := mgr.Acquire(context.Background(), failover.Request{ChannelID: id})
		require.NoError(t, err)
	}
	idle.touched.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	ended.Stop()

	assert.Equal(t, 2, mgr.SweepOnce(time.Now()))
	assert.True(t, idle.stopped.Load())
	assert.False(t, busy.stopped.Load())
	assert.Equal(t, 1, mgr.Len())

	mgr.StopAll()
	assert.True(t, busy.stopped.Load())
	_, err := mgr.Acquire(context.Background(), failover.Request{ChannelID: "busy"})
	require.ErrorIs(t, err, errManagerClosed)
}

func TestHLSManager_RunStopsSessionsOnShutdown(t *testing.T) {
	sess := newFakeShared(t, true)
	mgr := NewHLSManager(HLSConfig{SweepInterval: 10 * time.Millisecond}, func(context.Context, failover.Request) (SharedSession, error) {
		return sess, nil
	})
	_, err := mgr.Acquire(context.Background(), failover.Request{ChannelID: "news"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
	assert.True(t, sess.stopped.Load())
}

func TestStatusAPI(t *testing.T) {
	c := coord.New(coord.NewMemoryStore(), coord.Options{})
	now := time.Now()
	require.NoError(t, c.States.Put(context.Background(), model.ChannelState{
		ChannelID: "news", SessionID: "s1", Mode: model.ModeHLS, State: model.StateActive,
		ActiveCandidateID: "news-a", StartedAt: now, UpdatedAt: now,
	}))
	srv := newTestServer(t, Config{}, Deps{Status: status.NewCollector(c, nil, "test")})

	resp, body := get(t, srv.URL+"/api/status/channels")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap status.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	require.Len(t, snap.Channels, 1)
	assert.Equal(t, "news-a", snap.Channels[0].ActiveCandidateID)

	resp, body = get(t, srv.URL+"/api/status/channels/news")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st status.ChannelStatus
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, model.StateActive, st.State)

	resp, _ = get(t, srv.URL+"/api/status/channels/arts")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecoverer(t *testing.T) {
	h := RequestID(Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal_error", body.Error)
	assert.Equal(t, rec.Header().Get(HeaderRequestID), body.RequestID)
}
