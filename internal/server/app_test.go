package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/browser"
	"github.com/JakeFAU/webshot/internal/config"
	"github.com/JakeFAU/webshot/internal/shot"
)

type stubSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *stubSession) Context() context.Context   { return s.ctx }
func (s *stubSession) Ping(context.Context) error { return s.ctx.Err() }
func (s *stubSession) Close() error {
	s.cancel()
	return nil
}

type stubLauncher struct{}

func (stubLauncher) Launch(context.Context) (browser.Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &stubSession{ctx: ctx, cancel: cancel}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = config.StorageMemory
	cfg.Browser.PoolSize = "2"
	cfg.Browser.WarmOnStart = false
	cfg.Queue.Workers = 0
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func TestBuildServesDeferredJobs(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, zap.NewNop(), WithLauncher(stubLauncher{}))
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	h := app.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"capacity":2`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/shots",
		bytes.NewBufferString(`{"url":"https://example.com"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Regexp(t, `^[0-9a-f]{64}-800x450-800x450\.webp$`, body["key"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/shots/"+body["job_id"], nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job shot.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, shot.JobStatusQueued, job.Status)

	key, err := app.Pipeline().Key(mustRequest(t))
	require.NoError(t, err)
	assert.Equal(t, body["key"], key)
}

func TestBuildWithRedisLocatorCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.Redis.Addr = mr.Addr()
	cfg.Server.ResponseMode = string(shot.LocateRedirect)

	app, err := Build(context.Background(), cfg, nil, WithLauncher(stubLauncher{}))
	require.NoError(t, err)
	require.NotNil(t, app.locators)
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Redis.Addr = "127.0.0.1:1"

	_, err := Build(context.Background(), cfg, nil, WithLauncher(stubLauncher{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis locator cache init failed")
}

func TestBuildLocalStorage(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.LocalDir = filepath.Join(dir, "shots")

	app, err := Build(context.Background(), cfg, nil, WithLauncher(stubLauncher{}))
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
	_, err = os.Stat(cfg.Storage.LocalDir)
	assert.NoError(t, err)
}

func TestRunWorkersStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Workers = 1
	app, err := Build(context.Background(), cfg, nil, WithLauncher(stubLauncher{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunWorkers(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
	assert.Equal(t, browser.StateClosed.String(), app.pool.Stats().State)
}

func mustRequest(t *testing.T) shot.Request {
	t.Helper()
	req, err := shot.NewRequest(shot.RequestParams{URL: "https://example.com"})
	require.NoError(t, err)
	return req
}
