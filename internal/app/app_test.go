package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall_pipeline/internal/config"
	"recall_pipeline/internal/pipeline"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "absent.yaml"))
	t.Setenv("ENABLE_WATCHER", "false")
	t.Setenv("RUN_SCHEDULE", "")
	cfg, err := config.Load()
	require.NoError(t, err)
	for _, d := range []string{cfg.RawDir, cfg.RosterDir, cfg.ReferenceDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return cfg
}

func TestRunOnceWithoutRawData(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	res, err := a.RunOnce(context.Background(), pipeline.Options{Trigger: "test"})
	require.NoError(t, err)
	assert.Empty(t, res.VersionID)

	runs, err := a.Store().ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "succeeded", runs[0].Status)

	rr := httptest.NewRecorder()
	a.Mux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/report", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPPort = "127.0.0.1:0"
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
