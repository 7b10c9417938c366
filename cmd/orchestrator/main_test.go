package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-orchestrator/internal/config"
	"stream-orchestrator/internal/history"
	"stream-orchestrator/internal/observability/logging"
)

func TestApplyFlagsOverridesEnvironment(t *testing.T) {
	base := config.Default()
	base.Addr = ":7070"

	cfg, err := applyFlags(base, []string{"-addr", "127.0.0.1:9999", "-max-sessions", "2", "-cleanup-delay", "45s"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
	assert.Equal(t, 2, cfg.MaxSessions)
	assert.Equal(t, 45*time.Second, cfg.CleanupDelay)

	cfg, err = applyFlags(base, nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr, "unset flags keep the environment value")
}

func TestApplyFlagsRejectsInvalidInput(t *testing.T) {
	_, err := applyFlags(config.Default(), []string{"-max-sessions", "0"}, io.Discard)
	assert.Error(t, err)

	_, err = applyFlags(config.Default(), []string{"serve"}, io.Discard)
	assert.ErrorContains(t, err, "unexpected arguments")

	_, err = applyFlags(config.Default(), []string{"-no-such-flag"}, io.Discard)
	assert.Error(t, err)
}

func TestBuildPlannerUsesLadderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ladder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`presets:
  - name: sd
    suffix: 360p
    width: 640
    height: 360
    videoBitrateKbps: 800
    audioBitrateKbps: 64
    preset: veryfast
    crf: 28
tiers:
  - minWidth: 0
    variants: [sd]
`), 0o644))

	cfg := config.Default()
	cfg.LadderFile = path
	cfg.DefaultQuality = "sd"
	planner, err := buildPlanner(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"sd"}, planner.Presets())

	cfg.LadderFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = buildPlanner(cfg)
	assert.Error(t, err)
}

func TestOpenHistoryDefaultsToMemory(t *testing.T) {
	store, err := openHistory(context.Background(), config.Default())
	require.NoError(t, err)
	assert.IsType(t, &history.MemoryStore{}, store)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.OutputRoot = t.TempDir()
	return cfg
}

func TestNewAppServesRoutes(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(a.closeStores)

	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/router/capabilities", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	names := make([]string, 0, len(a.workers()))
	for _, w := range a.workers() {
		names = append(names, w.Name)
	}
	assert.Equal(t, []string{"transport-reaper", "history-purge", "max-duration"}, names)
}

func TestAppRunStopsOnCancel(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestNewAppRejectsBadLadderFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.LadderFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := newApp(context.Background(), cfg, logging.Discard())
	assert.ErrorContains(t, err, "ladder")
}

func TestNewAppSchedulesLeftoverDirectories(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.OutputRoot, "leftover-key-1", "720p"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.OutputRoot, "tmp"), 0o755))

	a, err := newApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		a.cleanup.Stop()
		a.closeStores()
	})

	assert.True(t, a.cleanup.Pending("leftover-key-1"))
	assert.False(t, a.cleanup.Pending("tmp"))
}
