package daemon

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"ghost/internal/bus"
	"ghost/internal/commandproc"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/model"
	"ghost/internal/outbox"
	"ghost/internal/store"
	"ghost/internal/supervisor"
	"ghost/internal/tracker"
	"ghost/internal/worker"
)

func testLogger() logger.Logger {
	return logger.NewLogger(&config.Config{LogLevel: "error", LogFormat: "console"})
}

// newTestShell wires a full Shell against an in-memory sqlite store and
// a Bus pointed at an unreachable address, the same "no live Redis
// needed" pattern internal/bus's own tests use: remotePublish fails
// fast, the breaker trips, and every publish falls back to the outbox.
func newTestShell(t *testing.T) (*Shell, *supervisor.Supervisor, *store.Store) {
	t.Helper()

	dir := t.TempDir()

	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	log := testLogger()
	st := store.NewWithDB(db, log)
	ob := outbox.New(db, log)

	cfg := &config.Config{
		InstallDir:            dir,
		DataDir:               dir,
		BusURL:                "redis://127.0.0.1:1/0",
		BreakerMaxFailures:    3,
		BreakerResetTimeoutMs: 15000,
		OutboxFlushIntervalMs: 30000,
		Workers:               4,
		DefaultMaxRestarts:    3,
		DefaultRestartDelayMs: 10,
	}

	b, err := bus.New(cfg, ob, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	wp := worker.NewWorkerPool(cfg)

	sup, err := supervisor.New(cfg, st, b, wp, log)
	require.NoError(t, err)
	t.Cleanup(func() { sup.Close(context.Background()) })

	tr := tracker.New(cfg, b, log)

	cp := commandproc.New(cfg, sup, tr, b, wp, log)

	shell := New(cfg, st, ob, b, sup, tr, cp, log)

	return shell, sup, st
}

func Test_Shell_Start_RegistersSelfAsRunningDaemon(t *testing.T) {
	shell, sup, _ := newTestShell(t)

	require.NoError(t, shell.Start(context.Background()))
	t.Cleanup(func() { _ = shell.Close(context.Background()) })

	info, ok := sup.Status(SelfID)
	require.True(t, ok)
	assert.Equal(t, model.StatusRunning, info.Status)
	assert.Equal(t, model.TypeDaemon, info.Type)
	assert.Equal(t, os.Getpid(), info.OsPid)
}

func Test_Shell_Start_EnsuresSchemaBeforeDiscovery(t *testing.T) {
	shell, _, st := newTestShell(t)

	require.NoError(t, shell.Start(context.Background()))
	t.Cleanup(func() { _ = shell.Close(context.Background()) })

	_, err := st.QueryActive(context.Background())
	assert.NoError(t, err)
}

func Test_Shell_Start_DiscoversManifestsInInstallDir(t *testing.T) {
	shell, sup, _ := newTestShell(t)

	manifest := filepath.Join(shell.cfg.InstallDir, "worker.json")
	require.NoError(t, os.WriteFile(manifest, []byte(`{
		"id": "worker-1",
		"name": "worker-1",
		"type": "service",
		"executablePath": "/bin/true"
	}`), 0o644))

	require.NoError(t, shell.Start(context.Background()))
	t.Cleanup(func() { _ = shell.Close(context.Background()) })

	_, ok := sup.Status("worker-1")
	assert.True(t, ok)
}

func Test_Shell_Close_IsIdempotentWithSupervisorClose(t *testing.T) {
	shell, sup, _ := newTestShell(t)

	require.NoError(t, shell.Start(context.Background()))

	assert.NoError(t, shell.Close(context.Background()))
	assert.NotPanics(t, func() { sup.Close(context.Background()) })
}
