package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/model"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	cfg := &config.Config{HealthCheckIntervalMs: 30000}
	log := logger.NewLogger(&config.Config{LogLevel: "error", LogFormat: "console"})

	return New(cfg, nil, log)
}

func Test_Register_CreatesConnecting(t *testing.T) {
	tr := newTestTracker(t)

	conn := tr.Register("app-1", model.ProcessRegistration{Name: "app-1"}, false)
	assert.Equal(t, model.ConnConnecting, conn.Status)
	assert.False(t, conn.LastSeen.IsZero())
}

func Test_Register_Idempotent_RefreshesMetadata(t *testing.T) {
	tr := newTestTracker(t)

	tr.Register("app-1", model.ProcessRegistration{Name: "old"}, false)
	conn := tr.Register("app-1", model.ProcessRegistration{Name: "new"}, false)

	assert.Equal(t, "new", conn.Metadata.Name)
	assert.Len(t, tr.List(), 1)
}

func Test_Heartbeat_UpdatesLastSeenAndStatus(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("app-1", model.ProcessRegistration{}, false)

	metrics := model.ProcessMetrics{CPUPercent: 5}
	require.NoError(t, tr.Heartbeat("app-1", metrics))

	conn, ok := tr.Get("app-1")
	require.True(t, ok)
	assert.Equal(t, model.ConnRunning, conn.Status)
	assert.Equal(t, metrics, conn.LastMetrics)
}

func Test_Heartbeat_UnknownId_ReturnsError(t *testing.T) {
	tr := newTestTracker(t)
	err := tr.Heartbeat("ghost-id", model.ProcessMetrics{})
	require.Error(t, err)
}

func Test_Remove_DropsEntry(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("app-1", model.ProcessRegistration{}, false)
	tr.Remove("app-1")

	_, ok := tr.Get("app-1")
	assert.False(t, ok)
}

// Test_Sweep_MarksUnhealthyThenStopped exercises the two-stage
// timeout: a connection silent past UnhealthyTimeout is marked Unhealthy,
// and past StopTimeout is marked Stopped.
func Test_Sweep_MarksUnhealthyThenStopped(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("app-1", model.ProcessRegistration{}, false)
	require.NoError(t, tr.Heartbeat("app-1", model.ProcessMetrics{}))

	interval := tr.interval()

	tr.mu.Lock()
	tr.conns["app-1"].LastSeen = time.Now().UTC().Add(-3 * interval)
	tr.mu.Unlock()

	changed := tr.Sweep(context.Background())
	require.Len(t, changed, 1)
	assert.Equal(t, model.ConnUnhealthy, changed[0].Status)

	tr.mu.Lock()
	tr.conns["app-1"].LastSeen = time.Now().UTC().Add(-6 * interval)
	tr.mu.Unlock()

	changed = tr.Sweep(context.Background())
	require.Len(t, changed, 1)
	assert.Equal(t, model.ConnStopped, changed[0].Status)
}

func Test_Sweep_NeverEvictsDaemonEntry(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("daemon", model.ProcessRegistration{}, true)

	interval := tr.interval()

	tr.mu.Lock()
	tr.conns["daemon"].LastSeen = time.Now().UTC().Add(-100 * interval)
	tr.mu.Unlock()

	changed := tr.Sweep(context.Background())
	assert.Empty(t, changed)

	conn, ok := tr.Get("daemon")
	require.True(t, ok)
	assert.NotEqual(t, model.ConnStopped, conn.Status)
}

func Test_Sweep_StoppedEntryIsSkippedOnFutureSweeps(t *testing.T) {
	tr := newTestTracker(t)
	tr.Register("app-1", model.ProcessRegistration{}, false)
	require.NoError(t, tr.Heartbeat("app-1", model.ProcessMetrics{}))

	interval := tr.interval()

	tr.mu.Lock()
	tr.conns["app-1"].LastSeen = time.Now().UTC().Add(-6 * interval)
	tr.mu.Unlock()

	first := tr.Sweep(context.Background())
	require.Len(t, first, 1)

	second := tr.Sweep(context.Background())
	assert.Empty(t, second)
}
