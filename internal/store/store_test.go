package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	_ "modernc.org/sqlite"

	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/ghosterr"
	"ghost/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })

	log := logger.NewLogger(&config.Config{LogLevel: "error", LogFormat: "console"})
	s := NewWithDB(db, log)

	require.NoError(t, s.EnsureSchema(context.Background()))

	return s
}

func sampleProcess(id string) model.ProcessInfo {
	return model.ProcessInfo{
		ProcessRegistration: model.ProcessRegistration{
			Id:             id,
			Name:           "worker",
			Type:           model.TypeService,
			ExecutablePath: "/usr/bin/worker",
		},
		Status: model.StatusStarting,
	}
}

func Test_Store_VerifySchema_FailsWithoutEnsure(t *testing.T) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&mode=rwc")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	log := logger.NewLogger(&config.Config{LogLevel: "error", LogFormat: "console"})
	s := NewWithDB(db, log)

	err = s.verifySchema(context.Background())
	assert.ErrorIs(t, err, ghosterr.ErrSchemaMissing)
}

func Test_Store_UpsertAndQueryLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := sampleProcess("proc-1")
	require.NoError(t, s.UpsertProcess(ctx, p))

	got, err := s.QueryLatest(ctx, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, "worker", got.Name)
	assert.Equal(t, model.StatusStarting, got.Status)
}

func Test_Store_QueryLatest_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.QueryLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, ghosterr.ErrNotFound)
}

func Test_Store_UpdateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProcess(ctx, sampleProcess("proc-2")))
	require.NoError(t, s.UpdateStatus(ctx, "proc-2", model.StatusRunning, time.Now()))

	got, err := s.QueryLatest(ctx, "proc-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func Test_Store_UpdateStatus_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateStatus(context.Background(), "ghost", model.StatusRunning, time.Now())
	assert.ErrorIs(t, err, ghosterr.ErrNotFound)
}

func Test_Store_AppendEvent_And_QueryEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProcess(ctx, sampleProcess("proc-3")))

	t0 := time.Now().Add(-time.Minute)
	require.NoError(t, s.AppendEvent(ctx, "proc-3", model.EventLifecycle, []byte("started"), t0))
	require.NoError(t, s.AppendEvent(ctx, "proc-3", model.EventError, []byte("boom"), t0.Add(time.Second)))

	events, err := s.QueryEvents(ctx, "proc-3", t0.Add(-time.Hour), time.Now(), "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventLifecycle, events[0].EventType)

	filtered, err := s.QueryEvents(ctx, "proc-3", t0.Add(-time.Hour), time.Now(), model.EventError, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, []byte("boom"), filtered[0].Payload)
}

func Test_Store_PatchLatestMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProcess(ctx, sampleProcess("proc-4")))

	snap := model.ProcessMetrics{CPUPercent: 12.5, MemoryBytes: 1024}
	require.NoError(t, s.PatchLatestMetrics(ctx, "proc-4", snap, time.Now()))

	got, err := s.QueryLatest(ctx, "proc-4")
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.LastMetrics.CPUPercent)
	assert.False(t, got.LastHeartbeat.IsZero())
}

func Test_Store_QueryActive_ExcludesTerminalStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := sampleProcess("proc-running")
	running.Status = model.StatusRunning
	require.NoError(t, s.UpsertProcess(ctx, running))

	stopped := sampleProcess("proc-stopped")
	stopped.Status = model.StatusStopped
	require.NoError(t, s.UpsertProcess(ctx, stopped))

	active, err := s.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "proc-running", active[0].Id)
}

func Test_Store_WithTransaction_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sentinel := assert.AnError

	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO processes (id, name, type, status, config, metrics, last_heartbeat, created_at, updated_at)
			VALUES ('tx-1', 'x', 'service', 'Starting', '{}', '{}', NULL, ?, ?)
		`, time.Now(), time.Now())
		require.NoError(t, execErr)

		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)

	_, qerr := s.QueryLatest(ctx, "tx-1")
	assert.ErrorIs(t, qerr, ghosterr.ErrNotFound)
}

// An unknown persisted status string must come back as Warning, with a
// non-fatal diagnostic logged rather than an error returned.
func Test_Store_QueryLatest_UnknownStatus_MapsToWarning(t *testing.T) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctrl := gomock.NewController(t)
	scoped := logger.NewMockLogger(ctrl)
	warnEvent := logger.NewMockEvent(ctrl)

	root := logger.NewMockLogger(ctrl)
	root.EXPECT().WithComponent("STORE").Return(scoped)
	scoped.EXPECT().Warn().Return(warnEvent)
	warnEvent.EXPECT().Str(gomock.Any(), gomock.Any()).Return(warnEvent).AnyTimes()
	warnEvent.EXPECT().Msg(gomock.Any())

	s := NewWithDB(db, root)
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))

	_, err = db.ExecContext(ctx, `
		INSERT INTO processes (id, name, type, status, config, metrics, last_heartbeat, created_at, updated_at)
		VALUES ('proc-odd', 'odd', 'service', 'Zombified', '{}', '{}', NULL, ?, ?)
	`, time.Now(), time.Now())
	require.NoError(t, err)

	got, err := s.QueryLatest(ctx, "proc-odd")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWarning, got.Status)
}

// Event sequence numbers are per-process, so two processes each holding
// id=1 must not collide in the events table.
func Test_Store_AppendEvent_PerProcessSequencesDoNotCollide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProcess(ctx, sampleProcess("proc-a")))
	require.NoError(t, s.UpsertProcess(ctx, sampleProcess("proc-b")))

	ts := time.Now()
	require.NoError(t, s.AppendEvent(ctx, "proc-a", model.EventLifecycle, []byte("a1"), ts))
	require.NoError(t, s.AppendEvent(ctx, "proc-b", model.EventLifecycle, []byte("b1"), ts))
	require.NoError(t, s.AppendEvent(ctx, "proc-a", model.EventLifecycle, []byte("a2"), ts))

	eventsA, err := s.QueryEvents(ctx, "proc-a", ts.Add(-time.Minute), ts.Add(time.Minute), "", 0)
	require.NoError(t, err)
	assert.Len(t, eventsA, 2)

	eventsB, err := s.QueryEvents(ctx, "proc-b", ts.Add(-time.Minute), ts.Add(time.Minute), "", 0)
	require.NoError(t, err)
	assert.Len(t, eventsB, 1)
}
