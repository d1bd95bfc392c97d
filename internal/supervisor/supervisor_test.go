package supervisor

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/model"
	"ghost/internal/store"
	"ghost/internal/worker"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	log := logger.NewLogger(&config.Config{LogLevel: "error", LogFormat: "console"})
	st := store.NewWithDB(db, log)
	require.NoError(t, st.EnsureSchema(context.Background()))

	cfg := &config.Config{DefaultMaxRestarts: 3, DefaultRestartDelayMs: 10}
	wp := worker.NewWorkerPool(&config.Config{Workers: 4})

	s, err := New(cfg, st, nil, wp, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })

	return s
}

func sleepRegistration(id string, seconds int) model.ProcessRegistration {
	return model.ProcessRegistration{
		Id:             id,
		Name:           id,
		Type:           model.TypeApp,
		ExecutablePath: "/bin/sleep",
		Arguments:      []string{strconv.Itoa(seconds)},
	}
}

func waitForStatus(t *testing.T, s *Supervisor, id string, want model.Status, within time.Duration) model.ProcessInfo {
	t.Helper()

	deadline := time.Now().Add(within)

	for time.Now().Before(deadline) {
		info, ok := s.Status(id)
		if ok && info.Status == want {
			return info
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("process %s did not reach status %s within %s", id, want, within)

	return model.ProcessInfo{}
}

func Test_Register_CreatesStoppedEntry(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	info, err := s.Register(ctx, sleepRegistration("svc-1", 5), false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, info.Status)
}

func Test_Register_DuplicateWithoutForce_Errors(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	_, err := s.Register(ctx, sleepRegistration("svc-1", 5), false)
	require.NoError(t, err)

	_, err = s.Register(ctx, sleepRegistration("svc-1", 5), false)
	require.Error(t, err)
}

func Test_StartStop_RunsThenSettlesStopped(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	_, err := s.Register(ctx, sleepRegistration("svc-2", 30), false)
	require.NoError(t, err)

	_, err = s.Start(ctx, "svc-2")
	require.NoError(t, err)

	waitForStatus(t, s, "svc-2", model.StatusRunning, 2*time.Second)

	_, err = s.Stop(ctx, "svc-2")
	require.NoError(t, err)

	waitForStatus(t, s, "svc-2", model.StatusStopped, 2*time.Second)
}

func Test_Start_OneShotExitsClean_SettlesStopped(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	reg := sleepRegistration("svc-3", 0)
	reg.ExecutablePath = "/bin/true"
	reg.Arguments = nil
	reg.Configuration = map[string]string{ConfigAppType: string(model.AppTypeOneShot)}

	_, err := s.Register(ctx, reg, false)
	require.NoError(t, err)

	_, err = s.Start(ctx, "svc-3")
	require.NoError(t, err)

	waitForStatus(t, s, "svc-3", model.StatusStopped, 2*time.Second)
}

func Test_Restart_StopsAndStartsAgain(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	_, err := s.Register(ctx, sleepRegistration("svc-4", 30), false)
	require.NoError(t, err)

	_, err = s.Start(ctx, "svc-4")
	require.NoError(t, err)

	first := waitForStatus(t, s, "svc-4", model.StatusRunning, 2*time.Second)

	_, err = s.Restart(ctx, "svc-4")
	require.NoError(t, err)

	second := waitForStatus(t, s, "svc-4", model.StatusRunning, config.StartGrace+2*time.Second)
	assert.NotEqual(t, first.OsPid, second.OsPid)
}

func Test_Unregister_UnknownId_Errors(t *testing.T) {
	s := newTestSupervisor(t)
	err := s.Unregister(context.Background(), "nope")
	require.Error(t, err)
}

func Test_Unregister_RemovesFromStatusAll(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	_, err := s.Register(ctx, sleepRegistration("svc-5", 5), false)
	require.NoError(t, err)

	require.NoError(t, s.Unregister(ctx, "svc-5"))

	_, ok := s.Status("svc-5")
	assert.False(t, ok)
}

func Test_Heartbeat_Starting_TransitionsToRunning(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	_, err := s.Register(ctx, sleepRegistration("svc-6", 30), false)
	require.NoError(t, err)

	_, err = s.Start(ctx, "svc-6")
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat(ctx, "svc-6", model.ProcessMetrics{CPUPercent: 1}))

	info, ok := s.Status("svc-6")
	require.True(t, ok)
	assert.Equal(t, model.StatusRunning, info.Status)
}

func Test_Heartbeat_UnknownId_Errors(t *testing.T) {
	s := newTestSupervisor(t)
	err := s.Heartbeat(context.Background(), "nope", model.ProcessMetrics{})
	require.Error(t, err)
}

func Test_ScheduleAutoRestart_ExhaustsAfterMaxAttempts(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	reg := sleepRegistration("svc-7", 5)
	reg.Configuration = map[string]string{
		ConfigAutoRestart:        "true",
		ConfigMaxRestartAttempts: "2",
		ConfigRestartDelayMs:     "1",
	}

	_, err := s.Register(ctx, reg, false)
	require.NoError(t, err)

	e, ok := s.registry.Get("svc-7")
	require.True(t, ok)

	e.Lock()
	require.NoError(t, s.doTransition(ctx, e, EventStart, func(p *model.ProcessInfo) { p.Status = model.StatusStarting }))
	require.NoError(t, s.doTransition(ctx, e, EventSpawnOK, func(p *model.ProcessInfo) { p.Status = model.StatusRunning }))
	require.NoError(t, s.doTransition(ctx, e, EventCrash, func(p *model.ProcessInfo) { p.Status = model.StatusCrashed }))
	s.scheduleAutoRestart(ctx, e)
	assert.Equal(t, string(model.StatusCrashed), e.FSM.Current())
	assert.False(t, e.NextRestartAt.IsZero())

	require.NoError(t, s.doTransition(ctx, e, EventAutoRestart, func(p *model.ProcessInfo) { p.Status = model.StatusStarting }))
	require.NoError(t, s.doTransition(ctx, e, EventSpawnOK, func(p *model.ProcessInfo) { p.Status = model.StatusRunning }))
	require.NoError(t, s.doTransition(ctx, e, EventCrash, func(p *model.ProcessInfo) { p.Status = model.StatusCrashed }))
	s.scheduleAutoRestart(ctx, e)
	assert.Equal(t, string(model.StatusFailed), e.FSM.Current())
	e.Unlock()
}

func Test_Discover_RegistersManifestsFromDir(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeManifest(t, dir, "disc-1.json", `{"id":"disc-1","name":"disc-1","executablePath":"/bin/sleep","arguments":["1"]}`)

	require.NoError(t, s.Discover(ctx, dir))

	info, ok := s.Status("disc-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusStopped, info.Status)
}

func Test_RegisterSelf_MarksRunningImmediately(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	info, err := s.RegisterSelf(ctx, model.ProcessRegistration{Id: "ghostd", Name: "ghostd"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, info.Status)
	assert.NotZero(t, info.OsPid)
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()

	path := dir + "/" + name
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func Test_Reconcile_MarksDeadPersistedRowsCrashed(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	stale := model.ProcessInfo{
		ProcessRegistration: model.ProcessRegistration{
			Id:             "stale-1",
			Name:           "stale-1",
			Type:           model.TypeService,
			ExecutablePath: "/bin/sleep",
		},
		Status: model.StatusRunning,
		OsPid:  1 << 30,
	}
	require.NoError(t, s.store.UpsertProcess(ctx, stale))

	require.NoError(t, s.Reconcile(ctx))

	row, err := s.store.QueryLatest(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCrashed, row.Status)
}

func Test_Reconcile_LeavesLiveRowsAlone(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	live := model.ProcessInfo{
		ProcessRegistration: model.ProcessRegistration{
			Id:             "live-1",
			Name:           "live-1",
			Type:           model.TypeService,
			ExecutablePath: "/bin/sleep",
		},
		Status: model.StatusRunning,
		OsPid:  os.Getpid(),
	}
	require.NoError(t, s.store.UpsertProcess(ctx, live))

	require.NoError(t, s.Reconcile(ctx))

	row, err := s.store.QueryLatest(ctx, "live-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, row.Status)
}

func Test_Discover_RestoresPersistedRestartCount(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	prior := model.ProcessInfo{
		ProcessRegistration: model.ProcessRegistration{
			Id:             "disc-2",
			Name:           "disc-2",
			Type:           model.TypeApp,
			ExecutablePath: "/bin/sleep",
		},
		Status:       model.StatusCrashed,
		RestartCount: 4,
	}
	require.NoError(t, s.store.UpsertProcess(ctx, prior))

	dir := t.TempDir()
	writeManifest(t, dir, "disc-2.json", `{"id":"disc-2","name":"disc-2","executablePath":"/bin/sleep","arguments":["1"]}`)

	require.NoError(t, s.Discover(ctx, dir))

	info, ok := s.Status("disc-2")
	require.True(t, ok)
	assert.Equal(t, 4, info.RestartCount)
}
