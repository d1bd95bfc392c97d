package commandproc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"ghost/internal/bus"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/model"
	"ghost/internal/store"
	"ghost/internal/supervisor"
	"ghost/internal/tracker"
	"ghost/internal/worker"
)

// fakePublisher is a minimal bus.Port that records published messages
// instead of touching Redis.
type fakePublisher struct {
	mu        sync.Mutex
	published []model.Message
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, payload []byte, priority model.Priority, typeTag string, ttl time.Duration) (model.Message, error) {
	msg := model.Message{Channel: channel, Payload: payload, Priority: priority, TypeTag: typeTag}

	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()

	return msg, nil
}

func (f *fakePublisher) Subscribe(ctx context.Context, pattern string) (*bus.Subscription, error) {
	return nil, fmt.Errorf("subscribe not supported by fakePublisher")
}

func (f *fakePublisher) last() model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.published[len(f.published)-1]
}

func newTestProcessor(t *testing.T) (*Processor, *fakePublisher) {
	t.Helper()

	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	log := logger.NewLogger(&config.Config{LogLevel: "error", LogFormat: "console"})
	st := store.NewWithDB(db, log)
	require.NoError(t, st.EnsureSchema(context.Background()))

	cfg := &config.Config{DefaultMaxRestarts: 3, DefaultRestartDelayMs: 10, Workers: 4}
	wp := worker.NewWorkerPool(cfg)

	sup, err := supervisor.New(cfg, st, nil, wp, log)
	require.NoError(t, err)
	t.Cleanup(func() { sup.Close(context.Background()) })

	tr := tracker.New(cfg, nil, log)

	pub := &fakePublisher{}

	return New(cfg, sup, tr, pub, wp, log), pub
}

func Test_Handle_UnknownCommand_ReturnsError(t *testing.T) {
	p, _ := newTestProcessor(t)

	resp := p.handle(context.Background(), model.SystemCommand{CommandId: "c1", CommandType: "bogus"})
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown command", resp.Error)
}

func Test_Handle_Ping_ReportsCounts(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := p.supervisor.Register(ctx, model.ProcessRegistration{Id: "app-1", ExecutablePath: "/bin/true"}, false)
	require.NoError(t, err)

	resp := p.handle(ctx, model.SystemCommand{CommandId: "c2", CommandType: CommandPing})
	require.True(t, resp.Success)

	var status daemonStatus
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, 1, status.ProcessCount)
	assert.Equal(t, 0, status.ConnectedApps)
}

func Test_Handle_Register_ParsesBinaryData(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	reg := model.ProcessRegistration{Id: "app-2", ExecutablePath: "/bin/true"}
	raw, err := json.Marshal(reg)
	require.NoError(t, err)

	resp := p.handle(ctx, model.SystemCommand{CommandId: "c3", CommandType: CommandRegister, Data: raw})
	require.True(t, resp.Success)

	info, ok := p.supervisor.Status("app-2")
	require.True(t, ok)
	assert.Equal(t, model.StatusStopped, info.Status)
}

func Test_Handle_Register_ParsesParametersJSON(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	reg := model.ProcessRegistration{Id: "app-3", ExecutablePath: "/bin/true"}
	raw, err := json.Marshal(reg)
	require.NoError(t, err)

	cmd := model.SystemCommand{
		CommandId:   "c4",
		CommandType: CommandRegister,
		Parameters:  map[string]string{"registration": string(raw)},
	}

	resp := p.handle(ctx, cmd)
	require.True(t, resp.Success)

	_, ok := p.supervisor.Status("app-3")
	assert.True(t, ok)
}

func Test_Handle_Register_MissingPayload_Fails(t *testing.T) {
	p, _ := newTestProcessor(t)

	resp := p.handle(context.Background(), model.SystemCommand{CommandId: "c5", CommandType: CommandRegister})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func Test_Handle_StartStopStatus_RoundTrip(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := p.supervisor.Register(ctx, model.ProcessRegistration{Id: "app-4", ExecutablePath: "/bin/sleep", Arguments: []string{"30"}}, false)
	require.NoError(t, err)

	startResp := p.handle(ctx, model.SystemCommand{CommandId: "c6", CommandType: CommandStart, TargetProcessId: "app-4"})
	require.True(t, startResp.Success)

	deadline := time.Now().Add(config.StartGrace + 2*time.Second)
	for time.Now().Before(deadline) {
		if info, ok := p.supervisor.Status("app-4"); ok && info.Status == model.StatusRunning {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	statusResp := p.handle(ctx, model.SystemCommand{CommandId: "c7", CommandType: CommandStatus, Parameters: map[string]string{"processId": "app-4"}})
	require.True(t, statusResp.Success)

	var info model.ProcessInfo
	require.NoError(t, json.Unmarshal(statusResp.Data, &info))
	assert.Equal(t, model.StatusRunning, info.Status)

	stopResp := p.handle(ctx, model.SystemCommand{CommandId: "c8", CommandType: CommandStop, TargetProcessId: "app-4"})
	require.True(t, stopResp.Success)
}

func Test_Handle_Start_MissingProcessId_Fails(t *testing.T) {
	p, _ := newTestProcessor(t)

	resp := p.handle(context.Background(), model.SystemCommand{CommandId: "c9", CommandType: CommandStart})
	assert.False(t, resp.Success)
}

func Test_Handle_StatusAll_ReturnsList(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	_, err := p.supervisor.Register(ctx, model.ProcessRegistration{Id: "app-5", ExecutablePath: "/bin/true"}, false)
	require.NoError(t, err)

	resp := p.handle(ctx, model.SystemCommand{CommandId: "c10", CommandType: CommandStatus})
	require.True(t, resp.Success)

	var infos []model.ProcessInfo
	require.NoError(t, json.Unmarshal(resp.Data, &infos))
	assert.Len(t, infos, 1)
}

func Test_Handle_Run_RegistersOneShotAndStarts(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	cmd := model.SystemCommand{
		CommandId:   "c11",
		CommandType: CommandRun,
		Parameters: map[string]string{
			"appId":   "run-1",
			"appPath": "/bin/true",
			"args":    "",
			"watch":   "false",
		},
	}

	resp := p.handle(ctx, cmd)
	require.True(t, resp.Success)

	info, ok := p.supervisor.Status("run-1")
	require.True(t, ok)
	assert.Equal(t, string(model.AppTypeOneShot), info.Configuration[supervisor.ConfigAppType])
}

func Test_Handle_Run_MissingParams_Fails(t *testing.T) {
	p, _ := newTestProcessor(t)

	resp := p.handle(context.Background(), model.SystemCommand{CommandId: "c12", CommandType: CommandRun})
	assert.False(t, resp.Success)
}

func Test_Handle_Connections_ReturnsTrackerList(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.tracker.Register("app-6", model.ProcessRegistration{Id: "app-6"}, false)

	resp := p.handle(context.Background(), model.SystemCommand{CommandId: "c13", CommandType: CommandConnections})
	require.True(t, resp.Success)

	var conns []model.AppConnection
	require.NoError(t, json.Unmarshal(resp.Data, &conns))
	assert.Len(t, conns, 1)
}

func Test_PublishResponse_DefaultsToResponsesTopic(t *testing.T) {
	p, pub := newTestProcessor(t)

	p.publishResponse(context.Background(), model.SystemCommand{CommandId: "c14"}, model.CommandResponse{CommandId: "c14", Success: true})

	assert.Equal(t, config.TopicResponses, pub.last().Channel)
}

func Test_PublishResponse_UsesRequestedChannel(t *testing.T) {
	p, pub := newTestProcessor(t)

	cmd := model.SystemCommand{CommandId: "c15", Parameters: map[string]string{"responseChannel": "custom:channel"}}
	p.publishResponse(context.Background(), cmd, model.CommandResponse{CommandId: "c15", Success: true})

	assert.Equal(t, "custom:channel", pub.last().Channel)
}
