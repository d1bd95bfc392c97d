// Package apphook is the app runtime hook: a small client library
// linked into managed applications themselves, not into the daemon. It
// registers the host process with the daemon, runs a periodic
// self-metrics heartbeat, listens for commands targeted at it, and
// announces a clean shutdown.
package apphook

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"ghost/internal/bus"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/model"
)

// Hook is one managed app's connection to Ghost: a bus client plus the
// timer-driven self-metrics sampling loop that feeds it.
type Hook struct {
	cfg *config.Config
	reg model.ProcessRegistration
	bus *bus.Bus
	log logger.Logger
	pid int32

	cmdSub *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New dials the bus configured in cfg for the app described by reg. It
// does not register or start heartbeating yet; call Start for that.
func New(cfg *config.Config, reg model.ProcessRegistration, log logger.Logger) (*Hook, error) {
	b, err := bus.New(cfg, nil, log)
	if err != nil {
		return nil, err
	}

	return &Hook{
		cfg: cfg,
		reg: reg,
		bus: b,
		log: log.WithComponent("APPHOOK"),
		pid: int32(os.Getpid()),
	}, nil
}

// Start connects to the bus, publishes the initial registration,
// subscribes to this app's targeted command channel, and launches the
// heartbeat loop. The returned channel delivers every command Ghost
// targets at this app's id; it closes when Close is called.
func (h *Hook) Start(ctx context.Context) (<-chan model.SystemCommand, error) {
	h.bus.Start()

	if err := h.sendRegister(ctx); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish initial registration")
	}

	cmds, err := h.subscribeCommands(ctx)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(1)

	go h.heartbeatLoop(loopCtx)

	return cmds, nil
}

// Close stops the heartbeat loop, publishes a final Stopped lifecycle
// event, and releases the bus connection.
func (h *Hook) Close() error {
	if h.cancel != nil {
		h.cancel()
	}

	h.wg.Wait()

	if h.cmdSub != nil {
		h.cmdSub.Cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"status": string(model.StatusStopped)})

	if _, err := h.bus.Publish(ctx, config.TopicEvents(h.reg.Id), payload, model.PriorityNormal, "lifecycle", config.TTLNormal); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish shutdown lifecycle event")
	}

	return h.bus.Close()
}

func (h *Hook) sendRegister(ctx context.Context) error {
	raw, err := json.Marshal(h.reg)
	if err != nil {
		return err
	}

	cmd := model.SystemCommand{
		CommandId:   uuid.NewString(),
		CommandType: "register",
		Data:        raw,
	}

	_, err = h.bus.Publish(ctx, config.TopicCommands, bus.EncodeCommand(cmd), model.PriorityHigh, "command", config.TTLHigh)

	return err
}

func (h *Hook) subscribeCommands(ctx context.Context) (<-chan model.SystemCommand, error) {
	sub, err := h.bus.Subscribe(ctx, config.TopicCommandsFor(h.reg.Id))
	if err != nil {
		return nil, err
	}

	h.cmdSub = sub

	out := make(chan model.SystemCommand)

	go func() {
		defer close(out)

		for msg := range sub.Messages() {
			cmd, err := bus.DecodeCommand(msg.Payload)
			if err != nil {
				h.log.Warn().Err(err).Msg("failed to decode targeted command")
				continue
			}

			out <- cmd
		}
	}()

	return out, nil
}

func (h *Hook) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publishHeartbeat(ctx)
		}
	}
}

func (h *Hook) publishHeartbeat(ctx context.Context) {
	metrics := h.collectMetrics(ctx)
	payload := bus.EncodeMetrics(metrics)

	if _, err := h.bus.Publish(ctx, config.TopicMetrics(h.reg.Id), payload, model.PriorityLow, "metrics", config.TTLLow); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish heartbeat metrics")
	}
}

// collectMetrics samples this process's own resource usage: CPU% and
// RSS via gopsutil (same library supervisor.collectMetrics uses for
// external processes), GC pause time via runtime.ReadMemStats and
// goroutine count via runtime.NumGoroutine for the fields gopsutil
// can't see into a Go process's own runtime, and open-handle count via
// gopsutil's NumFDs.
func (h *Hook) collectMetrics(ctx context.Context) model.ProcessMetrics {
	m := model.ProcessMetrics{Timestamp: time.Now().UTC()}

	if proc, err := process.NewProcessWithContext(ctx, h.pid); err == nil {
		if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
			m.CPUPercent = cpuPercent
		}

		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			m.MemoryBytes = memInfo.RSS
		}

		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			m.HandleCount = int(fds)
		}
	}

	var memStats runtime.MemStats

	runtime.ReadMemStats(&memStats)

	m.GCPauseNs = memStats.PauseTotalNs
	m.Threads = runtime.NumGoroutine()

	return m
}
