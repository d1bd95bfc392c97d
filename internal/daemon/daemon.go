// Package daemon is the daemon shell: the composition root that boots
// the state store schema, registers the daemon's own process with the
// supervisor and connection tracker, runs initial app discovery, and
// then drives the 1s/5s maintenance tick loop for the lifetime of the
// process.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"ghost/internal/bus"
	"ghost/internal/commandproc"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/model"
	"ghost/internal/outbox"
	"ghost/internal/store"
	"ghost/internal/supervisor"
	"ghost/internal/tracker"
)

// SelfID is the process id the daemon registers itself under, both in
// the supervisor's registry and the connection tracker, where its entry
// is never evicted.
const SelfID = "ghost-daemon"

// Shell is the Daemon Shell composition root.
type Shell struct {
	cfg  *config.Config
	log  logger.Logger
	st   *store.Store
	ob   *outbox.Outbox
	b    *bus.Bus
	sup  *supervisor.Supervisor
	tr   *tracker.Tracker
	proc *commandproc.Processor

	pid int32

	metricsSub *bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the daemon shell. cp is taken as a dependency purely to
// force fx to construct (and start) the command processor before the
// Shell's own boot sequence runs; the Shell never calls it directly.
func New(cfg *config.Config, st *store.Store, ob *outbox.Outbox, b *bus.Bus, sup *supervisor.Supervisor, tr *tracker.Tracker, cp *commandproc.Processor, log logger.Logger) *Shell {
	return &Shell{
		cfg:  cfg,
		log:  log.WithComponent("DAEMON"),
		st:   st,
		ob:   ob,
		b:    b,
		sup:  sup,
		tr:   tr,
		proc: cp,
		pid:  int32(os.Getpid()),
	}
}

// Start runs the boot sequence (schema, self-registration, discovery)
// and launches the background tick loop. It returns once boot has
// completed; the tick loop continues on its own goroutine until Close.
func (d *Shell) Start(ctx context.Context) error {
	if err := d.st.EnsureSchema(ctx); err != nil {
		return err
	}

	if err := d.ob.EnsureSchema(ctx); err != nil {
		return err
	}

	self := model.ProcessRegistration{
		Id:             SelfID,
		Name:           config.AppName,
		Type:           model.TypeDaemon,
		Version:        config.Version,
		ExecutablePath: os.Args[0],
		Arguments:      os.Args[1:],
	}

	if err := d.sup.Reconcile(ctx); err != nil {
		d.log.Warn().Err(err).Msg("boot reconcile against state store failed")
	}

	if _, err := d.sup.RegisterSelf(ctx, self); err != nil {
		return err
	}

	d.tr.Register(SelfID, self, true)

	if err := d.sup.Discover(ctx, d.cfg.InstallDir); err != nil {
		d.log.Warn().Err(err).Str("dir", d.cfg.InstallDir).Msg("initial discovery failed")
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())

	sub, err := d.b.Subscribe(ctx, config.TopicMetrics("*"))
	if err != nil {
		return fmt.Errorf("subscribe to metrics: %w", err)
	}

	d.metricsSub = sub

	d.wg.Add(3)

	go d.tickLoop()
	go d.consumeMetrics(sub)
	go d.watchConnectionState(d.b.ConnectionStateChanges())

	d.log.Info().Str("id", SelfID).Msg("daemon shell started")

	return nil
}

// consumeMetrics routes every ghost:metrics:{id} message delivered on
// sub into the connection tracker's and supervisor's heartbeat paths.
// This is the only production caller of Supervisor.Heartbeat, so
// heartbeat-driven liveness for managed apps hangs off this loop.
func (d *Shell) consumeMetrics(sub *bus.Subscription) {
	defer d.wg.Done()

	prefix := config.TopicMetrics("")

	for msg := range sub.Messages() {
		id := strings.TrimPrefix(msg.Channel, prefix)
		if id == "" {
			continue
		}

		metrics, err := bus.DecodeMetrics(msg.Payload)
		if err != nil {
			d.log.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to decode metrics message")
			continue
		}

		if err := d.tr.Heartbeat(id, metrics); err != nil {
			d.log.Debug().Err(err).Str("id", id).Msg("heartbeat for untracked connection")
		}

		if err := d.sup.Heartbeat(d.ctx, id, metrics); err != nil {
			d.log.Debug().Err(err).Str("id", id).Msg("heartbeat for untracked process")
		}
	}
}

// watchConnectionState logs every bus transport-health transition, so
// degradation shows up in the daemon's own log stream and not only in
// on-demand diagnostics.
func (d *Shell) watchConnectionState(changes <-chan bus.ConnectionState) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case state := <-changes:
			d.log.Info().Str("state", string(state)).Msg("bus connection state changed")
		}
	}
}

// tickLoop is the daemon shell's periodic heartbeat: every TickInterval
// it runs supervisor maintenance and a tracker sweep; every
// MetricsTickEvery/CheckpointTickEvery it also publishes metrics and
// persists a checkpoint.
func (d *Shell) tickLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(config.TickInterval)
	defer ticker.Stop()

	ticks := 0

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			ticks++

			d.sup.MaintenanceTick(d.ctx)
			d.tr.Sweep(d.ctx)

			if ticks%int(config.MetricsTickEvery/config.TickInterval) == 0 {
				d.publishMetrics(d.ctx)
				d.checkpoint(d.ctx)
			}
		}
	}
}

// publishMetrics reports the daemon's own self-metrics on
// ghost:metrics:ghost-daemon and every Running supervised process's
// last-known metrics on its own per-process channel.
func (d *Shell) publishMetrics(ctx context.Context) {
	self := d.collectSelfMetrics(ctx)

	if err := d.tr.Heartbeat(SelfID, self); err != nil {
		d.log.Warn().Err(err).Msg("failed to refresh daemon's own tracker entry")
	}

	if payload, err := encodeMetrics(self); err == nil {
		if _, err := d.b.Publish(ctx, config.TopicMetrics(SelfID), payload, model.PriorityLow, "metrics", config.TTLLow); err != nil {
			d.log.Warn().Err(err).Msg("failed to publish daemon metrics")
		}
	}

	for _, p := range d.sup.StatusAll() {
		if p.Status != model.StatusRunning {
			continue
		}

		payload, err := encodeMetrics(p.LastMetrics)
		if err != nil {
			continue
		}

		if _, err := d.b.Publish(ctx, config.TopicMetrics(p.Id), payload, model.PriorityLow, "metrics", config.TTLLow); err != nil {
			d.log.Warn().Err(err).Str("id", p.Id).Msg("failed to publish process metrics")
		}
	}
}

// checkpoint persists the daemon's own latest-metrics snapshot.
func (d *Shell) checkpoint(ctx context.Context) {
	self := d.collectSelfMetrics(ctx)
	if err := d.st.PatchLatestMetrics(ctx, SelfID, self, time.Now().UTC()); err != nil {
		d.log.Warn().Err(err).Msg("daemon checkpoint failed")
	}
}

// collectSelfMetrics samples the daemon's own resource usage, the same
// way internal/apphook.Hook.collectMetrics samples a managed app's:
// gopsutil for CPU%/RSS/handle count, runtime.ReadMemStats/
// NumGoroutine for the Go-runtime fields gopsutil can't see.
func (d *Shell) collectSelfMetrics(ctx context.Context) model.ProcessMetrics {
	m := model.ProcessMetrics{Timestamp: time.Now().UTC()}

	if proc, err := process.NewProcessWithContext(ctx, d.pid); err == nil {
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

// encodeMetrics is the wire encoding shared by every metrics publish in
// this package: the same length-prefixed binary codec
// internal/apphook's publishHeartbeat and every other ProcessMetrics
// publish on the bus uses.
func encodeMetrics(m model.ProcessMetrics) ([]byte, error) {
	return bus.EncodeMetrics(m), nil
}

// Close runs the Shell's half of the shutdown sequence: stop the tick
// loop, publish a Stopping lifecycle event for
// the daemon itself, and flush the outbox one final time. fx appends
// lifecycle hooks in dependency-construction order and runs OnStop in
// reverse, so because the Shell depends on (and is therefore
// constructed after) the Supervisor, the Tracker, the Command
// Processor, and the Bus, this hook fires *before* theirs: Supervisor's
// own OnStop then stops every supervised process with grace, and the
// Bus's OnStop hook closes its handles last.
func (d *Shell) Close(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	if d.metricsSub != nil {
		d.metricsSub.Cancel()
	}

	d.wg.Wait()

	if payload, err := json.Marshal(map[string]string{"status": string(model.StatusStopping)}); err == nil {
		_, _ = d.b.Publish(ctx, config.TopicEvents(SelfID), payload, model.PriorityHigh, "lifecycle", config.TTLHigh)
	}

	d.b.FlushOutbox(ctx)

	d.log.Info().Msg("daemon shell stopped")

	return nil
}
