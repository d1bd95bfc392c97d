package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/looplab/fsm"
	"github.com/shirou/gopsutil/v4/process"

	"ghost/internal/bus"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/ghosterr"
	"ghost/internal/model"
	"ghost/internal/store"
	"ghost/internal/supervisor/watch"
	"ghost/internal/worker"
)

// Recognized ProcessRegistration.Configuration keys. Registrations
// carry no typed schema beyond the fixed fields, so the auto-restart
// policy and file-watch options are carried as string key/value pairs,
// read through ConfigBool/ConfigInt.
const (
	ConfigAppType            = "AppType"
	ConfigAutoRestart        = "autoRestart"
	ConfigMaxRestartAttempts = "maxRestartAttempts"
	ConfigRestartDelayMs     = "restartDelayMs"
	ConfigWatch              = "watch"
	ConfigWatchInclude       = "watchInclude"
	ConfigWatchIgnore        = "watchIgnore"
)

// Supervisor owns the process registry and drives every registered
// process through its lifecycle state machine. It is constructed once
// at daemon boot and shared with the command processor; it reaches the
// bus only through the narrower bus.Publisher capability.
type Supervisor struct {
	cfg       *config.Config
	log       logger.Logger
	store     *store.Store
	pub       bus.Publisher
	worker    worker.Pool
	lifecycle *Lifecycle
	watcher   *watch.Watcher
	registry  *Registry
}

// New constructs a Supervisor. pub may be nil, in which case lifecycle
// events are still recorded in the store, but neither lifecycle nor log
// events are published.
func New(cfg *config.Config, st *store.Store, pub bus.Publisher, wp worker.Pool, log logger.Logger) (*Supervisor, error) {
	s := &Supervisor{
		cfg:       cfg,
		log:       log.WithComponent("SUPERVISOR"),
		store:     st,
		pub:       pub,
		worker:    wp,
		lifecycle: NewLifecycle(log),
		registry:  NewRegistry(),
	}

	w, err := watch.NewWatcher(s.triggerRestart, log)
	if err != nil {
		return nil, fmt.Errorf("%w: start file watcher: %w", ghosterr.ErrSpawnFailed, err)
	}

	s.watcher = w

	return s, nil
}

// triggerRestart is the callback wired into the file watcher: a
// matching change restarts the id directly, in-process, rather than
// round-tripping through the bus.
func (s *Supervisor) triggerRestart(id string) {
	if _, err := s.Restart(context.Background(), id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("file-watch restart failed")
	}
}

// Register creates (or, with force, replaces) the entry for reg.Id,
// persisting it Stopped. Without force, registering an existing id is
// ErrAlreadyExists.
func (s *Supervisor) Register(ctx context.Context, reg model.ProcessRegistration, force bool) (model.ProcessInfo, error) {
	if existing, ok := s.registry.Get(reg.Id); ok {
		if !force {
			return model.ProcessInfo{}, fmt.Errorf("%w: process %s", ghosterr.ErrProcessAlreadyExists, reg.Id)
		}

		existing.Lock()
		current := existing.FSM.Current()
		handle := existing.Handle
		existing.Unlock()

		if handle != nil && (current == string(model.StatusRunning) || current == string(model.StatusStarting)) {
			if err := s.lifecycle.Terminate(handle, config.StopGracePeriod); err != nil {
				s.log.Warn().Err(err).Str("id", reg.Id).Msg("error terminating process during re-registration")
			}
		}

		s.watcher.Unwatch(reg.Id)
		s.registry.Remove(reg.Id)
	}

	info := model.ProcessInfo{ProcessRegistration: reg, Status: model.Status(NoneState)}
	e := s.registry.Add(info)
	e.FSM = buildFSM(model.Status(NoneState), func(context.Context, *fsm.Event) {})

	e.Lock()
	err := s.doTransition(ctx, e, EventRegister, func(p *model.ProcessInfo) { p.Status = model.StatusStopped })
	e.Unlock()

	if err != nil {
		s.registry.Remove(reg.Id)
		return model.ProcessInfo{}, err
	}

	if reg.ConfigBool(ConfigWatch, false) && reg.WorkingDirectory != "" {
		includes := splitCSV(reg.Configuration[ConfigWatchInclude])
		ignores := splitCSV(reg.Configuration[ConfigWatchIgnore])

		if err := s.watcher.Watch(reg.Id, reg.WorkingDirectory, includes, ignores, s.cfg.WatchDebounceDuration()); err != nil {
			s.log.Warn().Err(err).Str("id", reg.Id).Msg("failed to start file watch")
		}
	}

	return e.Snapshot(), nil
}

// RegisterSelf registers the daemon's own process as a running,
// unmanaged-spawn entry. It drives Starting->Running without an OS
// spawn, since the daemon is already its own process.
func (s *Supervisor) RegisterSelf(ctx context.Context, reg model.ProcessRegistration) (model.ProcessInfo, error) {
	reg.Type = model.TypeDaemon

	if _, err := s.Register(ctx, reg, true); err != nil {
		return model.ProcessInfo{}, err
	}

	e, _ := s.registry.Get(reg.Id)

	e.Lock()
	defer e.Unlock()

	if err := s.doTransition(ctx, e, EventStart, func(p *model.ProcessInfo) { p.Status = model.StatusStarting }); err != nil {
		return model.ProcessInfo{}, err
	}

	err := s.doTransition(ctx, e, EventSpawnOK, func(p *model.ProcessInfo) {
		p.OsPid = os.Getpid()
		p.StartedAt = time.Now().UTC()
	})
	if err != nil {
		return model.ProcessInfo{}, err
	}

	return e.Info, nil
}

// Unregister removes id from the registry, terminating it first if
// live. Removal is best-effort past the FSM validity check: an audit
// event is appended, but a store error does not block freeing the id.
func (s *Supervisor) Unregister(ctx context.Context, id string) error {
	e, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
	}

	e.Lock()
	defer e.Unlock()

	if !e.FSM.Can(EventUnregister) {
		return fmt.Errorf("%w: cannot unregister from %s", ghosterr.ErrIllegalState, e.FSM.Current())
	}

	if e.Handle != nil {
		if err := s.lifecycle.Terminate(e.Handle, config.StopGracePeriod); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("error terminating process during unregister")
		}
	}

	s.watcher.Unwatch(id)

	payload, _ := json.Marshal(map[string]string{"status": "unregistered"})
	if err := s.store.AppendEvent(ctx, id, model.EventLifecycle, payload, time.Now().UTC()); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("failed to append unregister audit event")
	}

	_ = e.FSM.Event(ctx, EventUnregister)
	s.registry.Remove(id)

	return nil
}

// Start transitions id from Stopped/Failed/Crashed into Starting and
// spawns it. The event fired depends on the current state: start,
// force_start, or auto_restart, matching whichever edge leads to
// Starting.
func (s *Supervisor) Start(ctx context.Context, id string) (model.ProcessInfo, error) {
	e, ok := s.registry.Get(id)
	if !ok {
		return model.ProcessInfo{}, fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
	}

	e.Lock()
	defer e.Unlock()

	return s.startLocked(ctx, e)
}

func (s *Supervisor) startLocked(ctx context.Context, e *Entry) (model.ProcessInfo, error) {
	var event string

	switch e.FSM.Current() {
	case string(model.StatusStopped):
		event = EventStart
	case string(model.StatusFailed):
		event = EventForceStart
	case string(model.StatusCrashed):
		event = EventAutoRestart
	default:
		return model.ProcessInfo{}, fmt.Errorf("%w: cannot start from %s", ghosterr.ErrIllegalState, e.FSM.Current())
	}

	if err := s.doTransition(ctx, e, event, func(p *model.ProcessInfo) { p.Status = model.StatusStarting }); err != nil {
		return model.ProcessInfo{}, err
	}

	if err := s.spawn(ctx, e); err != nil {
		_ = s.doTransition(ctx, e, EventSpawnFail, func(p *model.ProcessInfo) { p.Status = model.StatusFailed })
		return model.ProcessInfo{}, fmt.Errorf("%w: %w", ghosterr.ErrSpawnFailed, err)
	}

	return e.Info, nil
}

// Stop transitions a Running id to Stopping and signals termination.
// The final Stopping->Stopped edge fires asynchronously once the
// process actually exits (waitExit), so the returned snapshot may
// still read Stopping.
func (s *Supervisor) Stop(ctx context.Context, id string) (model.ProcessInfo, error) {
	e, ok := s.registry.Get(id)
	if !ok {
		return model.ProcessInfo{}, fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
	}

	e.Lock()
	defer e.Unlock()

	return s.stopLocked(ctx, e)
}

func (s *Supervisor) stopLocked(ctx context.Context, e *Entry) (model.ProcessInfo, error) {
	if e.FSM.Current() != string(model.StatusRunning) {
		if e.FSM.Current() == string(model.StatusStopped) {
			return e.Info, nil
		}

		return model.ProcessInfo{}, fmt.Errorf("%w: cannot stop from %s", ghosterr.ErrIllegalState, e.FSM.Current())
	}

	if err := s.doTransition(ctx, e, EventStop, func(*model.ProcessInfo) {}); err != nil {
		return model.ProcessInfo{}, err
	}

	if e.Handle != nil {
		if err := s.lifecycle.Terminate(e.Handle, config.StopGracePeriod); err != nil {
			s.log.Warn().Err(err).Str("id", e.Info.Id).Msg("error terminating process")
		}
	}

	return e.Info, nil
}

// Restart stops a Running id and waits for it to settle before
// starting it again; for a non-Running id it is equivalent to Start.
// Transient stop errors from a process that is already gone are
// ignored.
func (s *Supervisor) Restart(ctx context.Context, id string) (model.ProcessInfo, error) {
	e, ok := s.registry.Get(id)
	if !ok {
		return model.ProcessInfo{}, fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
	}

	e.Lock()
	current := e.FSM.Current()
	e.Unlock()

	if current == string(model.StatusRunning) {
		if _, err := s.Stop(ctx, id); err != nil {
			return model.ProcessInfo{}, err
		}

		if err := s.awaitStopped(ctx, id); err != nil {
			return model.ProcessInfo{}, err
		}
	}

	return s.Start(ctx, id)
}

// awaitStopped polls until id settles into Stopped or Failed, bounded
// by the grace period Stop's own Terminate call already enforces plus
// a small buffer for the asynchronous waitExit transition to land.
func (s *Supervisor) awaitStopped(ctx context.Context, id string) error {
	e, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
	}

	deadline := time.Now().Add(config.StopGracePeriod + 2*time.Second)

	for time.Now().Before(deadline) {
		e.Lock()
		current := e.FSM.Current()
		e.Unlock()

		if current == string(model.StatusStopped) || current == string(model.StatusFailed) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}

	return fmt.Errorf("%w: process %s did not stop", ghosterr.ErrTimeout, id)
}

// Heartbeat records a metrics snapshot for id, recovering it from
// Warning back to Running, or confirming a first Starting->Running
// transition, as appropriate.
func (s *Supervisor) Heartbeat(ctx context.Context, id string, metrics model.ProcessMetrics) error {
	e, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
	}

	e.Lock()
	defer e.Unlock()

	now := time.Now().UTC()

	switch e.FSM.Current() {
	case string(model.StatusWarning):
		return s.doTransition(ctx, e, EventRecovered, func(p *model.ProcessInfo) {
			p.LastHeartbeat = now
			p.LastMetrics = metrics
		})
	case string(model.StatusStarting):
		return s.doTransition(ctx, e, EventSpawnOK, func(p *model.ProcessInfo) {
			p.LastHeartbeat = now
			p.LastMetrics = metrics
		})
	}

	e.Info.LastHeartbeat = now
	e.Info.LastMetrics = metrics

	if err := s.store.PatchLatestMetrics(ctx, id, metrics, now); err != nil {
		return fmt.Errorf("%w: %w", ghosterr.ErrPersistenceFailed, err)
	}

	return nil
}

// Discover scans dir for manifests and upserts a ProcessRegistration
// for each, preserving any already-tracked restart counts. For an id
// the registry has never seen, a prior restart count persisted by an
// earlier daemon run is restored from the store.
func (s *Supervisor) Discover(ctx context.Context, dir string) error {
	regs, err := scanManifests(dir)
	if err != nil {
		return err
	}

	for _, reg := range regs {
		if e, ok := s.registry.Get(reg.Id); ok {
			e.Lock()
			e.Info.ProcessRegistration = reg
			info := e.Info
			e.Unlock()

			if err := s.store.UpsertProcess(ctx, info); err != nil {
				s.log.Warn().Err(err).Str("id", reg.Id).Msg("failed to persist rediscovered registration")
			}

			continue
		}

		prior, priorErr := s.store.QueryLatest(ctx, reg.Id)

		if _, err := s.Register(ctx, reg, false); err != nil {
			if !ghosterr.Is(err, ghosterr.ErrProcessAlreadyExists) {
				s.log.Error().Err(err).Str("id", reg.Id).Msg("discovery failed to register process")
			}

			continue
		}

		if priorErr == nil && prior.RestartCount > 0 {
			if e, ok := s.registry.Get(reg.Id); ok {
				e.Lock()
				e.Info.RestartCount = prior.RestartCount
				e.Unlock()
			}
		}
	}

	return nil
}

// Reconcile aligns persisted rows with reality at daemon boot: a row
// recorded as live by a previous daemon run whose OS process no longer
// exists is marked Crashed, with a lifecycle event appended, before
// discovery re-registers it.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	rows, err := s.store.QueryActive(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for _, row := range rows {
		alive := false
		if row.OsPid > 0 {
			alive, _ = process.PidExistsWithContext(ctx, int32(row.OsPid))
		}

		if alive {
			continue
		}

		if err := s.store.UpdateStatus(ctx, row.Id, model.StatusCrashed, now); err != nil {
			s.log.Warn().Err(err).Str("id", row.Id).Msg("failed to mark stale row crashed")
			continue
		}

		payload, _ := json.Marshal(map[string]string{"status": string(model.StatusCrashed)})
		if err := s.store.AppendEvent(ctx, row.Id, model.EventLifecycle, payload, now); err != nil {
			s.log.Warn().Err(err).Str("id", row.Id).Msg("failed to append reconcile event")
		}
	}

	return nil
}

// MaintenanceTick runs the periodic housekeeping the daemon shell
// invokes every tick: pending auto-restarts, orphan sweep, and
// heartbeat-timeout sweep.
func (s *Supervisor) MaintenanceTick(ctx context.Context) {
	s.processPendingRestarts(ctx)
	s.sweepOrphans(ctx)
	s.sweepHeartbeats(ctx)
}

func (s *Supervisor) processPendingRestarts(ctx context.Context) {
	now := time.Now()

	for _, id := range s.registry.Ids() {
		e, ok := s.registry.Get(id)
		if !ok {
			continue
		}

		e.Lock()

		ready := e.FSM.Current() == string(model.StatusCrashed) &&
			!e.NextRestartAt.IsZero() && !now.Before(e.NextRestartAt)

		if !ready {
			e.Unlock()
			continue
		}

		e.NextRestartAt = time.Time{}
		_, err := s.startLocked(ctx, e)
		e.Unlock()

		if err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("auto-restart attempt failed")
		}
	}
}

func (s *Supervisor) sweepOrphans(ctx context.Context) {
	for _, id := range s.registry.Ids() {
		e, ok := s.registry.Get(id)
		if !ok {
			continue
		}

		e.Lock()
		running := e.FSM.Current() == string(model.StatusRunning)
		pid := e.Info.OsPid
		e.Unlock()

		if !running || pid <= 0 {
			continue
		}

		if err := s.worker.Acquire(ctx); err != nil {
			return
		}

		go func(id string, pid int) {
			defer s.worker.Release()

			alive, err := process.PidExistsWithContext(ctx, int32(pid))
			if err != nil || alive {
				return
			}

			e, ok := s.registry.Get(id)
			if !ok {
				return
			}

			e.Lock()
			defer e.Unlock()

			if e.FSM.Current() != string(model.StatusRunning) {
				return
			}

			if err := s.doTransition(ctx, e, EventCrash, func(p *model.ProcessInfo) { p.LastExitCode = -1 }); err == nil {
				s.scheduleAutoRestart(ctx, e)
			}
		}(id, pid)
	}
}

// sweepHeartbeats escalates Running entries that have gone silent past
// config.HeartbeatTimeout to Warning, and Warning entries stuck past
// config.WarningTimeout to Crashed. Entries that never sent a
// heartbeat (LastHeartbeat zero) are left alone: not every managed
// process type is expected to heartbeat, and penalizing silence from
// one that never opted in would be indistinguishable from punishing a
// healthy, heartbeat-less process.
func (s *Supervisor) sweepHeartbeats(ctx context.Context) {
	now := time.Now()

	for _, id := range s.registry.Ids() {
		e, ok := s.registry.Get(id)
		if !ok {
			continue
		}

		e.Lock()

		switch e.FSM.Current() {
		case string(model.StatusRunning):
			if !e.Info.LastHeartbeat.IsZero() && now.Sub(e.Info.LastHeartbeat) > config.HeartbeatTimeout {
				if err := s.doTransition(ctx, e, EventHeartbeatTimeout, func(*model.ProcessInfo) {}); err == nil {
					e.WarningSince = now
				}
			}
		case string(model.StatusWarning):
			if !e.WarningSince.IsZero() && now.Sub(e.WarningSince) > config.WarningTimeout {
				if err := s.doTransition(ctx, e, EventTimeout, func(*model.ProcessInfo) {}); err == nil {
					s.scheduleAutoRestart(ctx, e)
				}
			}
		}

		e.Unlock()
	}
}

// scheduleAutoRestart applies the backoff/exhaustion policy after a
// Crashed transition. e must already be locked by the caller.
func (s *Supervisor) scheduleAutoRestart(ctx context.Context, e *Entry) {
	reg := e.Info.ProcessRegistration
	if !reg.ConfigBool(ConfigAutoRestart, false) {
		return
	}

	maxAttempts := reg.ConfigInt(ConfigMaxRestartAttempts, s.cfg.DefaultMaxRestarts)

	now := time.Now()
	e.RestartTimes = pruneRestartWindow(e.RestartTimes, now)
	count := len(e.RestartTimes)
	e.Info.RestartCount = count

	// count already includes this crash (pruneRestartWindow appends now),
	// so maxAttempts restarts have happened once count == maxAttempts;
	// exhaustion only fires on the next crash past that.
	if maxAttempts > 0 && count > maxAttempts {
		if err := s.doTransition(ctx, e, EventExhausted, func(p *model.ProcessInfo) { p.Status = model.StatusFailed }); err != nil {
			s.log.Error().Err(err).Str("id", e.Info.Id).Msg("failed to persist restart-exhausted transition")
		}

		return
	}

	baseDelay := time.Duration(reg.ConfigInt(ConfigRestartDelayMs, s.cfg.DefaultRestartDelayMs)) * time.Millisecond
	e.NextRestartAt = now.Add(restartDelay(count, baseDelay))
}

// Status returns a snapshot of id, if tracked.
func (s *Supervisor) Status(id string) (model.ProcessInfo, bool) {
	e, ok := s.registry.Get(id)
	if !ok {
		return model.ProcessInfo{}, false
	}

	return e.Snapshot(), true
}

// StatusAll returns a snapshot of every tracked process.
func (s *Supervisor) StatusAll() []model.ProcessInfo {
	return s.registry.Snapshot()
}

// Close stops every tracked process with grace, newest-registered
// first, and releases the file watcher.
func (s *Supervisor) Close(ctx context.Context) {
	for _, e := range s.registry.SnapshotReverse() {
		e.Lock()
		running := e.FSM.Current() == string(model.StatusRunning)
		handle := e.Handle
		e.Unlock()

		if running && handle != nil {
			if err := s.lifecycle.Terminate(handle, config.StopGracePeriod); err != nil {
				s.log.Warn().Err(err).Str("id", e.Info.Id).Msg("error terminating process during shutdown")
			}
		}
	}

	s.watcher.Close()
}

// doTransition is the single gate every FSM-driven mutation passes
// through: validate the event against the FSM's current state,
// persist the resulting row and lifecycle event with retry, and only
// then advance the in-memory FSM and Info, so in-memory status never
// runs ahead of failed persistence. e must already be locked by the
// caller.
func (s *Supervisor) doTransition(ctx context.Context, e *Entry, event string, apply func(*model.ProcessInfo)) error {
	if !e.FSM.Can(event) {
		return fmt.Errorf("%w: cannot fire %s from %s", ghosterr.ErrIllegalState, event, e.FSM.Current())
	}

	next := e.Info
	apply(&next)

	if dst, ok := eventDestStatus[event]; ok {
		next.Status = dst
	}

	payload, _ := json.Marshal(map[string]string{"status": string(next.Status)})
	if err := s.persistTransition(ctx, next, payload); err != nil {
		return err
	}

	e.Info = next
	_ = e.FSM.Event(ctx, event)

	s.publishLifecycle(ctx, next)

	return nil
}

// persistTransition retries the transactional upsert+event-append pair
// up to config.PersistRetryAttempts times with config.PersistRetryDelay
// between attempts before surfacing as fatal for that transition.
func (s *Supervisor) persistTransition(ctx context.Context, info model.ProcessInfo, payload []byte) error {
	var err error

	for attempt := 0; attempt < config.PersistRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(config.PersistRetryDelay)
		}

		if err = s.store.TransitionAndAppend(ctx, info, model.EventLifecycle, payload, time.Now().UTC()); err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: %w", ghosterr.ErrPersistenceFailed, err)
}

// publishLifecycle notifies any bus subscriber of info's new status.
// The connection tracker observes these events over the bus like any
// other consumer, keeping it decoupled from the supervisor.
func (s *Supervisor) publishLifecycle(ctx context.Context, info model.ProcessInfo) {
	if s.pub == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{"status": string(info.Status)})
	if err != nil {
		return
	}

	if _, err := s.pub.Publish(ctx, config.TopicEvents(info.Id), payload, model.PriorityNormal, "lifecycle", config.TTLNormal); err != nil {
		s.log.Warn().Err(err).Str("id", info.Id).Msg("failed to publish lifecycle event")
	}
}

// spawn starts the OS process backing e's registration, wiring stdout/
// stderr capture and the goroutines that track its exit and its
// Starting->Running confirmation. e must already be locked by the
// caller and have Status already advanced to Starting.
func (s *Supervisor) spawn(ctx context.Context, e *Entry) error {
	reg := e.Info.ProcessRegistration

	cmd := exec.Command(reg.ExecutablePath, reg.Arguments...)
	if reg.WorkingDirectory != "" {
		cmd.Dir = reg.WorkingDirectory
	}

	cmd.Env = mergeEnvironment(reg)
	s.lifecycle.Configure(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	handle := NewProcess(ProcessParams{
		Name:         reg.Name,
		Cmd:          cmd,
		StdoutReader: stdoutReader,
		StderrReader: stderrReader,
	})

	e.Handle = handle
	e.Info.OsPid = cmd.Process.Pid
	e.Info.StartedAt = time.Now().UTC()

	go s.teeStream(stdoutPipe, stdoutWriter, reg.Id, "stdout")
	go s.teeStream(stderrPipe, stderrWriter, reg.Id, "stderr")
	go drainPipe(stdoutReader)
	go drainPipe(stderrReader)
	go s.waitExit(e, handle, cmd, stdoutWriter, stderrWriter)
	go s.graceThenRunning(e)

	return nil
}

// graceThenRunning fires spawn_ok once StartGrace has elapsed with the
// process still alive, covering the case where no heartbeat ever
// arrives.
func (s *Supervisor) graceThenRunning(e *Entry) {
	select {
	case <-time.After(config.StartGrace):
	case <-e.Handle.Done():
		return
	}

	e.Lock()
	defer e.Unlock()

	if e.FSM.Current() != string(model.StatusStarting) {
		return
	}

	_ = s.doTransition(context.Background(), e, EventSpawnOK, func(*model.ProcessInfo) {})
}

// waitExit blocks on the spawned command's exit and maps it onto the
// FSM edge matching e's state at the moment of exit.
func (s *Supervisor) waitExit(e *Entry, handle *Handle, cmd *exec.Cmd, stdoutWriter, stderrWriter *io.PipeWriter) {
	waitErr := cmd.Wait()

	_ = stdoutWriter.Close()
	_ = stderrWriter.Close()

	exitCode := extractExitCode(waitErr)

	handle.Close()

	ctx := context.Background()

	e.Lock()
	defer e.Unlock()

	switch model.Status(e.FSM.Current()) {
	case model.StatusStopping:
		_ = s.doTransition(ctx, e, EventExit, func(p *model.ProcessInfo) { p.LastExitCode = exitCode })
	case model.StatusRunning:
		if e.Info.Configuration[ConfigAppType] == string(model.AppTypeOneShot) && exitCode == 0 {
			_ = s.doTransition(ctx, e, EventExitClean, func(p *model.ProcessInfo) { p.LastExitCode = exitCode })
			return
		}

		if err := s.doTransition(ctx, e, EventCrash, func(p *model.ProcessInfo) { p.LastExitCode = exitCode }); err == nil {
			s.scheduleAutoRestart(ctx, e)
		}
	case model.StatusWarning:
		if err := s.doTransition(ctx, e, EventTimeout, func(p *model.ProcessInfo) { p.LastExitCode = exitCode }); err == nil {
			s.scheduleAutoRestart(ctx, e)
		}
	case model.StatusStarting:
		if e.Info.Configuration[ConfigAppType] == string(model.AppTypeOneShot) && exitCode == 0 {
			if err := s.doTransition(ctx, e, EventSpawnOK, func(*model.ProcessInfo) {}); err == nil {
				_ = s.doTransition(ctx, e, EventExitClean, func(p *model.ProcessInfo) { p.LastExitCode = exitCode })
			}

			return
		}

		_ = s.doTransition(ctx, e, EventSpawnFail, func(p *model.ProcessInfo) { p.LastExitCode = exitCode })
	}
}

// teeStream scans src line by line, logging and publishing each as a
// log event on the process's events topic, while also forwarding it
// to dst so any other consumer of the Handle's reader sees the same
// stream.
func (s *Supervisor) teeStream(src io.Reader, dst *io.PipeWriter, id, streamType string) {
	scanner := bufio.NewScanner(src)

	for scanner.Scan() {
		line := scanner.Text()

		s.log.Debug().Str("id", id).Str("stream", streamType).Msg(line)

		if s.pub != nil {
			payload, err := json.Marshal(map[string]string{"stream": streamType, "line": line})
			if err == nil {
				_, _ = s.pub.Publish(context.Background(), config.TopicEvents(id), payload, model.PriorityLow, "log", config.TTLLow)
			}
		}

		fmt.Fprintln(dst, line)
	}

	_ = dst.Close()
}

// drainPipe consumes and discards r, unblocking teeStream's writes
// when nothing else reads the Handle's exposed stdout/stderr.
func drainPipe(r *io.PipeReader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() { //nolint:revive // intentional discard loop
	}
}

// extractExitCode maps a cmd.Wait() error to a process exit code: 0
// for a clean exit, the OS-reported code for an ExitError, -1 for any
// other failure to wait (process killed by signal, etc).
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if ghosterr.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}

// mergeEnvironment layers reg.Environment over the supervisor's own
// process environment.
func mergeEnvironment(reg model.ProcessRegistration) []string {
	merged := make(map[string]string)

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}

	for k, v := range reg.Environment {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}

	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
