// Package tracker implements the connection tracker: a liveness
// registry of managed apps, refreshed by heartbeats and swept
// periodically for staleness.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ghost/internal/bus"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/ghosterr"
	"ghost/internal/model"
)

// Tracker is the liveness registry of managed-app connections.
type Tracker struct {
	cfg *config.Config
	log logger.Logger
	pub bus.Publisher

	mu    sync.RWMutex
	conns map[string]*model.AppConnection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Tracker. pub may be nil (lifecycle events are then
// dropped instead of published), which keeps the type usable in tests
// without a live bus.
func New(cfg *config.Config, pub bus.Publisher, log logger.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())

	return &Tracker{
		cfg:    cfg,
		log:    log.WithComponent("TRACKER"),
		pub:    pub,
		conns:  make(map[string]*model.AppConnection),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the background sweep loop.
func (t *Tracker) Start() {
	t.wg.Add(1)

	go t.sweepLoop()
}

// Close stops the sweep loop and waits for it to exit.
func (t *Tracker) Close() error {
	t.cancel()
	t.wg.Wait()

	return nil
}

// Register creates an entry on first contact or refreshes metadata on a
// reconnect.
func (t *Tracker) Register(id string, meta model.ProcessRegistration, isDaemon bool) model.AppConnection {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ok := t.conns[id]
	if !ok {
		conn = &model.AppConnection{Id: id}
		t.conns[id] = conn
	}

	conn.Metadata = meta
	conn.Status = model.ConnConnecting
	conn.LastSeen = time.Now().UTC()
	conn.IsDaemon = isDaemon

	return *conn
}

// Heartbeat refreshes LastSeen/LastMetrics for id and marks it Running.
func (t *Tracker) Heartbeat(id string, metrics model.ProcessMetrics) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ok := t.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ghosterr.ErrConnectionNotFound, id)
	}

	conn.LastSeen = time.Now().UTC()
	conn.LastMetrics = metrics
	conn.Status = model.ConnRunning

	return nil
}

// Get returns the current connection record for id.
func (t *Tracker) Get(id string) (model.AppConnection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conn, ok := t.conns[id]
	if !ok {
		return model.AppConnection{}, false
	}

	return *conn, true
}

// List returns a snapshot of every tracked connection.
func (t *Tracker) List() []model.AppConnection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.AppConnection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, *c)
	}

	return out
}

// Remove deregisters id unconditionally.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, id)
}

func (t *Tracker) interval() time.Duration {
	d := t.cfg.HealthCheckIntervalDuration()
	if d <= 0 {
		return config.HealthCheckInterval
	}

	return d
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval())
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.ctx)
		}
	}
}

// Sweep evaluates every tracked connection against the Unhealthy/Stopped
// timeouts, skipping the daemon's own entry, and returns the
// connections whose Status changed this round. Exported so the daemon
// shell's own tick loop can drive it directly instead of waiting for the
// next timer fire.
func (t *Tracker) Sweep(ctx context.Context) []model.AppConnection {
	interval := t.interval()
	unhealthyTimeout := interval * config.UnhealthyMultiplier
	stopTimeout := interval * config.StopMultiplier

	now := time.Now().UTC()

	var changed []model.AppConnection

	t.mu.Lock()

	for _, conn := range t.conns {
		if conn.IsDaemon || conn.Status == model.ConnStopped {
			continue
		}

		since := now.Sub(conn.LastSeen)

		switch {
		case since > stopTimeout:
			conn.Status = model.ConnStopped
			changed = append(changed, *conn)
		case since > unhealthyTimeout && conn.Status == model.ConnRunning:
			conn.Status = model.ConnUnhealthy
			changed = append(changed, *conn)
		}
	}

	t.mu.Unlock()

	for _, conn := range changed {
		t.emitLifecycle(ctx, conn)
	}

	return changed
}

// emitLifecycle publishes the same {"status": ...} JSON envelope the
// supervisor and app hook use on ghost:events:{id}, so consumers of a
// process's event stream see one encoding regardless of who emitted it.
func (t *Tracker) emitLifecycle(ctx context.Context, conn model.AppConnection) {
	if t.pub == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{"status": string(conn.Status)})
	if err != nil {
		return
	}

	if _, err := t.pub.Publish(ctx, config.TopicEvents(conn.Id), payload, model.PriorityHigh, "lifecycle", 0); err != nil {
		t.log.Warn().Err(err).Str("id", conn.Id).Msg("failed to publish connection lifecycle event")
	}
}
