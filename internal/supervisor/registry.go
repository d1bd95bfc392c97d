package supervisor

import (
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"ghost/internal/model"
)

// Entry is a single registered process: its runtime record, its live OS
// handle (nil when not spawned), its lifecycle state machine, and the
// rolling restart-attempt history backing the auto-restart backoff
// formula. entryMu serializes mutation per-id, so register/start/stop/
// restart against one id never interleave; Registry's own mutex only
// guards the entries map itself.
type Entry struct {
	entryMu sync.Mutex

	Info          model.ProcessInfo
	Handle        *Handle
	FSM           *fsm.FSM
	RestartTimes  []time.Time
	NextRestartAt time.Time

	// WarningSince records when the entry entered model.StatusWarning, so
	// sweepHeartbeats can apply config.WarningTimeout before escalating
	// to Crashed.
	WarningSince time.Time

	order int
}

// Lock/Unlock expose entryMu to callers that need to hold it across a
// multi-step mutation (spawn, then persist, then notify).
func (e *Entry) Lock()   { e.entryMu.Lock() }
func (e *Entry) Unlock() { e.entryMu.Unlock() }

// Snapshot returns a copy of e.Info taken under entryMu.
func (e *Entry) Snapshot() model.ProcessInfo {
	e.Lock()
	defer e.Unlock()

	return e.Info
}

// Registry is the single source of truth for tracked ProcessInfo
// records: id-keyed entries with a per-id mutex, plus a registry-wide
// sync.RWMutex that only guards map membership.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	nextOrder int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers a new entry for info.Id, replacing any prior entry.
func (r *Registry) Add(info model.ProcessInfo) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &Entry{Info: info, order: r.nextOrder}
	r.nextOrder++
	r.entries[info.Id] = e

	return e
}

// Get returns the entry for id, if present.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]

	return e, ok
}

// Remove deregisters id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, id)
}

// Ids returns every registered id, unordered.
func (r *Registry) Ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}

	return ids
}

// Snapshot returns a copy of every tracked ProcessInfo.
func (r *Registry) Snapshot() []model.ProcessInfo {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))

	for _, e := range r.entries {
		entries = append(entries, e)
	}

	r.mu.RUnlock()

	out := make([]model.ProcessInfo, len(entries))

	for i, e := range entries {
		e.Lock()
		out[i] = e.Info
		e.Unlock()
	}

	return out
}

// SnapshotReverse returns every entry ordered newest-registered-first,
// used by the daemon's shutdown sequence to stop processes in the
// opposite order they were started.
func (r *Registry) SnapshotReverse() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order > entries[j].order
	})

	return entries
}
