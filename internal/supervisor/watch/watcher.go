package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ghost/internal/config/logger"
)

// entry holds the watch state for one registered process id: a single
// base directory plus the expanded set of subdirectories under watch.
type entry struct {
	id       string
	dir      string
	dirs     []string
	matcher  Matcher
	debounce Debouncer
}

// Watcher drives fsnotify-based restart triggers for registered ids,
// calling restart(id) directly; the supervisor is the only consumer,
// so no bus round-trip is involved.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	restart   func(id string)
	log       logger.Logger

	mu       sync.RWMutex
	watchers map[string]*entry
	closed   bool
}

// NewWatcher creates a Watcher. restart is invoked (from an internal
// goroutine) once per debounce window after matching files change under
// a watched id's directory.
func NewWatcher(restart func(id string), log logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsWatcher: fsw,
		restart:   restart,
		watchers:  make(map[string]*entry),
		log:       log.WithComponent("WATCH"),
	}

	go w.processEvents()

	return w, nil
}

// Watch begins watching dir (recursively) for id, restarting it on any
// change matching includes that isn't excluded by ignores. debounce is
// the coalescing window. Watching an id that is already watched is a
// no-op.
func (w *Watcher) Watch(id, dir string, includes, ignores []string, debounce time.Duration) error {
	matcher, err := NewMatcher(includes, ignores)
	if err != nil {
		return err
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	if _, exists := w.watchers[id]; exists {
		return nil
	}

	e := &entry{id: id, dir: absDir, matcher: matcher}
	e.debounce = NewDebouncer(debounce, func(files []string) {
		w.restart(id)
	})

	dirs, err := w.addDirRecursive(absDir, matcher)
	if err != nil {
		return err
	}

	e.dirs = dirs
	w.watchers[id] = e

	w.log.Info().Str("id", id).Str("dir", absDir).Msg("started watching process directory")

	return nil
}

// Unwatch stops watching id, releasing its fsnotify directories.
func (w *Watcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, exists := w.watchers[id]
	if !exists {
		return
	}

	e.debounce.Stop()
	w.removeDirs(e)
	delete(w.watchers, id)

	w.log.Info().Str("id", id).Msg("stopped watching process directory")
}

// Close stops all watching and releases the fsnotify handle.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	w.closed = true

	for id, e := range w.watchers {
		e.debounce.Stop()
		delete(w.watchers, id)
	}

	_ = w.fsWatcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}

			w.log.Error().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isRelevantEvent(event) {
		return
	}

	var newDirPath, targetID string

	w.mu.RLock()

	for _, e := range w.watchers {
		relPath, ok := relativeToBaseDir(e, event.Name)
		if !ok {
			continue
		}

		if e.matcher.Match(relPath) {
			e.debounce.Trigger(relPath)
		}
	}

	if event.Has(fsnotify.Create) {
		newDirPath, targetID = w.findNewDirTarget(event.Name)
	}

	w.mu.RUnlock()

	if targetID != "" {
		w.addNewDir(newDirPath, targetID)
	}
}

func (w *Watcher) findNewDirTarget(path string) (string, string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", ""
	}

	for _, e := range w.watchers {
		relPath, ok := relativeToBaseDir(e, path)
		if !ok {
			continue
		}

		if e.matcher.MatchDir(relPath) {
			continue
		}

		return path, e.id
	}

	return "", ""
}

func (w *Watcher) addNewDir(path, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, exists := w.watchers[id]
	if !exists {
		return
	}

	if err := w.fsWatcher.Add(path); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to watch new directory")
		return
	}

	e.dirs = append(e.dirs, path)
}

func relativeToBaseDir(e *entry, path string) (string, bool) {
	relPath, err := filepath.Rel(e.dir, path)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", false
	}

	return relPath, true
}

func (w *Watcher) addDirRecursive(dir string, matcher Matcher) ([]string, error) {
	var dirs []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			return nil
		}

		if path != dir {
			relPath, relErr := filepath.Rel(dir, path)
			if relErr != nil {
				return nil
			}

			if matcher.MatchDir(relPath) {
				return filepath.SkipDir
			}
		}

		if err := w.fsWatcher.Add(path); err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("failed to watch directory")
		} else {
			dirs = append(dirs, path)
		}

		return nil
	})

	return dirs, err
}

func (w *Watcher) removeDirs(e *entry) {
	for _, dir := range e.dirs {
		_ = w.fsWatcher.Remove(dir)
	}
}

func isRelevantEvent(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) ||
		event.Has(fsnotify.Rename)
}
