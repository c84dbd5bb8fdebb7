package project

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/common/logger"
)

// ChangeFunc is notified when a project's availability flips.
type ChangeFunc func(name string, available bool)

// Watcher tracks whether project directories exist on disk. It watches the
// parent directory of each project so creation and removal of the project
// directory itself are seen, and debounces rescans so bulk filesystem
// activity collapses into one update.
type Watcher struct {
	set      *Set
	logger   *logger.Logger
	onChange ChangeFunc
	debounce time.Duration

	watcher   *fsnotify.Watcher
	fsTrigger chan struct{}

	mu        sync.RWMutex
	available map[string]bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewWatcher creates a watcher over the given project set. onChange may be
// nil.
func NewWatcher(set *Set, debounce time.Duration, onChange ChangeFunc, log *logger.Logger) *Watcher {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Watcher{
		set:       set,
		logger:    log.WithFields(zap.String("component", "project-watcher")),
		onChange:  onChange,
		debounce:  debounce,
		fsTrigger: make(chan struct{}, 1),
		available: make(map[string]bool, set.Len()),
	}
}

// Start performs the initial availability scan and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw
	w.stopCh = make(chan struct{})

	// Watch each distinct parent directory. A parent that is itself missing
	// cannot be watched yet; the project simply stays unavailable.
	parents := make(map[string]struct{})
	for _, p := range w.set.List() {
		parents[filepath.Dir(p.Path)] = struct{}{}
	}
	for dir := range parents {
		if err := fw.Add(dir); err != nil {
			w.logger.Debug("cannot watch project parent", zap.String("dir", dir), zap.Error(err))
		}
	}

	w.scan()

	w.wg.Add(2)
	go w.watchFilesystem(ctx)
	go w.monitorLoop(ctx)

	w.running = true
	w.logger.Info("project watcher started", zap.Int("projects", w.set.Len()))
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if !w.running {
		return nil
	}
	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	w.running = false
	return err
}

// Available reports whether the named project directory currently exists.
// Unknown names report false.
func (w *Watcher) Available(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.available[name]
}

// Snapshot returns the availability of every configured project.
func (w *Watcher) Snapshot() map[string]bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]bool, len(w.available))
	for k, v := range w.available {
		out[k] = v
	}
	return out
}

// scan stats every project directory and fires onChange for flips.
func (w *Watcher) scan() {
	type flip struct {
		name      string
		available bool
	}
	var flips []flip

	w.mu.Lock()
	for _, p := range w.set.List() {
		now := p.Exists()
		prev, seen := w.available[p.Name]
		w.available[p.Name] = now
		if seen && prev != now {
			flips = append(flips, flip{p.Name, now})
		}
	}
	w.mu.Unlock()

	for _, f := range flips {
		w.logger.Info("project availability changed",
			zap.String("project", f.name), zap.Bool("available", f.available))
		if w.onChange != nil {
			w.onChange(f.name, f.available)
		}
	}
}

// watchFilesystem forwards relevant fsnotify events into the debounce
// trigger.
func (w *Watcher) watchFilesystem(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Permission changes don't affect existence.
			if event.Op == fsnotify.Chmod {
				continue
			}
			if !w.concernsProject(event.Name) {
				continue
			}
			select {
			case w.fsTrigger <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("filesystem watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) concernsProject(path string) bool {
	clean := filepath.Clean(path)
	for _, p := range w.set.List() {
		if clean == filepath.Clean(p.Path) {
			return true
		}
	}
	return false
}

// monitorLoop rescans availability after filesystem activity settles.
func (w *Watcher) monitorLoop(ctx context.Context) {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	var pending bool

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case <-w.fsTrigger:
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.debounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(w.debounce)
			}
			pending = true
		case <-timerC(debounceTimer):
			if pending {
				w.scan()
				pending = false
			}
			debounceTimer = nil
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t != nil {
		return t.C
	}
	return nil
}
