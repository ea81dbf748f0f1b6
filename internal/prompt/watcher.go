package prompt

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"prospector/internal/logging"
)

// Watcher reloads the registry when prompt files change on disk.
// Rapid editor saves are debounced so a save burst triggers one
// reload. Runs in flight keep the set they captured at start.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	reloads int
	errors  int
}

// NewWatcher creates a watcher over the registry's prompt directory.
func NewWatcher(registry *Registry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		registry:    registry,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the registry's prompt directory. Failure to
// watch is not fatal to the caller; it just means edits need a
// restart.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if _, err := os.Stat(w.registry.dir); err != nil {
		return err
	}
	if err := w.watcher.Add(w.registry.dir); err != nil {
		return err
	}
	w.running = true
	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for the event loop to exit. Safe to
// call when Start never ran or failed.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

// IsWatching reports whether the event loop is live.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

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
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.PromptDebug("prompt watcher error: %v", err)
		case <-tick.C:
			w.processDebounced()
		}
	}
}

// handleEvent records a change to a prompt file. The reload itself
// happens after the debounce window so a burst of editor saves
// triggers one reload.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := event.Name
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.debounceMap[name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced() {
	now := time.Now()
	w.mu.Lock()
	due := false
	for name, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			delete(w.debounceMap, name)
			due = true
		}
	}
	w.mu.Unlock()
	if !due {
		return
	}

	if err := w.registry.Reload(); err != nil {
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		logging.Prompt("prompt reload failed: %v", err)
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	logging.Prompt("prompt templates reloaded")
}

// Reloads returns how many reloads have completed.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}
