package secretstore

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval is the time to wait after the last file change
// before notifying.
const DefaultDebounceInterval = 250 * time.Millisecond

// WatcherConfig holds configuration for the credential directory watcher.
type WatcherConfig struct {
	// Store is the file store whose directory is watched.
	Store *FileStore

	// Debounce overrides DefaultDebounceInterval.
	Debounce time.Duration

	// OnChange is called after the store has been reloaded.
	OnChange func()

	Logger *slog.Logger
}

// Watcher reloads a FileStore when another process (for example a second
// `mcpauth login`) writes or removes credential files.
type Watcher struct {
	mu      sync.Mutex
	config  WatcherConfig
	fs      *fsnotify.Watcher
	stopCh  chan struct{}
	running bool

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher creates a watcher; call Start to begin watching.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounceInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Watcher{config: config}
}

// Start begins watching the store directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.config.Store.Dir()); err != nil {
		fsw.Close()
		return err
	}

	w.fs = fsw
	w.stopCh = make(chan struct{})
	w.running = true

	// Capture channels before releasing lock to avoid race conditions
	go w.processEvents(fsw.Events, fsw.Errors, w.stopCh)

	w.config.Logger.Debug("Watching credential directory", "dir", w.config.Store.Dir())
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
	if w.fs != nil {
		w.fs.Close()
		w.fs = nil
	}

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()
}

func (w *Watcher) processEvents(events <-chan fsnotify.Event, errs <-chan error, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.config.Logger.Warn("Credential directory watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isCredentialFile(filepath.Base(event.Name)) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.triggerReloadDebounced()
}

// triggerReloadDebounced collapses bursts of events (a rename produces
// several) into one reload.
func (w *Watcher) triggerReloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}

		w.config.Store.Reload()
		if w.config.OnChange != nil {
			w.config.OnChange()
		}
	})
}
