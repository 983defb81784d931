// internal/transcript/watcher.go
package transcript

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches transcript log files for growth with debouncing. The agent
// runtime appends lines in bursts; callers get one callback per burst.
type Watcher struct {
	debounce   time.Duration
	callback   func(path string)
	watcher    *fsnotify.Watcher
	done       chan struct{}
	started    bool
	closed     bool
	mu         sync.Mutex
	watched    map[string]bool
	debouncer  map[string]*time.Timer
	debounceMu sync.Mutex
}

// NewWatcher creates a watcher that invokes callback when a watched log changes
func NewWatcher(debounce time.Duration, callback func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		debounce:  debounce,
		callback:  callback,
		watcher:   fsw,
		done:      make(chan struct{}),
		watched:   make(map[string]bool),
		debouncer: make(map[string]*time.Timer),
	}, nil
}

// Watch starts watching a transcript log. The containing directory is watched
// rather than the file itself: truncation replaces the file via rename, which
// would silently drop a file-level watch.
func (w *Watcher) Watch(logPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}

	dir := filepath.Dir(logPath)
	if !w.watched[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.watched[dir] = true
	}
	w.watched[logPath] = true
	return nil
}

// Start starts the event loop
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}
	w.started = true

	go w.watch()
	return nil
}

// Close stops watching and cleans up resources
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.started {
		close(w.done)
	}

	w.debounceMu.Lock()
	for _, timer := range w.debouncer {
		timer.Stop()
	}
	w.debouncer = make(map[string]*time.Timer)
	w.debounceMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			interested := w.watched[event.Name]
			w.mu.Unlock()
			if !interested {
				continue
			}

			w.fire(event.Name)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// fire schedules the callback for a path, resetting any pending timer
func (w *Watcher) fire(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debouncer[path]; exists {
		timer.Stop()
	}

	w.debouncer[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debouncer, path)
		w.debounceMu.Unlock()

		w.callback(path)
	})
}
