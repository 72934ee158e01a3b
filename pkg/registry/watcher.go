package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the registry when its backing documents change on disk.
// Events are debounced so a burst of writes triggers one reload.
type Watcher struct {
	manager  *Manager
	fsw      *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher starts watching the registry directory (and its workflows
// subdirectory) for changes.
func NewWatcher(m *Manager) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(m.path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", m.path, err)
	}
	// The workflows dir may not exist yet; watch it when it does.
	wfDir := filepath.Join(m.path, workflowsDir)
	if err := fsw.Add(wfDir); err != nil {
		slog.Debug("workflows dir not watched", "path", wfDir, "error", err)
	}

	w := &Watcher{
		manager:  m,
		fsw:      fsw,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("registry watch error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.manager.LoadAll(); err != nil {
				slog.Error("registry hot reload failed", "error", err)
			} else {
				slog.Info("registry hot reloaded")
			}
		case <-w.done:
			return
		}
	}
}

// relevant skips temp files from our own atomic writes and non-JSON noise.
func relevant(ev fsnotify.Event) bool {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".tmp-") {
		return false
	}
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
