package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sark-io/sark/internal/logging"
)

const debounceInterval = 500 * time.Millisecond

// Watcher monitors a configuration file and invokes a callback with
// the freshly loaded configuration when it changes. Editors and
// orchestrators replace files rather than rewriting them in place, so
// the watch is on the containing directory.
type Watcher struct {
	path     string
	loader   *Loader
	onChange func(*Config)

	mu       sync.Mutex
	debounce *time.Timer
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string, loader *Loader, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		loader:   loader,
		onChange: onChange,
		fsw:      fsw,
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Reload loads the config immediately, bypassing the debounce. Used
// for SIGHUP handling.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceInterval, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		// Keep serving the previous config when the new one is bad.
		logging.Error("config reload failed, keeping previous config",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	logging.Info("configuration reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}
