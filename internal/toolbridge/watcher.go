package toolbridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher reloads the manifest set when files in the manifest
// directory change. Rapid editor write bursts are debounced.
type ManifestWatcher struct {
	watcher  *fsnotify.Watcher
	set      *ManifestSet
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewManifestWatcher creates a watcher over the manifest set's directory
func NewManifestWatcher(set *ManifestSet, logger *slog.Logger) (*ManifestWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(set.dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &ManifestWatcher{
		watcher:  watcher,
		set:      set,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run watches until ctx is cancelled
func (w *ManifestWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watcher error", "error", err)
		}
	}
}

func (w *ManifestWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.set.Reload(); err != nil {
			w.logger.Error("reloading tool manifests", "error", err)
			return
		}
		w.logger.Info("tool manifests reloaded", "servers", w.set.Names())
	})
}
