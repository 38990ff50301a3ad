package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc receives the freshly loaded configuration after a file change
type ReloadFunc func(*Config)

// Watcher reloads the configuration file when it changes on disk and notifies
// registered subscribers. Used to retune traffic thresholds without a restart.
type Watcher struct {
	logger   *zap.Logger
	path     string
	watcher  *fsnotify.Watcher
	handlers []ReloadFunc
	mu       sync.Mutex

	// debounce collapses editor write bursts into one reload
	debounce time.Duration
}

// NewWatcher creates a configuration file watcher
func NewWatcher(logger *zap.Logger, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory so atomic replace (rename-over) is still observed.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		logger:   logger,
		path:     path,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
	}, nil
}

// OnReload registers a handler invoked after each successful reload
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Run watches until the context is cancelled
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	handlers := make([]ReloadFunc, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(cfg)
	}

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
}
