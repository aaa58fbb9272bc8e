package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes and hands the new
// configuration to registered listeners. Invalid files are logged and ignored.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher watches the file cfg was loaded from
func NewWatcher(cfg *Config, logger *zap.Logger) (*Watcher, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("configuration was not loaded from a file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory so atomic saves (write then rename) are seen.
	if err := watcher.Add(filepath.Dir(cfg.File)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:     cfg.File,
		watcher:  watcher,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		current:  cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// OnChange registers fn to run after each successful reload
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the latest valid configuration
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching for configuration changes
func (w *Watcher) Start() {
	go w.watchLoop()
	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
}

// Stop stops watching for configuration changes
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
	w.logger.Info("Configuration watcher stopped")
}

func (w *Watcher) watchLoop() {
	defer close(w.doneCh)

	var debounceTimer *time.Timer
	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("Invalid configuration, keeping current", zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	listeners := append([]func(*Config){}, w.onChange...)
	w.mu.Unlock()

	w.logChanges(prev, next)
	for _, fn := range listeners {
		fn(next)
	}
	w.logger.Info("Configuration reloaded", zap.String("path", w.path))
}

func (w *Watcher) logChanges(prev, next *Config) {
	if prev.Domain.MaxRepairDepth != next.Domain.MaxRepairDepth {
		w.logger.Info("Max repair depth changed",
			zap.Int("old", prev.Domain.MaxRepairDepth),
			zap.Int("new", next.Domain.MaxRepairDepth),
		)
	}
	if prev.Domain.MaxRepairItems != next.Domain.MaxRepairItems {
		w.logger.Info("Max repair items changed",
			zap.Int("old", prev.Domain.MaxRepairItems),
			zap.Int("new", next.Domain.MaxRepairItems),
		)
	}
	if prev.Domain.MaxValueLength != next.Domain.MaxValueLength {
		w.logger.Info("Max value length changed",
			zap.Int("old", prev.Domain.MaxValueLength),
			zap.Int("new", next.Domain.MaxValueLength),
		)
	}
	if prev.Persistence != next.Persistence || prev.Broadcast != next.Broadcast {
		w.logger.Warn("Storage and transport changes need a restart")
	}
}
