package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk and hands
// each new generation to a callback. The file's parent directory is
// watched so atomic replaces (temp file + rename, as editors and Store
// both do) are seen; events for other files in the directory are ignored.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(*File)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the config file at path. onChange is
// called with each successfully reloaded generation.
func NewWatcher(path string, logger *slog.Logger, onChange func(*File)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: defaultDebounce,
		logger:   logger,
		onChange: onChange,
	}
}

// Start begins watching the file. Starting an already-running watcher is
// an error; after Stop the watcher may be started again. Call Stop (or
// cancel ctx) to stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return errors.New("watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.run(ctx, watcher)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// run is the main event loop for the watcher.
func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// Editors and the store replace the file with a burst of
			// events; collapse the burst into one reload.
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// reload re-reads the file and notifies the callback. Load failures keep
// the previous generation live.
func (w *Watcher) reload() {
	file, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration",
			"path", w.path, "error", err)
		return
	}

	w.logger.Info("config reloaded", "path", w.path, "servers", len(file.Servers))
	if w.onChange != nil {
		w.onChange(file)
	}
}
