package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/jobserv/internal/logfields"
)

// Watcher reloads the config file on change and hands the result to a
// callback. Reload failures keep the previous configuration.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger

	// debounce coalesces editor write bursts into one reload.
	debounce time.Duration
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, onChange: onChange, logger: logger, debounce: 500 * time.Millisecond}
}

// Run watches until the context ends. The parent directory is watched so
// rename-based saves (vim, k8s configmap updates) are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", logfields.Err(err))
		case <-fire:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload failed; keeping previous",
					logfields.Path(w.path), logfields.Err(err))
				continue
			}
			w.logger.Info("configuration reloaded", logfields.Path(w.path))
			w.onChange(cfg)
		}
	}
}
