package seed

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events a single save produces.
const reloadDebounce = 250 * time.Millisecond

// Watch reapplies the seed file whenever it changes. The parent
// directory is watched rather than the file so that editors replacing
// the file by rename are still seen. A file that fails validation is
// logged and the store left as it was. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, store Store, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching seed directory: %w", err)
	}

	reload := make(chan struct{}, 1)

	var timer *time.Timer

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}

			if timer == nil {
				timer = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-reload:
			f, err := Load(target)
			if err != nil {
				logger.Warn("seed file rejected, keeping previous records",
					slog.String("path", target),
					slog.String("error", err.Error()),
				)

				continue
			}

			if err := Apply(ctx, store, f, logger); err != nil {
				logger.Error("applying seed file", slog.String("error", err.Error()))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			logger.Warn("seed watcher error", slog.String("error", err.Error()))
		}
	}
}
