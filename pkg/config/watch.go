package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces bursts of filesystem events into one reload.
const watchDebounce = 500 * time.Millisecond

// WatchDaemonFile watches the daemon schedule file and calls reloadFn with
// the freshly parsed config on every change. A change that fails to parse or
// validate is logged and discarded; the previous config stays in effect.
// Watching stops when ctx is cancelled.
func WatchDaemonFile(ctx context.Context, path string, logger zerolog.Logger, reloadFn func(*DaemonConfig) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	log := logger.With().Str("component", "config-watch").Str("path", path).Logger()
	go processEvents(ctx, watcher, path, log, reloadFn)

	log.Info().Msg("Watching daemon config for changes")
	return nil
}

func processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string, logger zerolog.Logger, reloadFn func(*DaemonConfig) error) {
	defer watcher.Close()

	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Debug().Str("op", event.Op.String()).Msg("Daemon config changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(watchDebounce, func() {
				dc, err := LoadDaemonFile(path)
				if err != nil {
					logger.Error().Err(err).Msg("Ignoring invalid daemon config change")
					return
				}
				if err := reloadFn(dc); err != nil {
					logger.Error().Err(err).Msg("Failed to apply reloaded daemon config")
					return
				}
				logger.Info().Msg("Daemon config reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
