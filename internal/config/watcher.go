package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"pulsewire/internal/runctx"
)

// debounceWindow absorbs the write/rename bursts editors produce when
// saving a file.
const debounceWindow = 200 * time.Millisecond

// WatchProfile emits a freshly-loaded Profile whenever the file changes
// on disk. The watch is on the containing directory so atomic-save
// renames are caught. The channel closes when ctx is canceled or the
// watcher fails.
func WatchProfile(ctx context.Context, path string, logger *zap.Logger) (<-chan Profile, error) {
	if logger == nil {
		panic("config.WatchProfile: logger must not be nil")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("initialize profile watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch profile directory %s: %w", dir, err)
	}

	updates := make(chan Profile, 1)
	target := filepath.Clean(path)

	go func() {
		defer close(updates)
		defer watcher.Close()
		logger.Debug("watching subscription profile", zap.String("path", target))

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				logger.Debug("stopping profile watcher: context canceled")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(debounceWindow)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("profile watcher error", zap.Error(watchErr))
			case <-pending:
				pending = nil
				profile, loadErr := LoadProfile(target)
				if loadErr != nil {
					// a half-written or broken file is not fatal; keep watching
					logger.Warn("profile reload failed", zap.Error(loadErr))
					continue
				}
				logger.Info("profile reloaded",
					zap.Int("channels", len(profile.Channels)),
					zap.Int("filters", len(profile.Filters)),
				)
				if !runctx.SendOrDone(ctx, "profile watcher", logger, updates, profile) {
					return
				}
			}
		}
	}()

	return updates, nil
}
