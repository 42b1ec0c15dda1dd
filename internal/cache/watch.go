package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch evicts keys whose grid file disappears from disk's directory, so an
// operator can invalidate an entry by deleting its file. It blocks until ctx
// is done.
func Watch(ctx context.Context, disk *DiskStore, store Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "cache-watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cache watch: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(disk.Dir()); err != nil {
		return fmt.Errorf("cache watch %s: %w", disk.Dir(), err)
	}
	log.Info("watching cache directory", "dir", disk.Dir())

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			key, ok := disk.forget(event.Name)
			if !ok {
				continue
			}
			if err := store.Invalidate(ctx, key); err != nil {
				log.Warn("cache eviction failed", "key", key.String(), "error", err)
				continue
			}
			log.Info("cache entry evicted after file removal", "key", key.String(), "path", event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("cache watcher error", "error", err)
		}
	}
}
