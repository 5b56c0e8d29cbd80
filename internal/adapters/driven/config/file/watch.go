package file

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes the new settings to
// onChange. Settings that fail to load or validate are logged and
// skipped. Watch blocks until ctx is done.
//
// The directory is watched rather than the file so that editors which
// replace the file by rename are followed.
func Watch(ctx context.Context, path string, onChange func(domain.Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(reloadDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config: watch error: %v", err)

		case <-timer.C:
			settings, err := Load(abs)
			if err == nil {
				err = settings.Validate()
			}
			if err != nil {
				logger.Warn("config: ignoring change to %s: %v", abs, err)
				continue
			}
			logger.Info("config: reloaded %s", abs)
			onChange(settings)
		}
	}
}
