package cron

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aatumaykin/nexcore/internal/logger"
)

// watchDebounce coalesces the bursts of events editors produce on save.
var watchDebounce = 250 * time.Millisecond

// WatchDefinitions re-applies the definitions file at path whenever it
// changes. The parent directory is watched so that files replaced by rename
// are picked up. A file that fails to load leaves the current jobs as they
// are. It blocks until ctx is done.
func (s *Scheduler) WatchDefinitions(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create definitions watcher: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() { s.reloadDefinitions(path) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	s.logger.Info("watching job definitions", logger.Field{Key: "path", Value: path})

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("job definitions watch error",
				logger.Field{Key: "path", Value: path},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (s *Scheduler) reloadDefinitions(path string) {
	changes, err := s.LoadDefinitionsFile(path)
	if err != nil {
		s.logger.Warn("job definitions reload failed",
			logger.Field{Key: "path", Value: path},
			logger.Field{Key: "error", Value: err.Error()})
		return
	}
	s.logger.Debug("job definitions reloaded",
		logger.Field{Key: "added", Value: changes.Added},
		logger.Field{Key: "updated", Value: changes.Updated},
		logger.Field{Key: "deleted", Value: changes.Deleted})
}
