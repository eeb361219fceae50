// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	xglog "github.com/rivenmedia/riven/internal/log"
)

// Watch reloads the settings file whenever it changes on disk and calls
// onChange with the result. Editors and atomic renames produce bursts of
// events, so changes are debounced. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: atomic saves replace the file inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger := xglog.WithComponent("config")
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("settings watcher error")
		case <-pending:
			pending = nil
			s, err := Load(path)
			if err != nil {
				logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("ignoring invalid settings file")
				continue
			}
			logger.Info().Str("event", "config.reloaded").Msg("settings reloaded")
			onChange(s)
		}
	}
}
