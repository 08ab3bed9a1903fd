// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for a burst of writes to settle.
const DefaultDebounce = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each valid
// result to onChange.
//
// Description:
//
//	The parent directory is watched rather than the file, so editors that
//	replace the file on save are followed. Events are debounced. A reload
//	that fails to parse or validate is logged and skipped; the previous
//	configuration stays in effect. Watch blocks until ctx ends.
//
// Inputs:
//
//	ctx - Stops the watcher.
//	path - The configuration file.
//	onChange - Called from the watcher goroutine with each new Config.
//	logger - Receives reload outcomes. May be nil.
//
// Outputs:
//
//	error - If the watcher cannot be created; nil when ctx ends.
func Watch(ctx context.Context, path string, onChange func(Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(DefaultDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(DefaultDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("config reload rejected, keeping previous configuration",
					slog.String("path", abs),
					slog.String("error", err.Error()))
				continue
			}
			logger.Info("config reloaded", slog.String("path", abs))
			onChange(cfg)
		}
	}
}
