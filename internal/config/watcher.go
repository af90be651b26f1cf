package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the config file whenever it changes and hands the parsed
// result to onChange. The parent directory is watched so editors that
// replace the file by rename are picked up. Files that fail to parse are
// logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*File)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go runWatcher(ctx, watcher, path, onChange)

	slog.Info("config watcher started", "file", path)
	return nil
}

func runWatcher(ctx context.Context, watcher *fsnotify.Watcher, path string, onChange func(*File)) {
	defer watcher.Close()

	// Debounce: coalesce bursts of writes within 200ms
	var mu sync.Mutex
	var pending *time.Timer

	trigger := func() {
		mu.Lock()
		defer mu.Unlock()

		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(watchDebounce, func() {
			mu.Lock()
			pending = nil
			mu.Unlock()

			f, err := Load(path)
			if err != nil {
				slog.Warn("config watcher: reload", "err", err, "file", path)
				return
			}
			slog.Debug("config watcher: file reloaded", "file", path)
			onChange(f)
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		}
	}
}
