package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the settings file whenever it changes on disk and passes the
// validated result to onChange. Invalid edits are logged and ignored. It blocks
// until ctx is done.
//
// The parent directory is watched rather than the file itself: atomic saves
// replace the inode, which would silently end a file-level watch.
func Watch(ctx context.Context, path string, onChange func(*Settings)) error {
	logger := slog.Default().With(slog.String("component", "config_watch"))
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve settings path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch settings dir: %w", err)
	}
	logger.Info("watching settings file", slog.String("path", abs))

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			s, err := LoadSettings(abs)
			if err != nil {
				logger.Error("settings reload failed", slog.Any("err", err))
				continue
			}
			logger.Info("settings reloaded", slog.Int("channels", len(s.Channels)))
			onChange(s)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings watcher error", slog.Any("err", err))
		}
	}
}
