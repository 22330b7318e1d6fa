package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// settleDelay gives an uploader time to finish writing an archive
// before we act on it.
const settleDelay = 2 * time.Second

// WatchDropDir watches dir for archives matching pattern and emits
// their paths. An archive is emitted once its writes have settled. The
// channel closes when ctx is cancelled.
func WatchDropDir(ctx context.Context, dir string, pattern string, logger zerolog.Logger) (<-chan string, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	logger = logger.With().Str("dir", dir).Str("pattern", pattern).Logger()
	logger.Info().Msg("watching drop directory")

	out := make(chan string)
	go func() {
		defer close(out)
		defer func() {
			_ = fsw.Close()
		}()

		// Pending archives and the time their last write was seen.
		pending := make(map[string]time.Time)
		ticker := time.NewTicker(settleDelay / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				match, err := filepath.Match(pattern, filepath.Base(event.Name))
				if err != nil || !match {
					continue
				}
				logger.Debug().Str("path", event.Name).Msg("archive activity")
				pending[event.Name] = time.Now()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("drop directory watch error")
			case now := <-ticker.C:
				for path, last := range pending {
					if now.Sub(last) < settleDelay {
						continue
					}
					delete(pending, path)
					select {
					case out <- path:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

// ScanDropDir returns the archives currently matching pattern in dir,
// oldest first so a backlog deploys in upload order. The cron sweep
// uses it to pick up anything the watcher missed.
func ScanDropDir(dir string, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}

	modTimes := make(map[string]time.Time, len(matches))
	for _, path := range matches {
		if info, err := os.Stat(path); err == nil {
			modTimes[path] = info.ModTime()
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return modTimes[matches[i]].Before(modTimes[matches[j]])
	})
	return matches, nil
}
