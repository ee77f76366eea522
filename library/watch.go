package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch drops index rows for asset files removed or renamed outside the application. It blocks
// until ctx is done. ready, when non-nil, is closed once the watches are in place.
func (l *Library) Watch(ctx context.Context, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.assetsDir); err != nil {
		return fmt.Errorf("watch %s: %w", l.assetsDir, err)
	}
	entries, err := os.ReadDir(l.assetsDir)
	if err != nil {
		return fmt.Errorf("read assets directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || l.isTempDir(filepath.Join(l.assetsDir, entry.Name())) {
			continue
		}
		if err := watcher.Add(filepath.Join(l.assetsDir, entry.Name())); err != nil {
			log.Warnw("watch champion directory failed", "dir", entry.Name(), "error", err)
		}
	}
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			l.handleWatchEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("library watcher error", "error", err)
		}
	}
}

func (l *Library) handleWatchEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == filepath.Clean(l.assetsDir) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !l.isTempDir(event.Name) {
			if err := watcher.Add(event.Name); err != nil {
				log.Warnw("watch champion directory failed", "dir", event.Name, "error", err)
			}
		}
		return
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		log.Debugw("asset file removed", "path", event.Name)
		l.forget(event.Name)
	}
}

func (l *Library) isTempDir(path string) bool {
	return filepath.Clean(path) == filepath.Clean(l.tempDir)
}
