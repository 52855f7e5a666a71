package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchAccessControl watches the access-control file (the pg_hba
// equivalent) and logs when it changes. The file is consumed by the
// database at startup and never applied live by the controller; the
// log line exists so operators notice a pending-but-inactive edit.
// Returns a stop function.
func WatchAccessControl(path string, logger *zap.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace files rather than writing
	// in place, which drops inode-level watches.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					logger.Warn("access control file changed on disk; a database restart or reload is required for it to take effect",
						zap.String("path", path))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("access control watch error", zap.Error(err))
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
