package config

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch watches the configuration file at path and calls onChange with the
// new configuration each time the file is written or replaced. Files that
// fail to load or validate are logged and skipped, as are files without any
// key: a file that is truncated before being rewritten would otherwise be
// applied as the default configuration. Watch blocks until ctx is done.
//
// The directory is watched instead of the file, so that editors replacing
// the file with a rename are noticed too.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("config: watcher closed")
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			c, meta, err := load(path)
			if err == nil && len(meta.Keys()) == 0 {
				log.WithField("path", path).Debug("ignoring empty configuration file")
				continue
			}
			if err == nil {
				err = c.Validate()
			}
			if err != nil {
				log.WithField("path", path).Warningf("ignoring configuration change: %s", err)
				continue
			}
			onChange(c)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("config: watcher closed")
			}
			log.WithField("path", path).Warningf("config watcher error: %s", err)
		}
	}
}
