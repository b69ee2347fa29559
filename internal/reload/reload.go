// Package reload watches a directory for atomic replacement of its contents
// and invokes a callback each time, the way pkg/credswatcher watches a
// mounted secret directory for TLS cert rotation. See SPEC_FULL.md §4.11.
//
// The watcher never reads the directory's files; the callback receives no
// arguments, and callers read and interpret the files themselves (no schema
// validation is done here).
package reload

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	logging "github.com/sirupsen/logrus"
)

// dataDirectoryLnName mirrors the atomic-symlink-swap convention Kubernetes
// uses for mounted ConfigMaps/Secrets: a create event on this name means
// the whole directory's contents were atomically replaced.
const dataDirectoryLnName = "..data"

// Watcher watches one directory and invokes OnChange whenever its contents
// are atomically replaced.
type Watcher struct {
	path     string
	onChange func()
	log      *logging.Entry
	healthy  atomic.Bool
}

// New constructs a Watcher for path. onChange is invoked (synchronously,
// from the watch goroutine) every time a Create event for the ..data entry
// signals that the directory's contents were atomically replaced; writes to
// individual files do not trigger it. It should be fast and non-blocking.
func New(path string, onChange func()) *Watcher {
	w := &Watcher{
		path:     path,
		onChange: onChange,
		log:      logging.WithFields(logging.Fields{"component": "reload", "path": path}),
	}
	w.healthy.Store(true)
	return w
}

// Healthy reports whether Run is still actively watching - false once it
// has exited due to an fsnotify error. Used by cmd/bodypipeline-daemon's
// /ready handler.
func (w *Watcher) Healthy() bool { return w.healthy.Load() }

// Run watches until ctx is canceled or an unrecoverable fsnotify error
// occurs. Intended to be called from its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.healthy.Store(false)
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		w.healthy.Store(false)
		return err
	}

	for {
		select {
		case event := <-watcher.Events:
			w.log.Debugf("received event: %v", event)
			if event.Op&fsnotify.Create == fsnotify.Create &&
				event.Name == filepath.Join(w.path, dataDirectoryLnName) {
				w.onChange()
			}
		case err := <-watcher.Errors:
			w.log.WithError(err).Warn("error watching directory")
			w.healthy.Store(false)
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
