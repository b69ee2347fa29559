package main

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	logging "github.com/sirupsen/logrus"
)

// overrideFileName is the file reload.Watcher's directory is expected to
// contain: a single line holding the new HTTP subscriber demand window.
const overrideFileName = "demand-window"

// reloadableWindow holds the current HTTP subscriber demand window,
// updated live from the overrides directory (SPEC_FULL.md §4.11) without
// touching the core producer's fixed backpressureThreshold invariant -
// only how many buffers httpsubscriber asks for ahead of time changes.
type reloadableWindow struct {
	dir string
	v   uint64
}

func newReloadableWindow(dir string, initial uint64) *reloadableWindow {
	w := &reloadableWindow{dir: dir}
	atomic.StoreUint64(&w.v, initial)
	return w
}

func (w *reloadableWindow) load() uint64 {
	return atomic.LoadUint64(&w.v)
}

// reload is invoked by reload.Watcher whenever the overrides directory's
// contents are atomically replaced; it re-reads overrideFileName and, if it
// parses as a positive
// integer, installs it as the new demand window.
func (w *reloadableWindow) reload() {
	path := w.dir + string(os.PathSeparator) + overrideFileName
	data, err := os.ReadFile(path)
	if err != nil {
		logging.WithError(err).Warn("failed to read demand-window override")
		return
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n == 0 {
		logging.WithField("value", string(data)).Warn("ignoring invalid demand-window override")
		return
	}
	atomic.StoreUint64(&w.v, n)
	logging.WithField("demandWindow", n).Info("applied demand-window override")
}
