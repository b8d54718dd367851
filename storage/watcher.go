package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	log "github.com/cihub/seelog"
)

// Watcher observes Storage's root directory for policy files written by
// something other than Storage itself — an operator hand-editing
// <app>/<app>.json, or a restored backup — and invalidates the affected
// app's in-memory cache so the next read picks the change up without
// waiting for the next agent sync.
//
// Uses an fsnotify-based reload, adapted here to watch a tree of per-app
// subdirectories rather than a single file: new app directories are
// watched as they appear.
type Watcher struct {
	storage *Storage
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates (but does not start) a directory watcher over s's
// root.
func NewWatcher(s *Storage) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(s.Root()); err != nil {
		fsw.Close()
		return nil, err
	}

	// fsnotify does not watch recursively; pick up app directories that
	// already existed before the watcher started.
	entries, err := os.ReadDir(s.Root())
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if err := fsw.Add(filepath.Join(s.Root(), e.Name())); err != nil {
					log.Debugf("storage: watcher: failed to add existing dir %s: %v", e.Name(), err)
				}
			}
		}
	}

	return &Watcher{storage: s, fsw: fsw, done: make(chan struct{})}, nil
}

// Run processes filesystem events until Stop is called. Intended to run
// in its own goroutine.
func (w *Watcher) Run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("storage: watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	if strings.HasSuffix(event.Name, ".json") {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		app := strings.TrimSuffix(filepath.Base(event.Name), ".json")
		if w.storage.WasOwnWrite(app) {
			return
		}
		log.Infof("storage: external edit detected for app %q, invalidating cache", app)
		w.storage.Invalidate(app)
		return
	}

	if event.Op&fsnotify.Create != 0 {
		// A new app directory: start watching it too, so edits to its
		// policy file are observed.
		if err := w.fsw.Add(event.Name); err != nil {
			log.Debugf("storage: watcher: failed to add %s: %v", event.Name, err)
		}
	}
}
