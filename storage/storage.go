// Package storage implements the Manager Storage: the per-application
// policy tree on disk, merge semantics that protect balancer/manual mute
// decisions, block-statistic accumulation, and the raw log sink.
//
// App directories are loaded lazily into an in-memory cache; a save
// overwrites the policy file in place, with no backup copy. One coarse per-instance lock
// guards the cache — storage sits off the hottest ingestion path, so a
// single mutex is simpler than finer-grained locking; singleflight
// collapses concurrent first-loads of the same never-seen app.
package storage

import (
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/cihub/seelog"
	"golang.org/x/sync/singleflight"

	"github.com/limin5120/LogFun/registry"
)

// Storage is the manager's on-disk policy store, one instance per process.
type Storage struct {
	root string

	mu          sync.Mutex
	cache       map[string]*registry.Document
	blocked     map[string]map[string]int64
	lastWritten map[string][32]byte

	group singleflight.Group
}

// New returns a Storage rooted at root. The directory is created if it
// does not yet exist.
func New(root string) *Storage {
	if err := os.MkdirAll(root, 0o755); err != nil {
		log.Errorf("storage: failed to create root %s: %v", root, err)
	}
	return &Storage{
		root:        root,
		cache:       map[string]*registry.Document{},
		blocked:     map[string]map[string]int64{},
		lastWritten: map[string][32]byte{},
	}
}

// Root returns the storage root directory, for wiring a directory watcher.
func (s *Storage) Root() string { return s.root }

func (s *Storage) appDir(app string) string {
	return filepath.Join(s.root, app)
}

func (s *Storage) policyPath(app string) string {
	return filepath.Join(s.appDir(app), app+".json")
}

func (s *Storage) logPath(app string) string {
	return filepath.Join(s.appDir(app), app+".log")
}

// getOrLoad returns the cached document for app, loading it from disk (at
// most once per concurrent burst of callers, via singleflight) on first
// access.
func (s *Storage) getOrLoad(app string) *registry.Document {
	s.mu.Lock()
	doc, ok := s.cache[app]
	s.mu.Unlock()
	if ok {
		return doc
	}

	v, _, _ := s.group.Do(app, func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if doc, ok := s.cache[app]; ok {
			return doc, nil
		}
		doc := s.loadFromDisk(app)
		s.cache[app] = doc
		return doc, nil
	})
	return v.(*registry.Document)
}

func (s *Storage) loadFromDisk(app string) *registry.Document {
	data, err := os.ReadFile(s.policyPath(app))
	if err != nil {
		return &registry.Document{AppName: app, Functions: map[string]*registry.Function{}}
	}

	var doc registry.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warnf("storage: ignoring unreadable policy file for %s: %v", app, err)
		return &registry.Document{AppName: app, Functions: map[string]*registry.Function{}}
	}
	if doc.Functions == nil {
		doc.Functions = map[string]*registry.Function{}
	}
	s.lastWritten[app] = hashOf(data)
	return &doc
}

// saveLocked persists doc for app. Callers must hold s.mu.
func (s *Storage) saveLocked(app string, doc *registry.Document) {
	if err := os.MkdirAll(s.appDir(app), 0o755); err != nil {
		log.Errorf("storage: failed to create dir for %s: %v", app, err)
		return
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Errorf("storage: failed to marshal policy for %s: %v", app, err)
		return
	}
	if err := os.WriteFile(s.policyPath(app), data, 0o644); err != nil {
		log.Errorf("storage: failed to write policy for %s: %v", app, err)
		return
	}
	s.lastWritten[app] = hashOf(data)
}

// GetAppConfig returns a deep copy of app's authoritative policy document,
// suitable for a HANDSHAKE/HEARTBEAT reply.
func (s *Storage) GetAppConfig(app string) *registry.Document {
	doc := s.getOrLoad(app)
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDocument(doc)
}

// SyncConfig merges a client-reported document into app's authoritative
// policy: client-asserted `enabled` wins for entries the server has no
// opinion on, but a server-side mute tagged `manual` or `balancer` is
// never overwritten by the client's optimistic `enabled`.
// Idempotent: applying the same client doc twice leaves the server doc
// unchanged the second time.
func (s *Storage) SyncConfig(app string, client *registry.Document) *registry.Document {
	s.getOrLoad(app) // ensure loaded via the singleflight path before locking

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.cache[app]
	if doc.AppName == "" {
		doc.AppName = app
	}

	for fid, cFn := range client.Functions {
		sFn, ok := doc.Functions[fid]
		if !ok {
			doc.Functions[fid] = cloneFunction(cFn)
			continue
		}
		mergeFunction(sFn, cFn)
	}

	s.saveLocked(app, doc)
	return cloneDocument(doc)
}

func mergeFunction(sFn, cFn *registry.Function) {
	sFn.Name = cFn.Name
	if !isSticky(sFn.MutedBy) {
		sFn.Enabled = cFn.Enabled
	}

	if sFn.Templates == nil {
		sFn.Templates = map[string]*registry.Template{}
	}
	for tid, cTpl := range cFn.Templates {
		sTpl, ok := sFn.Templates[tid]
		if !ok {
			tplCopy := *cTpl
			sFn.Templates[tid] = &tplCopy
			continue
		}
		sTpl.Content = cTpl.Content
		if !isSticky(sTpl.MutedBy) {
			sTpl.Enabled = cTpl.Enabled
		}
	}
}

func isSticky(mutedBy string) bool {
	return mutedBy == registry.MutedByManual || mutedBy == registry.MutedByBalancer
}

// UpdateControl flips the enabled state of fid (and, if tid is non-empty,
// its template tid) within app's policy, tagging the mute's provenance.
// Disabling a function cascades the disable to all of its templates.
func (s *Storage) UpdateControl(app, fid, tid string, enable bool, source string) {
	s.getOrLoad(app)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.cache[app]
	fn, ok := doc.Functions[fid]
	if !ok {
		return
	}

	if tid != "" {
		tpl, ok := fn.Templates[tid]
		if !ok {
			return
		}
		setMute(&tpl.Enabled, &tpl.MutedBy, enable, source)
		s.saveLocked(app, doc)
		return
	}

	setMute(&fn.Enabled, &fn.MutedBy, enable, source)
	if !enable {
		for _, tpl := range fn.Templates {
			tpl.Enabled = false
			tpl.MutedBy = source
		}
	}
	s.saveLocked(app, doc)
}

func setMute(enabled *bool, mutedBy *string, enable bool, source string) {
	*enabled = enable
	if enable {
		*mutedBy = ""
	} else {
		*mutedBy = source
	}
}

// UpdateStats accumulates per-key block-count deltas for app (sum, not
// max).
func (s *Storage) UpdateStats(app string, deltas map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals, ok := s.blocked[app]
	if !ok {
		totals = map[string]int64{}
		s.blocked[app] = totals
	}
	for k, v := range deltas {
		totals[k] += v
	}
}

// BlockedStats returns a copy of app's accumulated block-count stats.
func (s *Storage) BlockedStats(app string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.blocked[app]))
	for k, v := range s.blocked[app] {
		out[k] = v
	}
	return out
}

// WriteLog appends msg (with a trailing newline) to app's raw log file.
func (s *Storage) WriteLog(app, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.appDir(app), 0o755); err != nil {
		log.Errorf("storage: failed to create dir for %s: %v", app, err)
		return
	}
	f, err := os.OpenFile(s.logPath(app), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Errorf("storage: failed to open log for %s: %v", app, err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(msg + "\n"); err != nil {
		log.Errorf("storage: failed to write log for %s: %v", app, err)
	}
}

// Invalidate drops app's in-memory cache entry so the next access reloads
// from disk. Used by the directory watcher when a policy file changes
// underneath the manager.
func (s *Storage) Invalidate(app string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, app)
}

// WasOwnWrite reports whether the bytes at app's policy path match the
// last write this Storage performed — used by the watcher to ignore
// self-inflicted fsnotify events.
func (s *Storage) WasOwnWrite(app string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.policyPath(app))
	if err != nil {
		return true // can't tell; avoid invalidating on a transient read error
	}
	last, ok := s.lastWritten[app]
	return ok && hashOf(data) == last
}

func hashOf(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func cloneDocument(doc *registry.Document) *registry.Document {
	out := &registry.Document{AppName: doc.AppName, Functions: map[string]*registry.Function{}}
	for fid, fn := range doc.Functions {
		out.Functions[fid] = cloneFunction(fn)
	}
	return out
}

func cloneFunction(fn *registry.Function) *registry.Function {
	out := &registry.Function{Name: fn.Name, Enabled: fn.Enabled, MutedBy: fn.MutedBy, Templates: map[string]*registry.Template{}}
	for tid, tpl := range fn.Templates {
		tplCopy := *tpl
		out.Templates[tid] = &tplCopy
	}
	return out
}
