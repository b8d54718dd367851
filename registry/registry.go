// Package registry implements the agent-local Unified Registry: the map
// from function names and log templates to stable integer identities, and
// the mute/enable state synced down from the manager.
//
// Written as a small locked struct with seelog diagnostics at the I/O
// boundary.
package registry

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	log "github.com/cihub/seelog"
)

// MutedBy tags the provenance of a mute decision.
const (
	MutedByManual   = "manual"
	MutedByBalancer = "balancer"
)

// Template is a single log-statement template tracked under a function.
type Template struct {
	Content string `json:"content"`
	Enabled bool   `json:"enabled"`
	MutedBy string `json:"muted_by,omitempty"`
}

// Function is a traced function identity and its known templates.
type Function struct {
	Name      string               `json:"name"`
	Enabled   bool                 `json:"enabled"`
	MutedBy   string               `json:"muted_by,omitempty"`
	Templates map[string]*Template `json:"templates"`
}

// Document is the on-disk/over-the-wire shape of a registry.
type Document struct {
	AppName   string               `json:"app_name"`
	Functions map[string]*Function `json:"functions"`
}

type tplKey struct {
	funcID  int
	content string
}

// Registry is the agent's unified, persisted map of function/template
// identities and their local enable state.
type Registry struct {
	path string

	mu         sync.RWMutex // guards doc and the reverse-lookup maps
	doc        *Document
	funcByName map[string]int
	tplByKey   map[tplKey]int

	nextFuncID int32
	nextTplID  int32

	blocked sync.Map // key string -> *int64, best-effort counters
}

// New returns a registry for appName, persisted at path, holding only the
// reserved FuncID 0 entry.
func New(appName, path string) *Registry {
	r := &Registry{
		path: path,
		doc: &Document{
			AppName:   appName,
			Functions: map[string]*Function{},
		},
		funcByName: map[string]int{},
		tplByKey:   map[tplKey]int{},
		nextFuncID: 1,
		nextTplID:  1,
	}
	// FuncID 0 is reserved for "no current function". It still needs a
	// function entry so that log statements issued outside any traced call
	// have somewhere to attach their templates.
	r.doc.Functions["0"] = &Function{Name: "<global>", Enabled: true, Templates: map[string]*Template{}}
	return r
}

// Load reads the registry document from path. An unreadable or malformed
// file yields a fresh registry as returned by New rather than an error — persistence is
// best-effort, never a precondition for running.
func Load(appName, path string) *Registry {
	r := New(appName, path)

	data, err := os.ReadFile(path)
	if err != nil {
		return r
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warnf("registry: ignoring unreadable registry at %s: %v", path, err)
		return r
	}

	r.doc = &doc
	if r.doc.Functions == nil {
		r.doc.Functions = map[string]*Function{}
	}
	if _, ok := r.doc.Functions["0"]; !ok {
		r.doc.Functions["0"] = &Function{Name: "<global>", Enabled: true, Templates: map[string]*Template{}}
	}

	var maxFuncID, maxTplID int
	for fidStr, fn := range r.doc.Functions {
		fid := atoiOr(fidStr, 0)
		if fid > maxFuncID {
			maxFuncID = fid
		}
		r.funcByName[fn.Name] = fid
		for tidStr, tpl := range fn.Templates {
			tid := atoiOr(tidStr, 0)
			if tid > maxTplID {
				maxTplID = tid
			}
			r.tplByKey[tplKey{fid, tpl.Content}] = tid
		}
	}
	r.nextFuncID = int32(maxFuncID + 1)
	r.nextTplID = int32(maxTplID + 1)
	return r
}

// Save persists the registry document to its configured path.
func (r *Registry) Save() {
	r.mu.RLock()
	data, err := json.MarshalIndent(r.doc, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		log.Errorf("registry: failed to marshal registry: %v", err)
		return
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		log.Errorf("registry: failed to write %s: %v", r.path, err)
	}
}

// GetFuncID returns the stable FuncID for name, assigning a fresh one on
// first sight. Repeated calls with the same name return the same ID.
func (r *Registry) GetFuncID(name string) int {
	r.mu.RLock()
	if id, ok := r.funcByName[name]; ok {
		r.mu.RUnlock()
		return id
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.funcByName[name]; ok {
		return id
	}

	id := int(atomic.AddInt32(&r.nextFuncID, 1)) - 1
	r.doc.Functions[itoa(id)] = &Function{
		Name:      name,
		Enabled:   true,
		Templates: map[string]*Template{},
	}
	r.funcByName[name] = id
	return id
}

// GetTplID returns the stable TplID for content under funcID, assigning a
// fresh one on first sight. TplID uniqueness is global, not per-function.
func (r *Registry) GetTplID(funcID int, content string) int {
	key := tplKey{funcID, content}

	r.mu.RLock()
	if id, ok := r.tplByKey[key]; ok {
		r.mu.RUnlock()
		return id
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.tplByKey[key]; ok {
		return id
	}

	fn, ok := r.doc.Functions[itoa(funcID)]
	if !ok {
		return 0
	}

	id := int(atomic.AddInt32(&r.nextTplID, 1)) - 1
	fn.Templates[itoa(id)] = &Template{Content: content, Enabled: true}
	r.tplByKey[key] = id
	return id
}

// IsEnabled reports whether logging for funcID (and, if given, tplID) is
// currently allowed. A false result records a block for dashboard display.
func (r *Registry) IsEnabled(funcID int, tplID int, hasTplID bool) bool {
	r.mu.RLock()
	fn, ok := r.doc.Functions[itoa(funcID)]
	r.mu.RUnlock()

	if ok && !fn.Enabled {
		r.recordBlock(itoa(funcID))
		return false
	}

	if hasTplID && ok {
		r.mu.RLock()
		tpl, tplOK := fn.Templates[itoa(tplID)]
		r.mu.RUnlock()
		if tplOK && !tpl.Enabled {
			r.recordBlock(itoa(funcID) + ":" + itoa(tplID))
			return false
		}
	}

	return true
}

func (r *Registry) recordBlock(key string) {
	counter, _ := r.blocked.LoadOrStore(key, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
}

// GetAndClearStats returns a snapshot of block counters and resets them.
func (r *Registry) GetAndClearStats() map[string]int64 {
	out := map[string]int64{}
	r.blocked.Range(func(k, v any) bool {
		out[k.(string)] = atomic.SwapInt64(v.(*int64), 0)
		return true
	})
	return out
}

// Snapshot returns a deep-enough copy of the registry document suitable for
// marshaling into a handshake body.
func (r *Registry) Snapshot() *Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Document{AppName: r.doc.AppName, Functions: map[string]*Function{}}
	for fid, fn := range r.doc.Functions {
		fnCopy := &Function{Name: fn.Name, Enabled: fn.Enabled, MutedBy: fn.MutedBy, Templates: map[string]*Template{}}
		for tid, tpl := range fn.Templates {
			tplCopy := *tpl
			fnCopy.Templates[tid] = &tplCopy
		}
		out.Functions[fid] = fnCopy
	}
	return out
}

// SyncFromServer merges an authoritative server document into the local
// registry: server-held `enabled` flags overwrite local ones, clearing
// block stats on re-enable; identities known only to the server (e.g. from
// another agent instance of the same app) are inserted locally.
func (r *Registry) SyncFromServer(server *Document) {
	if server == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for fid, sFn := range server.Functions {
		lFn, ok := r.doc.Functions[fid]
		if !ok {
			r.doc.Functions[fid] = sFn
			r.funcByName[sFn.Name] = atoiOr(fid, 0)
			for tid, tpl := range sFn.Templates {
				r.tplByKey[tplKey{atoiOr(fid, 0), tpl.Content}] = atoiOr(tid, 0)
			}
			continue
		}

		lFn.Enabled = sFn.Enabled
		lFn.MutedBy = sFn.MutedBy
		if sFn.Enabled {
			r.blocked.Delete(fid)
		}

		for tid, sTpl := range sFn.Templates {
			if lTpl, ok := lFn.Templates[tid]; ok {
				lTpl.Enabled = sTpl.Enabled
				lTpl.MutedBy = sTpl.MutedBy
				if sTpl.Enabled {
					r.blocked.Delete(fid + ":" + tid)
				}
			} else {
				lFn.Templates[tid] = sTpl
				r.tplByKey[tplKey{atoiOr(fid, 0), sTpl.Content}] = atoiOr(tid, 0)
			}
		}
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func atoiOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
