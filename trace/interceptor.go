package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/cihub/seelog"
)

// LogMode selects how a traced call's output is shaped.
type LogMode int

const (
	// ModeNormal emits free-form entry/exit/error lines around the call.
	ModeNormal LogMode = iota
	// ModeCompress buffers user log calls and flushes one compressed
	// payload on exit.
	ModeCompress
)

// FuncRegistry is the subset of *registry.Registry the interceptor needs to
// assign a stable identity to a wrapped function.
type FuncRegistry interface {
	GetFuncID(name string) int
}

// MutePolicy is the subset of *policy.Controller the interceptor needs to
// decide whether to record a call at all.
type MutePolicy interface {
	ShouldMuteFunc(funcID int) bool
}

// Sink receives the interceptor's output: either a flushed compressed
// Record, or one free-form normal-mode line. It is implemented by the
// agent's sink worker enqueue path.
type Sink interface {
	EmitCompressed(rec *Record)
	EmitNormal(level, name, msg string, funcID, tplID int)
}

// Interceptor is the agent-side call interceptor: given a wrapped function
// and its arguments, it assigns/looks up a func_id, manages the trace
// context scope, gates on policy, and records either a normal-mode line
// pair or a compressed payload.
type Interceptor struct {
	registry FuncRegistry
	policy   MutePolicy
	sink     Sink
	mode     func() LogMode
}

// New returns an Interceptor wired to the given registry, policy and sink.
// mode is read on every call so that a live config change (dev/normal vs
// compress) takes effect without re-wrapping functions.
func New(reg FuncRegistry, pol MutePolicy, sink Sink, mode func() LogMode) *Interceptor {
	return &Interceptor{registry: reg, policy: pol, sink: sink, mode: mode}
}

// Traced is a function identity cached on first lookup, ready to wrap
// repeated calls to the same underlying function.
type Traced struct {
	in     *Interceptor
	name   string
	funcID int
}

// Wrap looks up (or assigns) the FuncID for name once and returns a Traced
// handle. Callers should cache the returned *Traced on the wrapper function
// object rather than calling Wrap on every invocation.
func (in *Interceptor) Wrap(name string) *Traced {
	return &Traced{in: in, name: name, funcID: in.registry.GetFuncID(name)}
}

// FuncID returns the cached identity of the wrapped function.
func (t *Traced) FuncID() int { return t.funcID }

// Call runs fn under trace supervision:
//  1. the context scope is entered unconditionally, so template-level
//     mute still applies to logs inside fn even when the function itself
//     is not muted;
//  2. if the function is muted, fn runs transparently with no recording;
//  3. otherwise fn runs under normal or compress dispatch depending on the
//     interceptor's current mode;
//  4. the scope is left on every exit path, including panics — which are
//     logged and re-raised, never swallowed.
func (t *Traced) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, err error) {
	switch t.in.mode() {
	case ModeCompress:
		return t.callCompress(ctx, fn)
	default:
		return t.callNormal(ctx, fn)
	}
}

func (t *Traced) callNormal(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, err error) {
	cctx, _ := Enter(ctx, t.funcID, false)

	if t.in.policy.ShouldMuteFunc(t.funcID) {
		return fn(cctx)
	}

	start := time.Now()
	t.in.sink.EmitNormal("INFO", t.name, fmt.Sprintf("call %s", t.name), t.funcID, 0)

	defer func() {
		if p := recover(); p != nil {
			duration := time.Since(start)
			t.in.sink.EmitNormal("ERROR", t.name, fmt.Sprintf("panic in %s after %.2fms: %v", t.name, float64(duration.Microseconds())/1000, p), t.funcID, 0)
			panic(p)
		}
	}()

	result, err = fn(cctx)
	duration := time.Since(start)

	if err != nil {
		t.in.sink.EmitNormal("ERROR", t.name, fmt.Sprintf("error in %s: %v (duration %.2fms)", t.name, err, float64(duration.Microseconds())/1000), t.funcID, 0)
		return result, err
	}

	t.in.sink.EmitNormal("INFO", t.name, fmt.Sprintf("return %s (duration %.2fms)", t.name, float64(duration.Microseconds())/1000), t.funcID, 0)
	return result, err
}

func (t *Traced) callCompress(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, err error) {
	if t.in.policy.ShouldMuteFunc(t.funcID) {
		cctx, _ := Enter(ctx, t.funcID, false)
		return fn(cctx)
	}

	cctx, scope := Enter(ctx, t.funcID, true)

	start := time.Now()

	defer func() {
		duration := time.Since(start)
		p := recover()
		t.flush(scope, start, duration)
		if p != nil {
			log.Errorf("trace: panic in %s: %v", t.name, p)
			panic(p)
		}
	}()

	result, err = fn(cctx)
	return result, err
}

func (t *Traced) flush(scope *Scope, start time.Time, duration time.Duration) {
	rec := &Record{
		StartTime:  float64(start.UnixNano()) / float64(time.Second),
		DurationMS: float64(duration.Microseconds()) / 1000,
		FuncID:     t.funcID,
		Entries:    scope.Buffer,
	}
	rec.Normalize()
	t.in.sink.EmitCompressed(rec)
}

// MarshalEntriesAndValues renders the entries_json and values_json wire
// fields for rec.
func MarshalEntriesAndValues(rec *Record) (entriesJSON, valuesJSON string, err error) {
	meta, err := json.Marshal(rec.EntriesMeta())
	if err != nil {
		return "", "", err
	}
	vals, err := json.Marshal(rec.FlatValues())
	if err != nil {
		return "", "", err
	}
	return string(meta), string(vals), nil
}
