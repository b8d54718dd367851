// Package applog is the user-facing logging API called from inside traced
// functions — the "log()" calls the tracer decorator's wrapped code issues.
//
// A template is always registered (so the dashboard can show it even once
// muted), a template-level policy check happens after that, and the
// outcome depends on whether the call is inside a traced, compress-mode
// scope.
package applog

import (
	"context"
	"fmt"

	"github.com/limin5120/LogFun/trace"
)

// TplRegistry is the subset of *registry.Registry the logger needs.
type TplRegistry interface {
	GetTplID(funcID int, content string) int
}

// TemplatePolicy is the subset of *policy.Controller the logger needs.
type TemplatePolicy interface {
	ShouldMuteTemplate(funcID, tplID int) bool
}

// Sink receives normal-mode lines rendered outside of compress mode, or
// when a log call happens outside any traced scope.
type Sink interface {
	EmitNormal(level, name, msg string, funcID, tplID int)
}

// Logger is the per-component log handle user code calls into. It carries
// no mutable state of its own; all policy and identity state lives in the
// registry it was built with.
type Logger struct {
	name     string
	registry TplRegistry
	policy   TemplatePolicy
	sink     Sink
}

// New returns a Logger identified by name (conventionally the module or
// component name).
func New(name string, reg TplRegistry, pol TemplatePolicy, sink Sink) *Logger {
	return &Logger{name: name, registry: reg, policy: pol, sink: sink}
}

func (l *Logger) log(ctx context.Context, level, template string, args ...any) {
	funcID := trace.CurrentFuncID(ctx)
	tplID := l.registry.GetTplID(funcID, template)

	if l.policy.ShouldMuteTemplate(funcID, tplID) {
		return
	}

	if trace.AppendLog(ctx, level, tplID, args) {
		return // buffered for the enclosing compress-mode traced call
	}

	// Outside compress mode, or outside any traced call: render and emit
	// immediately as a normal-mode line.
	l.sink.EmitNormal(level, l.name, renderTemplate(template, args), funcID, tplID)
}

// Info logs template interpolated with args at INFO level.
func (l *Logger) Info(ctx context.Context, template string, args ...any) { l.log(ctx, "INFO", template, args...) }

// Error logs template interpolated with args at ERROR level.
func (l *Logger) Error(ctx context.Context, template string, args ...any) {
	l.log(ctx, "ERROR", template, args...)
}

// Warn logs template interpolated with args at WARNING level.
func (l *Logger) Warn(ctx context.Context, template string, args ...any) {
	l.log(ctx, "WARNING", template, args...)
}

// Debug logs template interpolated with args at DEBUG level.
func (l *Logger) Debug(ctx context.Context, template string, args ...any) {
	l.log(ctx, "DEBUG", template, args...)
}

// renderTemplate performs a best-effort printf-style interpolation; a
// mismatched template never panics the instrumented program.
func renderTemplate(template string, args []any) (out string) {
	defer func() {
		if recover() != nil {
			out = fmt.Sprintf("%s | %v", template, args)
		}
	}()
	if len(args) == 0 {
		return template
	}
	return fmt.Sprintf(template, args...)
}
