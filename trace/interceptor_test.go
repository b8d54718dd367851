package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct{ nextID int }

func (f *fakeRegistry) GetFuncID(name string) int {
	f.nextID++
	return f.nextID
}

type fakePolicy struct{ muted map[int]bool }

func (f *fakePolicy) ShouldMuteFunc(funcID int) bool { return f.muted[funcID] }

type fakeSink struct {
	compressed []*Record
	normal     []string
}

func (f *fakeSink) EmitCompressed(rec *Record) { f.compressed = append(f.compressed, rec) }
func (f *fakeSink) EmitNormal(level, name, msg string, funcID, tplID int) {
	f.normal = append(f.normal, level+":"+msg)
}

func TestContextRestoredAfterCall(t *testing.T) {
	reg := &fakeRegistry{}
	pol := &fakePolicy{muted: map[int]bool{}}
	sink := &fakeSink{}
	in := New(reg, pol, sink, func() LogMode { return ModeCompress })

	traced := in.Wrap("pkg.Foo")

	ctx := context.Background()
	assert.Equal(t, 0, CurrentFuncID(ctx))

	_, err := traced.Call(ctx, func(inner context.Context) (any, error) {
		assert.Equal(t, traced.FuncID(), CurrentFuncID(inner))
		AppendLog(inner, "INFO", 1, []any{"hi"})
		return nil, nil
	})
	require.NoError(t, err)

	// Parent context is untouched after the call returns.
	assert.Equal(t, 0, CurrentFuncID(ctx))
	require.Len(t, sink.compressed, 1)
	assert.Len(t, sink.compressed[0].Entries, 1)
}

func TestContextRestoredOnPanic(t *testing.T) {
	reg := &fakeRegistry{}
	pol := &fakePolicy{muted: map[int]bool{}}
	sink := &fakeSink{}
	in := New(reg, pol, sink, func() LogMode { return ModeCompress })
	traced := in.Wrap("pkg.Boom")

	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = traced.Call(ctx, func(inner context.Context) (any, error) {
			panic("kaboom")
		})
	})

	assert.Equal(t, 0, CurrentFuncID(ctx))
}

func TestMutedFunctionSkipsRecording(t *testing.T) {
	reg := &fakeRegistry{}
	sink := &fakeSink{}
	in := New(reg, &fakePolicy{muted: map[int]bool{1: true}}, sink, func() LogMode { return ModeCompress })
	traced := in.Wrap("pkg.Foo")

	called := false
	_, err := traced.Call(context.Background(), func(inner context.Context) (any, error) {
		called = true
		AppendLog(inner, "INFO", 1, []any{"x"})
		return nil, nil
	})

	require.NoError(t, err)
	assert.True(t, called, "muted function must still be called transparently")
	assert.Empty(t, sink.compressed, "muted function must not flush a record")
}

func TestNormalModeEmitsEntryExitAndError(t *testing.T) {
	reg := &fakeRegistry{}
	sink := &fakeSink{}
	in := New(reg, &fakePolicy{muted: map[int]bool{}}, sink, func() LogMode { return ModeNormal })
	traced := in.Wrap("pkg.Foo")

	_, err := traced.Call(context.Background(), func(inner context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Len(t, sink.normal, 2) // entry + exit

	sink.normal = nil
	_, err = traced.Call(context.Background(), func(inner context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	require.Len(t, sink.normal, 2) // entry + error
	assert.Contains(t, sink.normal[1], "ERROR:")
}

func TestMutedCompressCallDoesNotAllocateBuffer(t *testing.T) {
	reg := &fakeRegistry{}
	sink := &fakeSink{}
	in := New(reg, &fakePolicy{muted: map[int]bool{1: true}}, sink, func() LogMode { return ModeCompress })
	traced := in.Wrap("pkg.Foo")

	_, err := traced.Call(context.Background(), func(inner context.Context) (any, error) {
		scope := CurrentScope(inner)
		require.NotNil(t, scope)
		assert.Nil(t, scope.Buffer, "muted call must not allocate an entry buffer")
		return nil, nil
	})
	require.NoError(t, err)
}

func TestTemplateMuteEvaluatedInsideLogCallNotAtEntry(t *testing.T) {
	// Function-level mute is checked once at entry; template-level mute is
	// the log call's own concern (policy.ShouldMuteTemplate), exercised via
	// AppendLog's caller (the applog package), not the interceptor itself.
	reg := &fakeRegistry{}
	sink := &fakeSink{}
	in := New(reg, &fakePolicy{muted: map[int]bool{}}, sink, func() LogMode { return ModeCompress })
	traced := in.Wrap("pkg.Foo")

	_, err := traced.Call(context.Background(), func(inner context.Context) (any, error) {
		ok := AppendLog(inner, "INFO", 5, nil)
		assert.True(t, ok)
		return nil, nil
	})
	require.NoError(t, err)
}
