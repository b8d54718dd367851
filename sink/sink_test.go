package sink

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limin5120/LogFun/agentconfig"
	"github.com/limin5120/LogFun/trace"
)

func constMode(m agentconfig.Mode) func() agentconfig.Mode {
	return func() agentconfig.Mode { return m }
}

func TestEmitNormalFileModeWritesHumanReadableLine(t *testing.T) {
	dir := t.TempDir()
	w := New("app", dir, constMode(agentconfig.ModeFile), nil)
	w.Start()

	w.EmitNormal("INFO", "pkg.Foo", "hello world", 3, 0)

	w.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, "[pkg.Foo]")
	assert.Contains(t, line, "INFO:")
	assert.Contains(t, line, "hello world")
}

type fakeRemote struct {
	sent   [][]byte
	accept bool
}

func (f *fakeRemote) SendLog(payload []byte) bool {
	if !f.accept {
		return false
	}
	f.sent = append(f.sent, payload)
	return true
}

func TestEmitCompressedRemoteModeSendsThroughTransport(t *testing.T) {
	remote := &fakeRemote{accept: true}
	w := New("app", t.TempDir(), constMode(agentconfig.ModeRemote), remote)
	w.Start()

	rec := &trace.Record{StartTime: 100, DurationMS: 5, FuncID: 9, Entries: []trace.Entry{{Level: "INFO", TplID: 1, Values: []any{"x"}}}}
	w.EmitCompressed(rec)

	time.Sleep(50 * time.Millisecond)
	w.Stop()

	require.Len(t, remote.sent, 1)
	assert.Contains(t, string(remote.sent[0]), `"type":"compress"`)
}

func TestRemoteFailureFallsBackToFile(t *testing.T) {
	dir := t.TempDir()
	remote := &fakeRemote{accept: false}
	w := New("app", dir, constMode(agentconfig.ModeRemote), remote)
	w.Start()

	w.EmitNormal("ERROR", "pkg.Bar", "boom", 2, 0)

	time.Sleep(50 * time.Millisecond)
	w.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[pkg.Bar]")
	assert.Empty(t, remote.sent)
}

func TestFileClosedOnModeTransitionAwayFromFile(t *testing.T) {
	dir := t.TempDir()

	var mode atomic.Value
	mode.Store(agentconfig.ModeFile)
	w := New("app", dir, func() agentconfig.Mode { return mode.Load().(agentconfig.Mode) }, nil)
	w.Start()

	w.EmitNormal("INFO", "pkg", "first", 1, 0)
	time.Sleep(flushInterval + 100*time.Millisecond) // a single item is delivered on the next tick

	w.fileMu.Lock()
	require.NotNil(t, w.file, "fallback file should be open while mode is FILE")
	w.fileMu.Unlock()

	mode.Store(agentconfig.ModeDev)
	w.EmitNormal("INFO", "pkg", "second", 1, 0)
	time.Sleep(flushInterval + 100*time.Millisecond)

	w.fileMu.Lock()
	assert.Nil(t, w.file, "fallback file should be closed once mode transitions away from FILE")
	w.fileMu.Unlock()

	w.Stop()
}

func TestBatchFlushesOnTypeChange(t *testing.T) {
	dir := t.TempDir()
	w := New("app", dir, constMode(agentconfig.ModeFile), nil)
	w.Start()

	rec := &trace.Record{StartTime: 1, DurationMS: 1, FuncID: 1, Entries: []trace.Entry{{Level: "INFO", TplID: 1}}}
	w.EmitCompressed(rec)
	w.EmitNormal("INFO", "pkg", "msg", 1, 1)

	time.Sleep(50 * time.Millisecond)
	w.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
}
