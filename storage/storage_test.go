package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limin5120/LogFun/registry"
)

func clientDoc(fid, name string, enabled bool) *registry.Document {
	return &registry.Document{
		AppName: "app",
		Functions: map[string]*registry.Function{
			fid: {Name: name, Enabled: enabled, Templates: map[string]*registry.Template{}},
		},
	}
}

func TestSyncConfigInsertsUnseenFunction(t *testing.T) {
	s := New(t.TempDir())
	doc := s.SyncConfig("app", clientDoc("1", "pkg.Foo", true))
	require.Contains(t, doc.Functions, "1")
	assert.True(t, doc.Functions["1"].Enabled)
}

func TestSyncConfigIsIdempotent(t *testing.T) {
	s := New(t.TempDir())
	client := clientDoc("1", "pkg.Foo", true)

	first := s.SyncConfig("app", client)
	second := s.SyncConfig("app", client)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(firstJSON), string(secondJSON))
}

func TestSyncConfigNeverClearsBalancerMute(t *testing.T) {
	s := New(t.TempDir())
	s.SyncConfig("app", clientDoc("1", "pkg.Foo", true))
	s.UpdateControl("app", "1", "", false, registry.MutedByBalancer)

	// Agent reconnects optimistically believing it's still enabled.
	doc := s.SyncConfig("app", clientDoc("1", "pkg.Foo", true))

	assert.False(t, doc.Functions["1"].Enabled)
	assert.Equal(t, registry.MutedByBalancer, doc.Functions["1"].MutedBy)
}

func TestSyncConfigNeverClearsManualMute(t *testing.T) {
	s := New(t.TempDir())
	s.SyncConfig("app", clientDoc("1", "pkg.Foo", true))
	s.UpdateControl("app", "1", "", false, registry.MutedByManual)

	doc := s.SyncConfig("app", clientDoc("1", "pkg.Foo", true))

	assert.False(t, doc.Functions["1"].Enabled)
	assert.Equal(t, registry.MutedByManual, doc.Functions["1"].MutedBy)
}

func TestUpdateControlCascadesToTemplates(t *testing.T) {
	s := New(t.TempDir())
	client := &registry.Document{
		AppName: "app",
		Functions: map[string]*registry.Function{
			"1": {
				Name:    "pkg.Foo",
				Enabled: true,
				Templates: map[string]*registry.Template{
					"5": {Content: "x=%s", Enabled: true},
				},
			},
		},
	}
	s.SyncConfig("app", client)
	s.UpdateControl("app", "1", "", false, registry.MutedByManual)

	doc := s.GetAppConfig("app")
	assert.False(t, doc.Functions["1"].Enabled)
	assert.False(t, doc.Functions["1"].Templates["5"].Enabled)
	assert.Equal(t, registry.MutedByManual, doc.Functions["1"].Templates["5"].MutedBy)
}

func TestUpdateStatsAccumulates(t *testing.T) {
	s := New(t.TempDir())
	s.UpdateStats("app", map[string]int64{"17": 50})
	s.UpdateStats("app", map[string]int64{"17": 30})

	assert.Equal(t, int64(80), s.BlockedStats("app")["17"])
}

func TestWriteLogAppends(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.WriteLog("app", "line one")
	s.WriteLog("app", "line two")

	data, err := os.ReadFile(filepath.Join(dir, "app", "app.log"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestInvalidateForcesReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.SyncConfig("app", clientDoc("1", "pkg.Foo", true))

	// Simulate an external edit to the policy file.
	path := filepath.Join(dir, "app", "app.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	s.Invalidate("app")

	doc := s.GetAppConfig("app")
	require.Contains(t, doc.Functions, "1")
}

func TestWasOwnWriteDetectsExternalEdit(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.SyncConfig("app", clientDoc("1", "pkg.Foo", true))

	assert.True(t, s.WasOwnWrite("app"))

	path := filepath.Join(dir, "app", "app.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"app_name":"app","functions":{}}`), 0o644))

	assert.False(t, s.WasOwnWrite("app"))
}
