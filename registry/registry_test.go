package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFuncIDIsStable(t *testing.T) {
	r := New("demo", filepath.Join(t.TempDir(), "demo.json"))

	id1 := r.GetFuncID("pkg.Foo")
	id2 := r.GetFuncID("pkg.Foo")
	id3 := r.GetFuncID("pkg.Bar")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestGetTplIDGlobalUniqueness(t *testing.T) {
	r := New("demo", filepath.Join(t.TempDir(), "demo.json"))

	fid1 := r.GetFuncID("pkg.Foo")
	fid2 := r.GetFuncID("pkg.Bar")

	t1 := r.GetTplID(fid1, "x=%s")
	t2 := r.GetTplID(fid2, "x=%s")

	assert.NotEqual(t, t1, t2, "TplID uniqueness must be global, not scoped per function")
}

func TestIsEnabledRecordsBlock(t *testing.T) {
	r := New("demo", filepath.Join(t.TempDir(), "demo.json"))
	fid := r.GetFuncID("pkg.Foo")
	r.doc.Functions[itoa(fid)].Enabled = false

	assert.False(t, r.IsEnabled(fid, 0, false))

	stats := r.GetAndClearStats()
	assert.Equal(t, int64(1), stats[itoa(fid)])

	// clearing drains the counters
	assert.False(t, r.IsEnabled(fid, 0, false))
	stats = r.GetAndClearStats()
	assert.Equal(t, int64(1), stats[itoa(fid)])
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.json")
	r := New("demo", path)

	fid := r.GetFuncID("pkg.Foo")
	r.GetTplID(fid, "hello %s")
	r.Save()

	loaded := Load("demo", path)
	assert.Equal(t, fid, loaded.GetFuncID("pkg.Foo"))

	nextFuncID := loaded.GetFuncID("pkg.NewFunc")
	assert.Greater(t, nextFuncID, fid, "next_func_id must be strictly greater than any loaded ID")
}

func TestLoadToleratesMissingFile(t *testing.T) {
	r := Load("demo", filepath.Join(t.TempDir(), "missing.json"))
	require.NotNil(t, r)
	// Only the reserved FuncID 0 entry is present.
	assert.Equal(t, 1, len(r.doc.Functions))
	assert.Contains(t, r.doc.Functions, "0")
}

func TestSyncFromServerNeverClearsMutedBy(t *testing.T) {
	r := New("demo", filepath.Join(t.TempDir(), "demo.json"))
	fid := r.GetFuncID("pkg.Foo")

	server := &Document{
		AppName: "demo",
		Functions: map[string]*Function{
			itoa(fid): {Name: "pkg.Foo", Enabled: false, MutedBy: MutedByManual, Templates: map[string]*Template{}},
		},
	}
	r.SyncFromServer(server)

	assert.False(t, r.IsEnabled(fid, 0, false))
	assert.Equal(t, MutedByManual, r.doc.Functions[itoa(fid)].MutedBy)
}

func TestSyncFromServerClearsStatsOnReEnable(t *testing.T) {
	r := New("demo", filepath.Join(t.TempDir(), "demo.json"))
	fid := r.GetFuncID("pkg.Foo")
	r.doc.Functions[itoa(fid)].Enabled = false
	r.IsEnabled(fid, 0, false)
	require.NotZero(t, r.GetAndClearStats()[itoa(fid)])

	r.doc.Functions[itoa(fid)].Enabled = false
	r.recordBlock(itoa(fid))

	server := &Document{
		Functions: map[string]*Function{
			itoa(fid): {Name: "pkg.Foo", Enabled: true, Templates: map[string]*Template{}},
		},
	}
	r.SyncFromServer(server)

	stats := r.GetAndClearStats()
	assert.Zero(t, stats[itoa(fid)])
}
