package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hexpool/ipv6pool/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalDBAddHasSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "global.json")

	db, err := OpenGlobalDB(path)
	require.NoError(t, err)

	require.NoError(t, db.Add("2001:db8::1"))
	require.NoError(t, db.Add("2001:db8::1")) // idempotent
	assert.True(t, db.Has("2001:db8::1"))
	assert.Equal(t, 1, db.Count())

	require.NoError(t, db.Save())

	reloaded, err := OpenGlobalDB(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Has("2001:db8::1"))
}

func TestGlobalDBQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "global.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	db, err := OpenGlobalDB(path)
	require.NoError(t, err)
	assert.Equal(t, 0, db.Count())

	_, statErr := os.Stat(path + ".corrupt")
	assert.NoError(t, statErr, "corrupt file should be renamed aside")
}

func TestGlobalDBFlush(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenGlobalDB(filepath.Join(dir, "global.json"))
	require.NoError(t, err)
	require.NoError(t, db.Add("2001:db8::1"))

	require.NoError(t, db.Flush())
	assert.Equal(t, 0, db.Count())
}

func TestMirrorDBSyncFromGlobal(t *testing.T) {
	dir := t.TempDir()
	mdb, err := OpenMirrorDB(dir, "scraper-a")
	require.NoError(t, err)

	mdb.SyncFromGlobal([]model.Address{"2001:db8::1", "2001:db8::2"})
	stats := mdb.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Idle)

	// Prefix change: only ::2 remains in global.
	mdb.SyncFromGlobal([]model.Address{"2001:db8::2"})
	stats = mdb.GetStats()
	assert.Equal(t, 1, stats.Total)
}

func TestMirrorDBGetIdleAddrLRU(t *testing.T) {
	dir := t.TempDir()
	mdb, err := OpenMirrorDB(dir, "scraper-a")
	require.NoError(t, err)
	mdb.SyncFromGlobal([]model.Address{"2001:db8::2", "2001:db8::1"})

	// Both are idle with zero LastUsedAt: textual order breaks the tie.
	addr, ok := mdb.GetIdleAddr()
	require.True(t, ok)
	assert.Equal(t, model.Address("2001:db8::1"), addr)

	// ::1 is now "using"; only ::2 remains idle.
	addr2, ok := mdb.GetIdleAddr()
	require.True(t, ok)
	assert.Equal(t, model.Address("2001:db8::2"), addr2)

	_, ok = mdb.GetIdleAddr()
	assert.False(t, ok, "no idle addresses left")
}

func TestMirrorDBReleaseAddr(t *testing.T) {
	dir := t.TempDir()
	mdb, err := OpenMirrorDB(dir, "scraper-a")
	require.NoError(t, err)
	mdb.SyncFromGlobal([]model.Address{"2001:db8::1"})

	addr, ok := mdb.GetIdleAddr()
	require.True(t, ok)

	ok2, err := mdb.ReleaseAddr(model.ReportInfo{Addr: addr, Status: model.StatusBad})
	require.NoError(t, err)
	assert.True(t, ok2, "using -> bad is a valid transition")
	stats := mdb.GetStats()
	assert.Equal(t, 1, stats.Bad)

	_, err = mdb.ReleaseAddr(model.ReportInfo{Addr: addr, Status: model.StatusUsing})
	assert.Error(t, err, "clients cannot report using")
}

func TestMirrorDBReleaseUnknownAddrIsNoop(t *testing.T) {
	dir := t.TempDir()
	mdb, err := OpenMirrorDB(dir, "scraper-a")
	require.NoError(t, err)

	applied, err := mdb.ReleaseAddr(model.ReportInfo{Addr: "2001:db8::9", Status: model.StatusIdle})
	assert.NoError(t, err)
	assert.False(t, applied, "unknown address is a no-op")
}

func TestMirrorDBReleaseNotUsingIsNoop(t *testing.T) {
	dir := t.TempDir()
	mdb, err := OpenMirrorDB(dir, "scraper-a")
	require.NoError(t, err)
	mdb.SyncFromGlobal([]model.Address{"2001:db8::1"})

	// Address is idle, never picked up: a stale or duplicate report
	// naming it must not force a transition.
	applied, err := mdb.ReleaseAddr(model.ReportInfo{Addr: "2001:db8::1", Status: model.StatusBad})
	require.NoError(t, err)
	assert.False(t, applied, "idle address cannot be released")
	stats := mdb.GetStats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Bad)

	// Release it properly, then a second duplicate report is a no-op.
	addr, ok := mdb.GetIdleAddr()
	require.True(t, ok)
	applied, err = mdb.ReleaseAddr(model.ReportInfo{Addr: addr, Status: model.StatusIdle})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = mdb.ReleaseAddr(model.ReportInfo{Addr: addr, Status: model.StatusBad})
	require.NoError(t, err)
	assert.False(t, applied, "already-idle address is not using, so a duplicate report no-ops")
}

func TestMirrorDBSaveLoad(t *testing.T) {
	dir := t.TempDir()
	mdb, err := OpenMirrorDB(dir, "scraper-a")
	require.NoError(t, err)
	mdb.SyncFromGlobal([]model.Address{"2001:db8::1"})
	_, _ = mdb.GetIdleAddr()
	require.NoError(t, mdb.Save())

	reloaded, err := OpenMirrorDB(dir, "scraper-a")
	require.NoError(t, err)
	stats := reloaded.GetStats()
	assert.Equal(t, 1, stats.Using)
}
