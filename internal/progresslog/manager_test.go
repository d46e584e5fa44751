package progresslog

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestAdvanceAndLastRemoteEndLSN(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenManager(filepath.Join(dir, "progress.log"))
	assert.NilError(t, err)
	defer m.Close()

	assert.Equal(t, m.LastRemoteEndLSN("origin1"), int64(0))

	assert.NilError(t, m.Advance("origin1", 100, 50))
	assert.Equal(t, m.LastRemoteEndLSN("origin1"), int64(100))

	assert.NilError(t, m.Advance("origin1", 200, 60))
	assert.Equal(t, m.LastRemoteEndLSN("origin1"), int64(200))
}

func TestProgressSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.log")

	m, err := OpenManager(path)
	assert.NilError(t, err)
	assert.NilError(t, m.Advance("origin1", 100, 50))
	assert.NilError(t, m.Advance("origin2", 300, 70))
	assert.NilError(t, m.Close())

	m2, err := OpenManager(path)
	assert.NilError(t, err)
	defer m2.Close()
	assert.Equal(t, m2.LastRemoteEndLSN("origin1"), int64(100))
	assert.Equal(t, m2.LastRemoteEndLSN("origin2"), int64(300))
}

func TestCheckpointIsReplayed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.log")

	m, err := OpenManager(path)
	assert.NilError(t, err)
	assert.NilError(t, m.Advance("origin1", 100, 50))
	assert.NilError(t, m.Checkpoint())
	assert.NilError(t, m.Advance("origin1", 150, 55))
	assert.NilError(t, m.Close())

	m2, err := OpenManager(path)
	assert.NilError(t, err)
	defer m2.Close()
	assert.Equal(t, m2.LastRemoteEndLSN("origin1"), int64(150))
}

func TestRecoverStopsAtCorruptTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.log")

	l, err := Open(path)
	assert.NilError(t, err)
	seq, err := l.Append(RecordAdvance, EncodeAdvance("origin1", 100, 50, true))
	assert.NilError(t, err)
	assert.Assert(t, seq > 0)
	assert.NilError(t, l.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	assert.NilError(t, err)
	_, err = f.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	assert.NilError(t, err)
	assert.NilError(t, f.Close())

	recovered, err := Recover(path)
	assert.NilError(t, err)
	assert.Equal(t, recovered.Progress["origin1"], int64(100))
}
