package sidecar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrelay/agent/internal/item"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, "inst-1")

	w := &item.WorkItem{
		ID:             "study-9",
		InstanceID:     "inst-1",
		Kind:           item.KindDicom,
		Status:         item.StatusPending,
		FromConnection: "cloudIn",
		Attempts:       1,
	}
	require.NoError(t, Write(path, w))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, w.InstanceID, got.InstanceID)
	assert.Equal(t, w.Kind, got.Kind)
	assert.Equal(t, w.FromConnection, got.FromConnection)
}

func TestWrite_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, "inst-1")

	w := &item.WorkItem{ID: "a", InstanceID: "inst-1", Kind: item.KindFile}
	require.NoError(t, Write(path, w))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "inst-1.meta", entries[0].Name())
}

func TestRead_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, "bad")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Read(path)
	require.Error(t, err)
}

func TestRead_MissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, "empty")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := Read(path)
	require.Error(t, err, "record without instance ID must not recover")
}

func TestDelete_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, "inst-1")

	w := &item.WorkItem{ID: "a", InstanceID: "inst-1", Kind: item.KindFile}
	require.NoError(t, Write(path, w))

	require.NoError(t, Delete(path))
	require.NoError(t, Delete(path), "second delete is a no-op")
}

func TestScan_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()

	for _, id := range []string{"2-b", "1-a", "3-c"} {
		w := &item.WorkItem{ID: id, InstanceID: id, Kind: item.KindFile}
		require.NoError(t, Write(PathFor(dir, id), w))
	}
	// Non-sidecar files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	paths, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, PathFor(dir, "1-a"), paths[0])
	assert.Equal(t, PathFor(dir, "2-b"), paths[1])
	assert.Equal(t, PathFor(dir, "3-c"), paths[2])
}

func TestScan_MissingDir(t *testing.T) {
	paths, err := Scan(filepath.Join(t.TempDir(), "nope", "meta"))
	require.NoError(t, err)
	assert.Empty(t, paths)
}
