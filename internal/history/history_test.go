package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrelay/agent/internal/conn"
	"github.com/medrelay/agent/internal/item"
)

var _ conn.Recorder = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(instanceID, itemID string) *item.WorkItem {
	return &item.WorkItem{
		ID:         itemID,
		InstanceID: instanceID,
		Kind:       item.KindDicom,
		Status:     item.StatusPending,
		Attempts:   2,
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTerminal(ctx, testItem("i-1", "study-1"), "archive", item.StatusCompleted, ""))
	require.NoError(t, s.RecordTerminal(ctx, testItem("i-2", "study-2"), "pacs", item.StatusFailed, "no matching rule"))

	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Most recent first.
	assert.Equal(t, "i-2", records[0].InstanceID)
	assert.Equal(t, item.StatusFailed, records[0].Status)
	assert.Equal(t, "no matching rule", records[0].Detail)
	assert.Equal(t, "i-1", records[1].InstanceID)
	assert.Equal(t, item.StatusCompleted, records[1].Status)
	assert.Equal(t, item.KindDicom, records[1].Kind)
	assert.Equal(t, 2, records[1].Attempts)
	assert.WithinDuration(t, time.Now(), records[0].RecordedAt, time.Minute)
}

func TestRecordIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	it := testItem("i-1", "study-1")

	require.NoError(t, s.RecordTerminal(ctx, it, "archive", item.StatusCompleted, ""))
	require.NoError(t, s.RecordTerminal(ctx, it, "archive", item.StatusCompleted, ""))

	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecordRejectsNonTerminalStatus(t *testing.T) {
	s := openTestStore(t)
	err := s.RecordTerminal(context.Background(), testItem("i-1", "study-1"), "archive", item.StatusPending, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

func TestByItemTracesConnections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTerminal(ctx, testItem("i-1", "study-1"), "archive", item.StatusCompleted, ""))
	require.NoError(t, s.RecordTerminal(ctx, testItem("i-2", "study-1"), "mirror", item.StatusCompleted, ""))
	require.NoError(t, s.RecordTerminal(ctx, testItem("i-3", "study-9"), "archive", item.StatusCompleted, ""))

	records, err := s.ByItem(ctx, "study-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "archive", records[0].Connection)
	assert.Equal(t, "mirror", records[1].Connection)

	none, err := s.ByItem(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecentDefaultLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordTerminal(ctx, testItem("i-1", "study-1"), "archive", item.StatusCompleted, ""))

	records, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.RecordTerminal(context.Background(), testItem("i-1", "study-1"), "archive", item.StatusCompleted, ""))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	records, err := s2.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
