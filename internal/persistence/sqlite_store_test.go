package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "procmap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_ArtifactsRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first := &Artifact{
		RunID:      "r1",
		Kind:       "bottlenecks",
		Filename:   "bottlenecks.md",
		Content:    "# Bottlenecks\n\nApproval waits three days.",
		Language:   "eng",
		ExportedAt: time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond),
	}
	require.NoError(t, store.SaveArtifact(ctx, first))
	assert.NotZero(t, first.ID)

	second := &Artifact{RunID: "r1", Kind: "improvements", Filename: "improvements.md", Content: "# Improvements"}
	require.NoError(t, store.SaveArtifact(ctx, second))
	assert.False(t, second.ExportedAt.IsZero())

	require.NoError(t, store.SaveArtifact(ctx, &Artifact{RunID: "r2", Kind: "transcription", Content: "x"}))

	all, err := store.ListArtifacts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "bottlenecks", all[0].Kind)
	assert.Equal(t, first.Content, all[0].Content)
	assert.Equal(t, "eng", all[0].Language)
	assert.True(t, first.ExportedAt.Equal(all[0].ExportedAt))
	assert.Equal(t, "improvements", all[1].Kind)

	n, err := store.DeleteArtifacts(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err = store.ListArtifacts(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStore_RejectsIncompleteArtifact(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	assert.Error(t, store.SaveArtifact(context.Background(), &Artifact{Kind: "bottlenecks"}))
	assert.Error(t, store.SaveArtifact(context.Background(), nil))
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "procmap.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveArtifact(context.Background(), &Artifact{RunID: "r1", Kind: "transcription", Content: "T"}))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	all, err := store.ListArtifacts(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_init.sql"))
	assert.Equal(t, 12, migrationVersion("12_more.sql"))
	assert.Equal(t, 0, migrationVersion("init.sql"))
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("  ")
	assert.Error(t, err)
}
