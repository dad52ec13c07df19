package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
)

func newTestChromem(t *testing.T, path string) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemOptions{Path: path, Collection: "test_memory"}, HashEmbedder(128), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestChromemStore_SearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t, "")

	require.NoError(t, store.Add(ctx, []Record{
		{ID: "r1", Content: "weekly newsletter sent to the marketing team", Metadata: map[string]string{"plugin": "smtp-email"}},
		{ID: "r2", Content: "database backup finished overnight"},
		{ID: "r3", Content: "reminder pushed over whatsapp"},
	}))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := store.Search(ctx, "send newsletter to marketing", 10)
	require.NoError(t, err)
	require.Len(t, results, 3, "k is capped to the collection size")
	assert.Equal(t, "r1", results[0].ID)
	assert.Equal(t, "smtp-email", results[0].Metadata["plugin"])
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestChromemStore_EmptyCollection(t *testing.T) {
	store := newTestChromem(t, "")

	results, err := store.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_RejectsIncompleteRecords(t *testing.T) {
	store := newTestChromem(t, "")
	err := store.Add(context.Background(), []Record{{ID: "r1"}})
	assert.Error(t, err)
}

func TestChromemStore_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := newTestChromem(t, dir)
	require.NoError(t, first.Add(ctx, []Record{{ID: "r1", Content: "quarterly report emailed"}}))
	require.NoError(t, first.Close())

	second := newTestChromem(t, dir)
	n, err := second.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChromemStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t, "")
	require.NoError(t, store.Close())

	_, err := store.Search(ctx, "x", 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Add(ctx, []Record{{ID: "a", Content: "b"}}), ErrClosed)
}
