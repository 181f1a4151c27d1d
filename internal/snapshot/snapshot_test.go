package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnora/internal/models"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSaveAndLoad_PreservesOrderAndFields(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	posts := []models.Post{
		{ID: "b", AuthorID: "u2", AuthorDisplayName: "Grace", Content: "second", CreatedAt: created,
			ImageRefs: []string{"/api/media/1", "/api/media/2"}, VideoRef: "/api/media/v",
			CommentCount: 2, Reactions: models.ReactionSummary{Count: 7, LikedByMe: true}},
		{ID: "temp-1", Content: "optimistic"},
		{ID: "a", AuthorID: "u1", Content: "first", CreatedAt: created.Add(-time.Hour)},
	}
	require.NoError(t, s.Save(ctx, posts))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "b", loaded[0].ID)
	assert.Equal(t, "a", loaded[1].ID)

	b := loaded[0]
	assert.Equal(t, "Grace", b.AuthorDisplayName)
	assert.Equal(t, []string{"/api/media/1", "/api/media/2"}, b.ImageRefs)
	assert.Equal(t, "/api/media/v", b.VideoRef)
	assert.Equal(t, 2, b.CommentCount)
	assert.Equal(t, models.ReactionSummary{Count: 7, LikedByMe: true}, b.Reactions)
	assert.True(t, created.Equal(b.CreatedAt))
}

func TestSave_ReplacesPreviousSnapshot(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []models.Post{{ID: "a"}, {ID: "b"}}))
	require.NoError(t, s.Save(ctx, []models.Post{{ID: "c"}}))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "c", loaded[0].ID)

	require.NoError(t, s.Save(ctx, nil))
	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSnapshot_SurvivesReopen(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	_, ok, err := s.SavedAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, []models.Post{{ID: "a", Content: "kept"}}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "kept", loaded[0].Content)

	savedAt, ok, err := reopened.SavedAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), savedAt, time.Minute)
}
