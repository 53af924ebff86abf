package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RecordingStore {
	t.Helper()
	database := openSQLite(t)
	require.NoError(t, RunMigrations(database, SQLite))
	return NewRecordingStore(database, SQLite)
}

func TestRecordingStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := Recording{
		Platform: "Twitch", Channel: "alpha", Title: "Show", Timestamp: 100,
		URL: "https://twitch.tv/alpha", File: "alpha/show.ts", ChatFile: "alpha/show.txt", InProgress: true,
	}
	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	// duplicate key is rejected by the primary key
	assert.Error(t, s.Insert(ctx, rec))

	orig := rec.Key()
	rec.File = "alpha/show.mp4"
	rec.InProgress = false
	require.NoError(t, s.Update(ctx, orig, rec))
	got, err = s.Get(ctx, orig)
	require.NoError(t, err)
	assert.Equal(t, "alpha/show.mp4", got.File)
	assert.False(t, got.InProgress)

	require.NoError(t, s.Delete(ctx, orig))
	_, err = s.Get(ctx, orig)
	assert.ErrorIs(t, err, ErrNotFound)
	// deleting again is fine
	assert.NoError(t, s.Delete(ctx, orig))
}

func TestRecordingStoreNullChatFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := Recording{Platform: "Kick", Channel: "gamma", Title: "t", Timestamp: 5, URL: "u", File: "gamma/a.ts"}
	require.NoError(t, s.Insert(ctx, rec))

	var isNull bool
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT chat_filename IS NULL FROM recordings WHERE channel = 'gamma'`).Scan(&isNull))
	assert.True(t, isNull)

	got, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Empty(t, got.ChatFile)
}

func TestRecordingStoreUpdateChangesKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := Recording{Platform: "Twitch", Channel: "alpha", Title: "t", Timestamp: 10, URL: "u", File: "f"}
	require.NoError(t, s.Insert(ctx, rec))

	moved := rec
	moved.Channel = "alpha2"
	moved.Timestamp = 11
	require.NoError(t, s.Update(ctx, rec.Key(), moved))

	_, err := s.Get(ctx, rec.Key())
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get(ctx, moved.Key())
	require.NoError(t, err)
	assert.Equal(t, moved, got)
}

func TestRecordingStoreUpdateMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(context.Background(), RecordingKey{Platform: "x", Channel: "y", Timestamp: 1}, Recording{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordingStoreListOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, ts := range []int64{30, 10, 20} {
		require.NoError(t, s.Insert(ctx, Recording{Platform: "p", Channel: "c", Timestamp: ts, Title: "t", URL: "u", File: "f"}))
	}
	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{10, 20, 30}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})
}
