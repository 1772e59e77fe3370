package ceremony

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDatabase_Snapshot(t *testing.T) {
	t.Parallel()
	db, err := OpenDatabase(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	_, err = db.LoadSnapshot(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)

	first := &Snapshot{ID: "c", Status: StatusActive, Chunks: 1, Rounds: 1, TakenAt: time.Unix(10, 0).UTC()}
	require.NoError(t, db.SaveSnapshot(context.Background(), first))
	second := &Snapshot{ID: "c", Status: StatusPaused, PausedReason: "why", Chunks: 1, Rounds: 1}
	require.NoError(t, db.SaveSnapshot(context.Background(), second))

	loaded, err := db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusPaused, loaded.Status)
	require.Equal(t, "why", loaded.PausedReason)
	require.True(t, loaded.TakenAt.IsZero())

	// an unreadable snapshot falls back to the one it replaced
	require.NoError(t, db.db.Put(snapshotKey, []byte{0xff}, nil))
	loaded, err = db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusActive, loaded.Status)
	require.Equal(t, first.TakenAt, loaded.TakenAt)
}
