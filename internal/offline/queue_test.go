package offline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/model"
)

func testSample(subject string, n int) model.LocationSample {
	return model.LocationSample{
		SubjectID:  subject,
		TenantID:   "school-a",
		Latitude:   24.7136,
		Longitude:  46.6753,
		CapturedAt: time.Date(2025, 9, 1, 4, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Second),
	}
}

func openQueue(t *testing.T, path string, max int) *SQLiteQueue {
	t.Helper()
	q, err := OpenSQLite(path, max)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck
	return q
}

func TestQueue_FIFO(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"), 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, testSample("s1", i)))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	entries, err := q.Drain(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.True(t, e.Sample.CapturedAt.Equal(testSample("s1", i).CapturedAt))
		assert.False(t, e.EnqueuedAt.IsZero())
	}

	// Drain does not remove.
	again, err := q.Drain(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, entries[0].Seq, again[0].Seq)

	require.NoError(t, q.Remove(ctx, entries[0].Seq))
	require.NoError(t, q.Remove(ctx, entries[0].Seq), "removing twice is harmless")
	entries, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.True(t, entries[0].Sample.CapturedAt.Equal(testSample("s1", 1).CapturedAt))
}

func TestQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := OpenSQLite(path, 10)
	require.NoError(t, err)
	acc := 12.5
	s := testSample("s1", 0)
	s.AccuracyMeters = &acc
	require.NoError(t, q.Enqueue(ctx, s))
	require.NoError(t, q.Close())

	reopened := openQueue(t, path, 10)
	entries, err := reopened.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].Sample.SubjectID)
	require.NotNil(t, entries[0].Sample.AccuracyMeters)
	assert.Equal(t, 12.5, *entries[0].Sample.AccuracyMeters)
}

func TestQueue_EvictsOldestWhenFull(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"), 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, testSample(fmt.Sprintf("s%d", i), i)))
	}
	entries, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "s2", entries[0].Sample.SubjectID)
	assert.Equal(t, "s4", entries[2].Sample.SubjectID)
}
