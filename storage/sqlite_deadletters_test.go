package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"castellan/core"
	"castellan/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var _ queue.DeadLetterStore = (*SQLiteDeadLetterStore)(nil)

func deadLetter(id, eventID string, at time.Time) core.DeadLetter {
	return core.DeadLetter{
		ID: id,
		Event: &core.QueuedEvent{
			Event: &core.LogEvent{
				ID:        eventID,
				Timestamp: at.Add(-time.Minute),
				Source:    "sensor",
				EventType: "login_failed",
				SourceIP:  "10.0.0.7",
				Payload:   map[string]interface{}{"attempt": float64(3)},
			},
			Priority:   2,
			EnqueuedAt: at.Add(-30 * time.Second),
			Sequence:   7,
			RetryCount: 3,
			LastError:  "instance unreachable",
		},
		Reason:         queue.ReasonMaxRetries,
		DeadLetteredAt: at,
	}
}

func TestSQLiteDeadLetterStore_AddListCount(t *testing.T) {
	db := newTestSQLite(t)
	store := NewSQLiteDeadLetterStore(db, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Add(ctx, deadLetter(fmt.Sprintf("dl-%d", i), fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Minute))))
	}
	// same id again is ignored
	require.NoError(t, store.Add(ctx, deadLetter("dl-0", "ev-0", base)))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "dl-2", all[0].ID, "newest first")
	assert.Equal(t, "dl-0", all[2].ID)

	got := all[2]
	assert.Equal(t, queue.ReasonMaxRetries, got.Reason)
	assert.True(t, got.DeadLetteredAt.Equal(base))
	require.NotNil(t, got.Event)
	assert.Equal(t, "ev-0", got.Event.EventID())
	assert.Equal(t, 3, got.Event.RetryCount)
	assert.Equal(t, "instance unreachable", got.Event.LastError)
	assert.Equal(t, "10.0.0.7", got.Event.Event.SourceIP)
	assert.Equal(t, float64(3), got.Event.Event.Payload["attempt"])

	limited, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	one, err := store.Get(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", one.Event.EventID())

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteDeadLetterStore_RejectsEmptyEvent(t *testing.T) {
	store := NewSQLiteDeadLetterStore(newTestSQLite(t), nil)

	err := store.Add(context.Background(), core.DeadLetter{ID: "x"})
	assert.True(t, core.IsValidation(err))
}

func TestSQLiteDeadLetterStore_EventIDsAndPurge(t *testing.T) {
	db := newTestSQLite(t)
	store := NewSQLiteDeadLetterStore(db, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Add(ctx, deadLetter("old", "ev-old", now.Add(-48*time.Hour))))
	require.NoError(t, store.Add(ctx, deadLetter("new", "ev-new", now)))

	ids, err := store.EventIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ev-old", "ev-new"}, ids)

	removed, err := store.PurgeBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	n, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// A queue backed by SQLite keeps refusing redelivery of dead-lettered events
// after a restart.
func TestSQLiteDeadLetterStore_SurvivesQueueRestart(t *testing.T) {
	db := newTestSQLite(t)
	logger := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()

	q := queue.New(queue.DefaultConfig(), NewSQLiteDeadLetterStore(db, logger), logger)
	ev := &core.LogEvent{ID: "ev-1", Timestamp: time.Now().UTC(), Source: "sensor", EventType: "exploit"}
	qe := &core.QueuedEvent{Event: ev, EnqueuedAt: time.Now().UTC()}
	require.NoError(t, q.MoveToDeadLetter(ctx, qe, queue.ReasonRejected))
	q.Close()

	restarted := queue.New(queue.DefaultConfig(), NewSQLiteDeadLetterStore(db, logger), logger)
	defer restarted.Close()
	loaded, err := restarted.LoadDeadLetterIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.True(t, restarted.IsDeadLettered(ctx, "ev-1"))

	found, err := NewSQLiteDeadLetterStore(db, logger).Contains(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = NewSQLiteDeadLetterStore(db, logger).Contains(ctx, "ev-2")
	require.NoError(t, err)
	assert.False(t, found)

	count, err := restarted.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
