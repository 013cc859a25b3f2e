package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRetentionManager_RunNowRecordsOutcome(t *testing.T) {
	rm := NewRetentionManager(RetentionConfig{}, zaptest.NewLogger(t).Sugar())

	require.NoError(t, rm.AddJob("ok", "@daily", func(ctx context.Context) (int64, error) { return 0, nil }))
	require.NoError(t, rm.AddJob("broken", "", func(ctx context.Context) (int64, error) { return 0, nil }))

	rm.RunNow("ok", func(ctx context.Context) (int64, error) { return 4, nil })
	rm.RunNow("broken", func(ctx context.Context) (int64, error) { return 0, errors.New("disk full") })

	jobs := rm.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "broken", jobs[0].Name)
	assert.Equal(t, "disk full", jobs[0].Error)
	assert.Equal(t, "@hourly", jobs[0].Schedule)
	assert.Equal(t, "ok", jobs[1].Name)
	assert.EqualValues(t, 4, jobs[1].Removed)
	assert.Equal(t, "@daily", jobs[1].Schedule)
	assert.False(t, jobs[1].LastRun.IsZero())
}

func TestRetentionManager_RejectsBadJobs(t *testing.T) {
	rm := NewRetentionManager(DefaultRetentionConfig(), nil)
	noop := func(ctx context.Context) (int64, error) { return 0, nil }

	assert.Error(t, rm.AddJob("bad", "not a schedule", noop))
	assert.Empty(t, rm.Jobs())

	require.NoError(t, rm.AddJob("dup", "", noop))
	assert.Error(t, rm.AddJob("dup", "", noop))
}

func TestRetentionManager_RecoversPanics(t *testing.T) {
	rm := NewRetentionManager(DefaultRetentionConfig(), zaptest.NewLogger(t).Sugar())

	assert.NotPanics(t, func() {
		rm.RunNow("explodes", func(ctx context.Context) (int64, error) { panic("boom") })
	})
}

func TestRetentionManager_CutoffJobPurgesDeadLetters(t *testing.T) {
	db := newTestSQLite(t)
	logger := zaptest.NewLogger(t).Sugar()
	store := NewSQLiteDeadLetterStore(db, logger)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Add(ctx, deadLetter("ancient", "ev-1", now.AddDate(0, 0, -40))))
	require.NoError(t, store.Add(ctx, deadLetter("recent", "ev-2", now.AddDate(0, 0, -1))))

	rm := NewRetentionManager(DefaultRetentionConfig(), logger)
	require.NoError(t, rm.AddCutoffJob("dead_letters", 30, store.PurgeBefore))
	require.NoError(t, rm.AddCutoffJob("disabled", 0, store.PurgeBefore))
	require.Len(t, rm.Jobs(), 1)

	rm.RunNow("dead_letters", func(ctx context.Context) (int64, error) {
		return store.PurgeBefore(ctx, time.Now().UTC().AddDate(0, 0, -30))
	})
	assert.EqualValues(t, 1, rm.Jobs()[0].Removed)

	rm.Start()
	rm.Start()
	rm.Stop()
	rm.Stop()

	letters, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "recent", letters[0].ID)
}
