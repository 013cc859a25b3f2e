package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"castellan/core"
	"castellan/queue"
	"castellan/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClaimNextHandsOutOldestEvent(t *testing.T) {
	h := newHarness(t, "puller")
	d := h.dispatcher(t, Config{})
	ids := h.enqueue(t, 2)

	req, err := d.ClaimNext(context.Background(), "puller", time.Second)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, ids[0], req.EventID)
	assert.Equal(t, "puller", req.InstanceID)
	assert.NotEmpty(t, req.ClaimToken)
	assert.False(t, req.LeaseExpires.IsZero())
	require.NotNil(t, req.Event)
	assert.Equal(t, ids[0], req.Event.EventID())

	rec, _, err := state.GetAs[ClaimRecord](context.Background(), h.store, ClaimKeyPrefix+ids[0])
	require.NoError(t, err)
	assert.Equal(t, req.ClaimToken, rec.ClaimToken)
	assert.Empty(t, h.transport.claimed(), "pulled events are not pushed")
	assert.Equal(t, 1, h.queue.Size())
}

func TestClaimNextSkipsEventsClaimedElsewhere(t *testing.T) {
	h := newHarness(t, "puller")
	d := h.dispatcher(t, Config{})
	ids := h.enqueue(t, 2)

	_, inserted, err := h.store.TrySet(context.Background(), ClaimKeyPrefix+ids[0], ClaimRecord{EventID: ids[0], Coordinator: "other"})
	require.NoError(t, err)
	require.True(t, inserted)

	req, err := d.ClaimNext(context.Background(), "puller", time.Second)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, ids[1], req.EventID)
	assert.Equal(t, uint64(1), d.GetStats().Duplicates)
}

func TestClaimNextTimesOutOnEmptyQueue(t *testing.T) {
	h := newHarness(t, "puller")
	d := h.dispatcher(t, Config{})

	req, err := d.ClaimNext(context.Background(), "puller", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestClaimNextRejectsUnknownInstance(t *testing.T) {
	h := newHarness(t, "puller")
	d := h.dispatcher(t, Config{})
	h.enqueue(t, 1)

	_, err := d.ClaimNext(context.Background(), "ghost", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)
	assert.Equal(t, 1, h.queue.Size(), "nothing is dequeued for an unknown instance")
}

func TestClaimNextAckKeepsEventDelivered(t *testing.T) {
	h := newHarness(t, "puller")
	d := h.dispatcher(t, Config{LeaseTTL: time.Minute})
	ids := h.enqueue(t, 1)
	ctx := context.Background()

	req, err := d.ClaimNext(ctx, "puller", time.Second)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, 1, d.GetStats().Leases)

	rec, _, err := state.GetAs[ClaimRecord](ctx, h.store, ClaimKeyPrefix+ids[0])
	require.NoError(t, err)
	assert.False(t, rec.LeaseExpires.IsZero())

	err = d.AckClaim(ctx, ids[0], "wrong-token")
	assert.ErrorIs(t, err, core.ErrClaimNotFound)
	require.NoError(t, d.AckClaim(ctx, ids[0], req.ClaimToken))
	assert.ErrorIs(t, d.AckClaim(ctx, ids[0], req.ClaimToken), core.ErrClaimNotFound, "acks are single use")

	assert.Zero(t, d.ExpireLeases(time.Now().Add(time.Hour)))
	assert.Equal(t, 0, h.queue.Size())

	rec, _, err = state.GetAs[ClaimRecord](ctx, h.store, ClaimKeyPrefix+ids[0])
	require.NoError(t, err)
	assert.True(t, rec.LeaseExpires.IsZero(), "acked markers carry no lease")
	assert.Equal(t, req.ClaimToken, rec.ClaimToken)

	st := d.GetStats()
	assert.Equal(t, uint64(1), st.Acked)
	assert.Zero(t, st.Leases)
}

func TestClaimNextUnackedEventReturnsToQueue(t *testing.T) {
	h := newHarness(t, "puller")
	d := h.dispatcher(t, Config{LeaseTTL: time.Minute, MaxAttempts: 3})
	ids := h.enqueue(t, 1)
	ctx := context.Background()

	first, err := d.ClaimNext(ctx, "puller", time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	assert.Zero(t, d.ExpireLeases(time.Now()), "lease still running")
	assert.Equal(t, 1, d.ExpireLeases(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 1, h.queue.Size())
	assert.ErrorIs(t, d.AckClaim(ctx, ids[0], first.ClaimToken), core.ErrClaimNotFound, "late acks are refused")

	second, err := d.ClaimNext(ctx, "puller", time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, ids[0], second.EventID)
	assert.NotEqual(t, first.ClaimToken, second.ClaimToken)
	assert.Equal(t, 1, second.Event.RetryCount)
	assert.Contains(t, second.Event.LastError, "expired")
	assert.Equal(t, uint64(1), d.GetStats().LeasesExpired)
}

func TestClaimNextReclaimsLapsedLeaseWhenReleaseFails(t *testing.T) {
	h := newHarness(t, "puller")
	store := &flakyDeleteStore{MemoryStore: h.store}
	d := New(Config{InstanceID: "coordinator", LeaseTTL: 20 * time.Millisecond}, h.queue, h.registry, h.balancer, store,
		zaptest.NewLogger(t).Sugar(), WithSleep(noSleep))
	t.Cleanup(d.Stop)
	ids := h.enqueue(t, 1)
	ctx := context.Background()

	first, err := d.ClaimNext(ctx, "puller", time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(30 * time.Millisecond)
	store.failures.Store(1)
	require.Equal(t, 1, d.ExpireLeases(time.Now()))
	_, err = h.store.Get(ctx, ClaimKeyPrefix+ids[0])
	require.NoError(t, err, "the marker outlives the failed release")

	second, err := d.ClaimNext(ctx, "puller", time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, ids[0], second.EventID)
	assert.Equal(t, uint64(1), d.GetStats().Reclaimed)
}

// cancelAfterTrySet cancels the caller once the claim marker is written,
// as if the HTTP client went away mid-request
type cancelAfterTrySet struct {
	*state.MemoryStore
	cancel context.CancelFunc
}

func (s *cancelAfterTrySet) TrySet(ctx context.Context, key string, value interface{}, opts ...state.SetOption) (*state.Entry, bool, error) {
	e, ok, err := s.MemoryStore.TrySet(ctx, key, value, opts...)
	s.cancel()
	return e, ok, err
}

func TestClaimNextRequeuesWhenCallerGoesAway(t *testing.T) {
	h := newHarness(t, "puller")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfterTrySet{MemoryStore: h.store, cancel: cancel}
	d := New(Config{InstanceID: "coordinator"}, h.queue, h.registry, h.balancer, store,
		zaptest.NewLogger(t).Sugar(), WithSleep(noSleep))
	t.Cleanup(d.Stop)
	ids := h.enqueue(t, 1)

	req, err := d.ClaimNext(ctx, "puller", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, req)

	assert.Equal(t, 1, h.queue.Size())
	assert.Zero(t, d.GetStats().Leases)
	_, err = h.store.Get(context.Background(), ClaimKeyPrefix+ids[0])
	assert.ErrorIs(t, err, core.ErrKeyNotFound, "marker released")
}

func TestFailClaim(t *testing.T) {
	h := newHarness(t, "puller")
	d := h.dispatcher(t, Config{MaxAttempts: 2})
	ids := h.enqueue(t, 1)
	ctx := context.Background()

	req, err := d.ClaimNext(ctx, "puller", time.Second)
	require.NoError(t, err)
	require.NoError(t, d.FailClaim(ctx, ids[0], req.ClaimToken, errors.New("parser crashed")))
	assert.Equal(t, 1, h.queue.Size())

	req, err = d.ClaimNext(ctx, "puller", time.Second)
	require.NoError(t, err)
	assert.Contains(t, req.Event.LastError, "parser crashed")
	require.NoError(t, d.FailClaim(ctx, ids[0], req.ClaimToken, nil))
	assert.Equal(t, 0, h.queue.Size())

	dls, err := h.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, queue.ReasonRejected, dls[0].Reason)
	assert.ErrorIs(t, d.FailClaim(ctx, ids[0], req.ClaimToken, nil), core.ErrClaimNotFound)
}

func TestStopReturnsUnackedEvents(t *testing.T) {
	h := newHarness(t, "puller")
	d := h.dispatcher(t, Config{})
	ids := h.enqueue(t, 1)

	_, err := d.ClaimNext(context.Background(), "puller", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, h.queue.Size())

	d.Stop()
	assert.Equal(t, 1, h.queue.Size())
	assert.Zero(t, d.GetStats().Leases)
	_, err = h.store.Get(context.Background(), ClaimKeyPrefix+ids[0])
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
}

func TestLeaseSweeperExpiresLeases(t *testing.T) {
	h := newHarness(t, "puller")
	d := h.dispatcher(t, Config{LeaseTTL: 40 * time.Millisecond, DequeueTimeout: 10 * time.Millisecond, Workers: 1})
	h.enqueue(t, 1)
	ctx := context.Background()

	_, err := d.ClaimNext(ctx, "puller", time.Second)
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))

	// the returned event is then pushed by the workers
	require.Eventually(t, func() bool {
		st := d.GetStats()
		return st.LeasesExpired == 1 && st.Dispatched == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, h.transport.claimed(), 1)
}
