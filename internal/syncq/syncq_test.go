package syncq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/store"
	"github.com/roach88/herdtrail/internal/testutil"
)

type fixture struct {
	store *store.Store
	clock *testutil.ManualClock
	queue *Queue
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clock := testutil.NewManualClock(testutil.Epoch)
	return &fixture{
		store: s,
		clock: clock,
		queue: New(s, clock, testutil.NewSequenceGenerator("m"), policy, nil),
	}
}

func (f *fixture) enqueue(t *testing.T, entityID string, owner string) domain.PendingMutation {
	t.Helper()
	var m domain.PendingMutation
	err := f.store.RunInTx(context.Background(), func(q *store.Queries) error {
		var err error
		m, err = f.queue.Enqueue(context.Background(), q, domain.EntityAsset, entityID, domain.ActionUpdate,
			canon.Object{"id": canon.String(entityID), "owner_id": canon.String(owner)})
		return err
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) ack(t *testing.T, m domain.PendingMutation, version int64) {
	t.Helper()
	require.NoError(t, f.store.RunInTx(context.Background(), func(q *store.Queries) error {
		return f.queue.Ack(context.Background(), q, m, version, m.Payload)
	}))
}

func deterministic() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2}
}

func TestEnqueue_ChainsBaseOnPreviousMutation(t *testing.T) {
	f := newFixture(t, deterministic())

	m1 := f.enqueue(t, "cow-1", "alice")
	assert.Equal(t, "m-0001", m1.ID)
	assert.Equal(t, "", m1.Base)
	assert.Equal(t, int64(0), m1.BaseVersion)

	m2 := f.enqueue(t, "cow-1", "bob")
	assert.Equal(t, m1.Payload, m2.Base)

	f.ack(t, m1, 1)

	got, err := f.queue.Get(context.Background(), m2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.BaseVersion)

	f.ack(t, got, 2)
	m3 := f.enqueue(t, "cow-1", "carol")
	assert.Equal(t, int64(2), m3.BaseVersion)
	assert.Equal(t, got.Payload, m3.Base)
}

func TestNextBatch_FIFOPerEntity(t *testing.T) {
	f := newFixture(t, deterministic())
	a1 := f.enqueue(t, "cow-1", "alice")
	f.enqueue(t, "cow-1", "bob")
	b1 := f.enqueue(t, "cow-2", "alice")

	batch, err := f.queue.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, a1.ID, batch[0].ID)
	assert.Equal(t, b1.ID, batch[1].ID)

	batch, err = f.queue.NextBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestAck_IsIdempotent(t *testing.T) {
	f := newFixture(t, deterministic())
	m := f.enqueue(t, "cow-1", "alice")
	f.ack(t, m, 1)
	f.ack(t, m, 1)

	pending, dead, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, dead)
}

func TestFail_BacksOffThenDeadLettersOnce(t *testing.T) {
	f := newFixture(t, deterministic())
	ctx := context.Background()
	m := f.enqueue(t, "cow-1", "alice")
	cause := errors.New("connection refused")

	sf, err := f.queue.Fail(ctx, m.ID, cause)
	require.NoError(t, err)
	assert.Nil(t, sf)

	batch, err := f.queue.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "mutation should wait for its backoff")

	f.clock.Advance(time.Second)
	batch, err = f.queue.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].RetryCount)

	sf, err = f.queue.Fail(ctx, m.ID, cause)
	require.NoError(t, err)
	assert.Nil(t, sf)

	sf, err = f.queue.Fail(ctx, m.ID, cause)
	require.NoError(t, err)
	require.NotNil(t, sf)
	assert.Equal(t, 3, sf.Attempts)
	assert.Equal(t, "connection refused", sf.LastError)
	assert.True(t, domain.IsSyncFailure(sf))

	// Further failures of a dead letter report nothing.
	sf, err = f.queue.Fail(ctx, m.ID, cause)
	require.NoError(t, err)
	assert.Nil(t, sf)

	dl, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dl, 1)

	require.NoError(t, f.queue.Requeue(ctx, m.ID))
	batch, err = f.queue.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestFail_PermanentDeadLettersImmediately(t *testing.T) {
	f := newFixture(t, deterministic())
	m := f.enqueue(t, "cow-1", "alice")

	sf, err := f.queue.Fail(context.Background(), m.ID, backoff.Permanent(errors.New("rejected by schema")))
	require.NoError(t, err)
	require.NotNil(t, sf)
	assert.Equal(t, 1, sf.Attempts)
}

func TestDelay_Exponential(t *testing.T) {
	f := newFixture(t, deterministic())
	assert.Equal(t, time.Second, f.queue.Delay(1))
	assert.Equal(t, 2*time.Second, f.queue.Delay(2))
	assert.Equal(t, 4*time.Second, f.queue.Delay(3))
	assert.Equal(t, time.Minute, f.queue.Delay(20))
}

func TestRebase(t *testing.T) {
	f := newFixture(t, deterministic())
	ctx := context.Background()
	m := f.enqueue(t, "cow-1", "alice")

	merged := canon.Object{"id": canon.String("cow-1"), "owner_id": canon.String("alice"), "category": canon.String("boran")}
	require.NoError(t, f.store.RunInTx(ctx, func(q *store.Queries) error {
		return f.queue.Rebase(ctx, q, m.ID, merged, `{"id":"cow-1"}`, 7)
	}))

	got, err := f.queue.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.BaseVersion)
	assert.Equal(t, `{"category":"boran","id":"cow-1","owner_id":"alice"}`, got.Payload)
}
