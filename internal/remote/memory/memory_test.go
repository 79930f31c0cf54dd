package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/remote"
	"github.com/roach88/herdtrail/internal/testutil"
)

func assetDoc(id, owner string) remote.Document {
	return remote.Document{
		EntityType: domain.EntityAsset,
		EntityID:   id,
		MutationID: "mut-1",
		Fields: canon.Object{
			"id":       canon.String(id),
			"owner_id": canon.String(owner),
		},
	}
}

func TestPutConditions(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock(testutil.Epoch)
	s := New(clock)

	doc, err := s.Put(ctx, assetDoc("cow-42", "alice"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, testutil.Epoch, doc.UpdatedAt)

	_, err = s.Put(ctx, assetDoc("cow-42", "bob"), 0)
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed)

	clock.Advance(time.Minute)
	next := assetDoc("cow-42", "bob")
	next.MutationID = "mut-2"
	doc, err = s.Put(ctx, next, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)

	_, err = s.Put(ctx, assetDoc("cow-42", "carol"), 1)
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed)

	_, err = s.Put(ctx, assetDoc("goat-1", "carol"), 3)
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed)

	got, err := s.Get(ctx, domain.EntityAsset, "cow-42")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Fields.GetString("owner_id"))
	assert.Equal(t, "mut-2", got.MutationID)

	_, puts, denied := s.Stats()
	assert.Equal(t, 5, puts)
	assert.Equal(t, 3, denied)
}

func TestEditTime(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock(testutil.Epoch)
	s := New(clock)

	clock.Advance(time.Hour)
	doc, err := s.Put(ctx, assetDoc("cow-42", "alice"), 0)
	require.NoError(t, err)
	assert.Equal(t, doc.UpdatedAt, doc.EditTime(), "no edit time falls back to acceptance")

	edited := assetDoc("cow-42", "alice")
	edited.EditedAt = testutil.Epoch.Add(time.Minute)
	clock.Advance(time.Hour)
	_, err = s.Put(ctx, edited, 1)
	require.NoError(t, err)

	got, err := s.Get(ctx, domain.EntityAsset, "cow-42")
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.Add(2*time.Hour), got.UpdatedAt)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), got.EditTime())
}

func TestGetMissing(t *testing.T) {
	s := New(nil)
	_, err := s.Get(context.Background(), domain.EntityTransfer, "t-1")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestReturnedFieldsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	doc, err := s.Put(ctx, assetDoc("cow-42", "alice"), 0)
	require.NoError(t, err)
	doc.Fields["owner_id"] = canon.String("mallory")

	got, err := s.Get(ctx, domain.EntityAsset, "cow-42")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Fields.GetString("owner_id"))
}

func TestFaults(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	boom := errors.New("boom")

	s.FailNext(2, boom)
	_, err := s.Put(ctx, assetDoc("cow-42", "alice"), 0)
	assert.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, domain.EntityAsset, "cow-42")
	assert.ErrorIs(t, err, boom)
	_, err = s.Put(ctx, assetDoc("cow-42", "alice"), 0)
	require.NoError(t, err)

	s.Offline(true)
	_, err = s.Get(ctx, domain.EntityAsset, "cow-42")
	assert.True(t, remote.IsTransient(err))
	assert.ErrorIs(t, err, remote.ErrUnavailable)

	s.Offline(false)
	_, err = s.Get(ctx, domain.EntityAsset, "cow-42")
	require.NoError(t, err)

	s.SetFault(func(op string, _ domain.EntityType, id string) error {
		if op == "put" && id == "goat-1" {
			return boom
		}
		return nil
	})
	_, err = s.Put(ctx, assetDoc("goat-1", "bob"), 0)
	assert.ErrorIs(t, err, boom)
	_, err = s.Put(ctx, assetDoc("goat-2", "bob"), 0)
	require.NoError(t, err)
}

func TestSeedBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	_, err := s.Put(ctx, assetDoc("cow-42", "alice"), 0)
	require.NoError(t, err)

	seeded := s.Seed(assetDoc("cow-42", "bob"))
	assert.Equal(t, int64(2), seeded.Version)

	_, err = s.Put(ctx, assetDoc("cow-42", "carol"), 1)
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed)
	assert.Len(t, s.Documents(domain.EntityAsset), 1)
	assert.Empty(t, s.Documents(domain.EntityTransfer))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, remote.IsTransient(remote.Transient(errors.New("reset"))))
	assert.True(t, remote.IsTransient(context.DeadlineExceeded))
	assert.False(t, remote.IsTransient(context.Canceled))
	assert.False(t, remote.IsTransient(remote.ErrPreconditionFailed))
	assert.NoError(t, remote.Transient(nil))
}
