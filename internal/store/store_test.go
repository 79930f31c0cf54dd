package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/keys"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func testAsset(id, owner string) domain.Asset {
	return domain.Asset{ID: id, Category: "boran", OwnerID: owner, Active: true, UpdatedAt: t0}
}

func testTransfer(id, assetID string, status domain.Status) domain.TransferRecord {
	return domain.TransferRecord{
		ID:                 id,
		AssetID:            assetID,
		FromOwnerID:        "alice",
		ToOwnerID:          "bob",
		InitiatedAt:        t0,
		Method:             domain.MethodGift,
		Status:             status,
		VerificationStatus: domain.VerificationUnverified,
		ExpiresAt:          t0.Add(72 * time.Hour),
		UpdatedAt:          t0,
		Version:            1,
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, path, s.Path())
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	tables := []string{"assets", "transfers", "evidence", "change_log", "pending_mutations", "sync_state", "public_keys"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q", table)
	}

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpen_RejectsNonDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	junk := make([]byte, 8192)
	for i := range junk {
		junk[i] = byte(i*7 + 3)
	}
	require.NoError(t, os.WriteFile(path, junk, 0o600))

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, IsCorrupt(err), "got %v", err)
}

func TestCheckIntegrity(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.CheckIntegrity(context.Background()))
}

func TestAssetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	a := testAsset("cow-1", "alice")
	a.BirthDate = "2024-04-02"
	require.NoError(t, s.PutAsset(ctx, a))

	got, err := s.GetAsset(ctx, "cow-1")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	a.OwnerID = "bob"
	a.Active = false
	require.NoError(t, s.PutAsset(ctx, a))
	got, err = s.GetAsset(ctx, "cow-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.OwnerID)
	assert.False(t, got.Active)

	_, err = s.GetAsset(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListAssets(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTransferRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.PutAsset(ctx, testAsset("cow-1", "alice")))

	tr := testTransfer("t-1", "cow-1", domain.StatusInitiated)
	tr.ProofRefs = []string{"bafy-1"}
	tr.Price = 5000
	tr.Currency = "KES"
	require.NoError(t, s.InsertTransfer(ctx, tr))

	got, err := s.GetTransfer(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, tr, got)

	active, err := s.ActiveTransfer(ctx, "cow-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", active.ID)

	tr.Status = domain.StatusCancelled
	tr.Reason = "changed mind"
	tr.Version = 2
	require.NoError(t, s.UpdateTransfer(ctx, tr))

	_, err = s.ActiveTransfer(ctx, "cow-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.UpdateTransfer(ctx, testTransfer("nope", "cow-1", domain.StatusCancelled)), ErrNotFound)
}

func TestOneActiveTransferPerAsset(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.PutAsset(ctx, testAsset("cow-1", "alice")))

	require.NoError(t, s.InsertTransfer(ctx, testTransfer("t-1", "cow-1", domain.StatusPendingVerification)))

	err := s.InsertTransfer(ctx, testTransfer("t-2", "cow-1", domain.StatusInitiated))
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// Terminal transfers do not count.
	require.NoError(t, s.InsertTransfer(ctx, testTransfer("t-0", "cow-1", domain.StatusCompleted)))
}

func TestDueTransfers(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.PutAsset(ctx, testAsset("cow-1", "alice")))
	require.NoError(t, s.PutAsset(ctx, testAsset("cow-2", "alice")))

	require.NoError(t, s.InsertTransfer(ctx, testTransfer("t-1", "cow-1", domain.StatusInitiated)))
	verified := testTransfer("t-2", "cow-2", domain.StatusVerified)
	require.NoError(t, s.InsertTransfer(ctx, verified))

	due, err := s.DueTransfers(ctx, toNS(t0.Add(71*time.Hour)))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueTransfers(ctx, toNS(t0.Add(72*time.Hour)))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t-1", due[0].ID)
}

func TestEvidenceUpsert(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.PutAsset(ctx, testAsset("cow-1", "alice")))
	require.NoError(t, s.InsertTransfer(ctx, testTransfer("t-1", "cow-1", domain.StatusInitiated)))

	ev := domain.Evidence{
		TransferID:   "t-1",
		PartyID:      "bob",
		ConfirmedAt:  t0,
		Plausibility: 9000,
		Signature:    "ed25519:x",
		SignerKeyID:  "k1",
		GeoHint:      &domain.GeoHint{LatE6: 1, LonE6: 2, AccuracyM: 3},
	}
	require.NoError(t, s.PutEvidence(ctx, ev))

	ev.Plausibility = 4000
	ev.GeoHint = nil
	require.NoError(t, s.PutEvidence(ctx, ev))

	list, err := s.ListEvidence(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ev, list[0])

	// Evidence requires an existing transfer.
	ev.TransferID = "ghost"
	assert.Error(t, s.PutEvidence(ctx, ev))
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	boom := assert.AnError
	err := s.RunInTx(ctx, func(q *Queries) error {
		require.NoError(t, q.PutAsset(ctx, testAsset("cow-1", "alice")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetAsset(ctx, "cow-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RunInTx(ctx, func(q *Queries) error {
		return q.PutAsset(ctx, testAsset("cow-1", "alice"))
	}))
	_, err = s.GetAsset(ctx, "cow-1")
	assert.NoError(t, err)
}

func TestKeyDirectory(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	k := keys.PublicKey{ID: "bafk1", Algorithm: keys.Ed25519, Key: []byte{1, 2, 3}, OwnerID: "alice", CreatedAt: t0}
	require.NoError(t, s.PutKey(ctx, k))

	got, err := s.Key(ctx, "bafk1")
	require.NoError(t, err)
	assert.Equal(t, k, got)

	k.RetiredAt = t0.Add(time.Hour)
	k.OwnerID = "mallory"
	require.NoError(t, s.PutKey(ctx, k))
	got, err = s.Key(ctx, "bafk1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.True(t, got.Retired())

	_, err = s.Key(ctx, "nope")
	assert.ErrorIs(t, err, keys.ErrUnknownKey)

	all, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
