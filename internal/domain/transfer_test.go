package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/herdtrail/internal/canon"
)

func sampleTransfer() TransferRecord {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return TransferRecord{
		ID:                 "t-1",
		AssetID:            "cow-42",
		FromOwnerID:        "alice",
		ToOwnerID:          "bob",
		InitiatedAt:        at,
		Price:              125000,
		Currency:           "KES",
		Method:             MethodSale,
		Status:             StatusPendingVerification,
		VerificationStatus: VerificationPartial,
		ProofRefs:          []string{"bafy-b", "bafy-a"},
		Signature:          "ed25519:AAAA",
		SignerKeyID:        "bafk-key",
		ExpiresAt:          at.Add(72 * time.Hour),
		UpdatedAt:          at.Add(time.Minute),
		Version:            3,
	}
}

func TestTransferObjectRoundTrip(t *testing.T) {
	rec := sampleTransfer()

	data, err := canon.Marshal(rec.Object())
	require.NoError(t, err)
	obj, err := canon.Decode(data)
	require.NoError(t, err)

	got, err := TransferFromObject(obj)
	require.NoError(t, err)

	rec.Version = 0 // local only
	rec.ProofRefs = []string{"bafy-a", "bafy-b"}
	assert.Equal(t, rec, got)
}

func TestTransferSigningPayloadIgnoresProofOrder(t *testing.T) {
	a := sampleTransfer()
	b := sampleTransfer()
	b.ProofRefs = []string{"bafy-a", "bafy-b"}

	ma, err := canon.Message(canon.DomainTransfer, a.SigningPayload())
	require.NoError(t, err)
	mb, err := canon.Message(canon.DomainTransfer, b.SigningPayload())
	require.NoError(t, err)
	assert.Equal(t, ma, mb)
}

func TestTransferSigningPayloadExcludesSignature(t *testing.T) {
	rec := sampleTransfer()
	payload := rec.SigningPayload()
	assert.NotContains(t, payload, "signature")
	assert.NotContains(t, payload, "signer_key_id")
	assert.NotContains(t, payload, "updated_at")
}

func TestTransferStatusChangesSigningPayload(t *testing.T) {
	a := sampleTransfer()
	b := sampleTransfer()
	b.Status = StatusVerified

	da, err := canon.Digest(canon.DomainTransfer, a.SigningPayload())
	require.NoError(t, err)
	db, err := canon.Digest(canon.DomainTransfer, b.SigningPayload())
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestTransferFromObjectRejectsUnknownStatus(t *testing.T) {
	obj := sampleTransfer().Object()
	obj["status"] = canon.String("LIMBO")
	_, err := TransferFromObject(obj)
	assert.Error(t, err)
}

func TestIsParty(t *testing.T) {
	rec := sampleTransfer()
	assert.True(t, rec.IsParty("alice"))
	assert.True(t, rec.IsParty("bob"))
	assert.False(t, rec.IsParty("carol"))
	assert.False(t, rec.IsParty(""))
}

func TestMergeProofRefs(t *testing.T) {
	got := MergeProofRefs([]string{"c", "a"}, []string{"b", "a"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, MergeProofRefs(nil, nil))
}

func TestEvidenceObjectRoundTrip(t *testing.T) {
	ev := Evidence{
		TransferID:   "t-1",
		PartyID:      "bob",
		ConfirmedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ProofRefs:    []string{"bafy-photo"},
		GeoHint:      &GeoHint{LatE6: -1292066, LonE6: 36821946, AccuracyM: 15},
		Plausibility: ScoreFromFloat(0.85),
		Signature:    "ed25519:BBBB",
		SignerKeyID:  "bafk-bob",
	}
	assert.Equal(t, "t-1/bob", ev.Key())

	data, err := canon.Marshal(ev.Object())
	require.NoError(t, err)
	obj, err := canon.Decode(data)
	require.NoError(t, err)
	got, err := EvidenceFromObject(obj)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestUnscoredEvidence(t *testing.T) {
	ev := Evidence{
		TransferID:   "t-1",
		PartyID:      "bob",
		ConfirmedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Plausibility: ScoreUnset,
	}
	_, ok := ev.SigningPayload()["plausibility"]
	assert.False(t, ok)
	assert.Equal(t, "unscored", ev.Plausibility.String())

	got, err := EvidenceFromObject(ev.Object())
	require.NoError(t, err)
	assert.Equal(t, ScoreUnset, got.Plausibility)

	ev.Plausibility = 0
	got, err = EvidenceFromObject(ev.Object())
	require.NoError(t, err)
	assert.True(t, got.Plausibility.Scored())
	assert.Equal(t, Score(0), got.Plausibility)
}

func TestScoreFromFloat(t *testing.T) {
	assert.Equal(t, Score(8500), ScoreFromFloat(0.85))
	assert.Equal(t, Score(0), ScoreFromFloat(-0.3))
	assert.Equal(t, ScoreMax, ScoreFromFloat(1.7))
	assert.Equal(t, "0.8500", ScoreFromFloat(0.85).String())
}

func TestAssetObjectRoundTrip(t *testing.T) {
	a := Asset{
		ID:               "cow-42",
		Category:         "boran",
		BirthDate:        "2023-05-14",
		HealthRef:        "bafy-health",
		OwnerID:          "alice",
		Active:           true,
		ActiveTransferID: "t-1",
	}
	got, err := AssetFromObject(a.Object())
	require.NoError(t, err)
	assert.Equal(t, a, got)
}
