package keys

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/testutil"
)

func newTestManager(t *testing.T, owner string, dir Directory) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		DeviceID:  "device-" + owner,
		OwnerID:   owner,
		Directory: dir,
		Clock:     testutil.NewManualClock(testutil.Epoch),
	})
	require.NoError(t, err)
	return m
}

func TestSignVerifyRoundTrip(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	m := newTestManager(t, "alice", nil)

	payload := []byte(`{"asset_id":"cow-42","status":"INITIATED"}`)
	sig, keyID, err := m.Sign(ctx, payload)
	require.NoError(t, err)
	assert.Contains(t, sig, "ed25519:")

	ok, err := m.Verify(ctx, payload, sig, keyID)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Flipping any single byte of the payload must break verification.
func TestVerifyRejectsEveryByteFlip(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	m := newTestManager(t, "alice", nil)

	payload := []byte(`{"id":"t-1","price":125000}`)
	sig, keyID, err := m.Sign(ctx, payload)
	require.NoError(t, err)

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		ok, err := m.Verify(ctx, mutated, sig, keyID)
		require.NoError(t, err)
		assert.False(t, ok, "byte %d", i)
	}
}

func TestDilithium3(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	m, err := NewManager(Options{DeviceID: "d1", OwnerID: "bob", Algorithm: Dilithium3})
	require.NoError(t, err)

	obj := canon.Object{"transfer_id": canon.String("t-1"), "party_id": canon.String("bob")}
	sig, keyID, err := m.SignObject(ctx, canon.DomainEvidence, obj)
	require.NoError(t, err)
	assert.Contains(t, sig, "dilithium3:")

	ok, err := m.VerifyObject(ctx, canon.DomainEvidence, obj, sig, keyID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same object under another domain is a different message.
	ok, err = m.VerifyObject(ctx, canon.DomainTransfer, obj, sig, keyID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyPersistsAcrossManagers(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	dir := NewMemoryDirectory()

	first := newTestManager(t, "alice", dir)
	pub1, err := first.Export(ctx)
	require.NoError(t, err)

	second := newTestManager(t, "alice", dir)
	pub2, err := second.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, pub1.ID, pub2.ID)
}

func TestKeyUnavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("secret service locked"))
	m := newTestManager(t, "alice", nil)

	_, _, err := m.Sign(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrKeyUnavailable)
}

func TestRotateKeepsOldSignaturesVerifiable(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	m := newTestManager(t, "alice", nil)

	payload := []byte("before rotation")
	oldSig, oldID, err := m.Sign(ctx, payload)
	require.NoError(t, err)

	next, err := m.Rotate(ctx, Dilithium3)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, next.ID)

	ok, err := m.Verify(ctx, payload, oldSig, oldID)
	require.NoError(t, err)
	assert.True(t, ok)

	old, err := m.Lookup(ctx, oldID)
	require.NoError(t, err)
	assert.True(t, old.Retired())

	_, newID, err := m.Sign(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, next.ID, newID)
}

func TestTrustPeerKey(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	alice := newTestManager(t, "alice", nil)
	bob := newTestManager(t, "bob", nil)

	bobKey, err := bob.Export(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.Trust(ctx, bobKey))

	payload := []byte("bob confirms")
	sig, keyID, err := bob.Sign(ctx, payload)
	require.NoError(t, err)

	ok, err := alice.Verify(ctx, payload, sig, keyID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := alice.Lookup(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.OwnerID)

	// Rebinding to another owner is refused.
	bobKey.OwnerID = "mallory"
	assert.Error(t, alice.Trust(ctx, bobKey))
}

func TestTrustRejectsForgedKeyID(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	alice := newTestManager(t, "alice", nil)
	bob := newTestManager(t, "bob", nil)

	bobKey, err := bob.Export(ctx)
	require.NoError(t, err)
	aliceKey, err := alice.Export(ctx)
	require.NoError(t, err)

	bobKey.ID = aliceKey.ID
	assert.Error(t, alice.Trust(ctx, bobKey))
}

func TestVerifyUnknownKey(t *testing.T) {
	keyring.MockInit()
	m := newTestManager(t, "alice", nil)
	_, err := m.Verify(context.Background(), []byte("x"), "ed25519:AAAA", "bafkunknown")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestParsePublicKey(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	m := newTestManager(t, "alice", nil)
	pub, err := m.Export(ctx)
	require.NoError(t, err)

	parsed, err := ParsePublicKey("alice", pub.Encoded())
	require.NoError(t, err)
	assert.Equal(t, pub.ID, parsed.ID)
	assert.Equal(t, pub.Key, parsed.Key)

	_, err = ParsePublicKey("alice", "rsa:AAAA")
	assert.Error(t, err)
	_, err = ParsePublicKey("alice", "ed25519:AAAA")
	assert.Error(t, err)
}
