package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
	"github.com/roach88/herdtrail/internal/keys"
	"github.com/roach88/herdtrail/internal/store"
)

// remoteCopy returns rec as another device would have written it.
func (e *env) remoteCopy(t *testing.T, rec domain.TransferRecord, status domain.Status, signer *keys.Manager) domain.TransferRecord {
	t.Helper()
	rec.Status = status
	if status == domain.StatusCompleted {
		rec.VerificationStatus = domain.VerificationSatisfied
	}
	rec.UpdatedAt = e.clock.Now()
	sig, keyID, err := signer.SignObject(e.ctx, canon.DomainTransfer, rec.SigningPayload())
	require.NoError(t, err)
	rec.Signature, rec.SignerKeyID = sig, keyID
	rec.Version = 0
	return rec
}

func TestCheckCustodyProceeds(t *testing.T) {
	e := newEnv(t)
	rec := e.initiate(t)
	mut := e.pending(t, domain.EntityTransfer, rec.ID)[0]

	res, err := e.machine.CheckCustody(e.ctx, mut, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ResolutionProceed, res)

	remoteAsset := e.asset(t)
	remoteAsset.ActiveTransferID = rec.ID
	res, err = e.machine.CheckCustody(e.ctx, mut, &remoteAsset, &rec)
	require.NoError(t, err)
	assert.Equal(t, ResolutionProceed, res)
}

// A transfer whose asset is already in another active transfer remotely
// loses, and its unsent creation collapses into one create of the
// rejected record.
func TestCheckCustodyRejectsCompetingTransfer(t *testing.T) {
	e := newEnv(t)
	rec := e.initiate(t)
	_, err := e.machine.SubmitEvidence(e.ctx, rec.ID, e.evidence(t, rec.ID, e.alice, 0.9))
	require.NoError(t, err)
	mut := e.pending(t, domain.EntityTransfer, rec.ID)[0]

	competing := rec
	competing.ID = "t-remote"
	competing.ToOwnerID = "carol"
	remoteAsset := e.asset(t)
	remoteAsset.ActiveTransferID = competing.ID

	res, err := e.machine.CheckCustody(e.ctx, mut, &remoteAsset, &competing)
	require.NoError(t, err)
	assert.Equal(t, ResolutionRejected, res)

	got, err := e.machine.Get(e.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Contains(t, got.Reason, "t-remote")

	muts := e.pending(t, domain.EntityTransfer, rec.ID)
	require.Len(t, muts, 1)
	assert.Equal(t, domain.ActionCreate, muts[0].Action)
	payload, err := canon.Decode([]byte(muts[0].Payload))
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", payload.GetString("status"))

	assert.Equal(t, "t-remote", e.asset(t).ActiveTransferID)
	conflicts := e.events.ofKind(events.KindSyncConflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, rec.ID, conflicts[0].TransferID)

	// The alignment came from the remote store and is not pushed back.
	history, err := e.log.Entries(e.ctx, changelog.Filter{EntityType: domain.EntityAsset, Origin: domain.OriginRemote})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, SyncActor, history[0].ActorID)
}

func TestCheckCustodyRejectsWhenOwnerMovedRemotely(t *testing.T) {
	e := newEnv(t)
	rec := e.initiate(t)
	mut := e.pending(t, domain.EntityTransfer, rec.ID)[0]

	remoteAsset := e.asset(t)
	remoteAsset.OwnerID = "carol"
	remoteAsset.ActiveTransferID = ""

	res, err := e.machine.CheckCustody(e.ctx, mut, &remoteAsset, nil)
	require.NoError(t, err)
	assert.Equal(t, ResolutionRejected, res)
	assert.Equal(t, "carol", e.asset(t).OwnerID)
}

func TestRejectLocalIgnoresTerminal(t *testing.T) {
	e := newEnv(t)
	rec := e.initiate(t)
	rec, err := e.machine.Cancel(e.ctx, rec.ID, "alice", "")
	require.NoError(t, err)

	got, err := e.machine.RejectLocal(e.ctx, rec.ID, "late conflict", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestResolveRemoteConverged(t *testing.T) {
	e := newEnv(t)
	rec := e.initiate(t)
	mut := e.pending(t, domain.EntityTransfer, rec.ID)[0]

	res, err := e.machine.ResolveRemote(e.ctx, mut, rec, 1)
	require.NoError(t, err)
	assert.Equal(t, ResolutionConverged, res)
	assert.Empty(t, e.pending(t, domain.EntityTransfer, rec.ID))

	st, err := e.store.GetSyncState(e.ctx, domain.EntityTransfer, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.RemoteVersion)
}

func TestResolveRemoteRebasesLocalSuccessor(t *testing.T) {
	e := newEnv(t)
	rec := e.initiate(t)
	_, err := e.machine.SubmitEvidence(e.ctx, rec.ID, e.evidence(t, rec.ID, e.alice, 0.9))
	require.NoError(t, err)
	muts := e.pending(t, domain.EntityTransfer, rec.ID)
	require.Len(t, muts, 2)

	remote := e.remoteCopy(t, rec, domain.StatusInitiated, e.bob)
	res, err := e.machine.ResolveRemote(e.ctx, muts[1], remote, 4)
	require.NoError(t, err)
	assert.Equal(t, ResolutionRebased, res)

	m, err := e.queue.Get(e.ctx, muts[1].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.BaseVersion)
	assert.Equal(t, muts[1].Payload, m.Payload)
}

func TestResolveRemoteAdoptsCompletion(t *testing.T) {
	e := newEnv(t)
	rec := e.initiate(t)
	mut := e.pending(t, domain.EntityTransfer, rec.ID)[0]

	remote := e.remoteCopy(t, rec, domain.StatusCompleted, e.bob)
	res, err := e.machine.ResolveRemote(e.ctx, mut, remote, 5)
	require.NoError(t, err)
	assert.Equal(t, ResolutionAdopted, res)

	got, err := e.machine.Get(e.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, remote.Signature, got.Signature)
	assert.Empty(t, e.pending(t, domain.EntityTransfer, rec.ID))

	a := e.asset(t)
	assert.Equal(t, "bob", a.OwnerID)
	assert.Empty(t, a.ActiveTransferID)

	losers, err := e.log.Entries(e.ctx, changelog.Filter{EntityID: rec.ID, Verified: new(bool)})
	require.NoError(t, err)
	assert.Empty(t, losers, "INITIATED leads to COMPLETED, nothing lost")

	terminal := e.events.ofKind(events.KindTerminal)
	require.Len(t, terminal, 1)
	assert.Equal(t, SyncActor, terminal[0].ActorID)
}

func TestResolveRemoteAdoptsOverDivergentLocal(t *testing.T) {
	e := newEnv(t)
	rec := e.initiate(t)
	cancelled, err := e.machine.Cancel(e.ctx, rec.ID, "alice", "sold elsewhere")
	require.NoError(t, err)
	muts := e.pending(t, domain.EntityTransfer, rec.ID)
	require.Len(t, muts, 2)

	remote := e.remoteCopy(t, rec, domain.StatusCompleted, e.bob)
	res, err := e.machine.ResolveRemote(e.ctx, muts[1], remote, 2)
	require.NoError(t, err)
	assert.Equal(t, ResolutionAdopted, res)

	losers, err := e.log.Entries(e.ctx, changelog.Filter{EntityID: rec.ID, Verified: new(bool)})
	require.NoError(t, err)
	require.Len(t, losers, 1)
	after, err := canon.Decode([]byte(losers[0].After))
	require.NoError(t, err)
	assert.Equal(t, string(cancelled.Status), after.GetString("status"))
	assert.Equal(t, domain.OriginLocal, losers[0].Origin)

	assert.Len(t, e.events.ofKind(events.KindSyncConflict), 1)
	assert.Equal(t, "bob", e.asset(t).OwnerID)
}

func TestResolveRemoteRefusesUnsignedRecord(t *testing.T) {
	e := newEnv(t)
	rec := e.initiate(t)
	mut := e.pending(t, domain.EntityTransfer, rec.ID)[0]

	remote := e.remoteCopy(t, rec, domain.StatusCompleted, e.bob)
	remote.ToOwnerID = "mallory"
	_, err := e.machine.ResolveRemote(e.ctx, mut, remote, 5)
	assert.True(t, domain.IsSignature(err), "got %v", err)

	got, err := e.machine.Get(e.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, got.Status)
}

func TestAdoptAsset(t *testing.T) {
	e := newEnv(t)

	remote := e.asset(t)
	remote.HealthRef = "bafy-remote"
	changed, err := e.machine.AdoptAsset(e.ctx, remote, 3)
	require.NoError(t, err)
	assert.False(t, changed, "local registration is still queued")

	for _, m := range e.pending(t, domain.EntityAsset, "cow-42") {
		require.NoError(t, e.store.RunInTx(e.ctx, func(q *store.Queries) error {
			return e.queue.Discard(e.ctx, q, m.ID)
		}))
	}
	changed, err = e.machine.AdoptAsset(e.ctx, remote, 3)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "bafy-remote", e.asset(t).HealthRef)
	assert.Empty(t, e.pending(t, domain.EntityAsset, "cow-42"))

	remote.ID = "goat-9"
	changed, err = e.machine.AdoptAsset(e.ctx, remote, 1)
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = e.machine.GetAsset(e.ctx, "goat-9")
	require.NoError(t, err)
}
