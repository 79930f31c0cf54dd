package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
	"github.com/roach88/herdtrail/internal/store"
)

// Resolution says how a transfer mutation was settled against the remote
// store.
type Resolution string

const (
	// ResolutionProceed: nothing conflicts, push the mutation as is.
	ResolutionProceed Resolution = "proceed"
	// ResolutionConverged: the remote store already holds the same state.
	ResolutionConverged Resolution = "converged"
	// ResolutionRebased: the local record is a legal successor of the
	// remote one and was rebased onto it.
	ResolutionRebased Resolution = "rebased"
	// ResolutionAdopted: the remote record replaced the local one.
	ResolutionAdopted Resolution = "adopted"
	// ResolutionRejected: the local transfer lost and is now REJECTED.
	ResolutionRejected Resolution = "rejected"
)

func payloadTransfer(mut domain.PendingMutation) (domain.TransferRecord, error) {
	obj, err := canon.Decode([]byte(mut.Payload))
	if err != nil {
		return domain.TransferRecord{}, fmt.Errorf("mutation %s payload: %w", mut.ID, err)
	}
	return domain.TransferFromObject(obj)
}

// CheckCustody revalidates a transfer mutation against the remote copy of
// its asset before it is pushed. remoteAsset is nil when the remote store
// has no copy yet; competing is the remote transfer the remote asset names
// as active, if any.
//
// A non-terminal local transfer that would break the single active
// transfer rule remotely, or whose sender no longer owns the asset
// remotely, is rejected locally.
func (m *Machine) CheckCustody(ctx context.Context, mut domain.PendingMutation, remoteAsset *domain.Asset, competing *domain.TransferRecord) (Resolution, error) {
	p, err := payloadTransfer(mut)
	if err != nil {
		return "", err
	}
	if p.Status.Terminal() {
		return ResolutionProceed, nil
	}
	var reason string
	switch {
	case competing != nil && competing.ID != p.ID && competing.Status.Active():
		reason = fmt.Sprintf("asset %s has active transfer %s in the remote store", p.AssetID, competing.ID)
	case remoteAsset != nil && remoteAsset.OwnerID != p.FromOwnerID:
		reason = fmt.Sprintf("asset %s is owned by %s in the remote store", p.AssetID, remoteAsset.OwnerID)
	case remoteAsset != nil && !remoteAsset.Active:
		reason = fmt.Sprintf("asset %s is inactive in the remote store", p.AssetID)
	}
	if reason == "" {
		return ResolutionProceed, nil
	}
	if _, err := m.RejectLocal(ctx, p.ID, reason, remoteAsset); err != nil {
		return "", err
	}
	return ResolutionRejected, nil
}

// RejectLocal ends a local transfer that lost a conflict with the remote
// store. If its creation never reached the remote store, the queued
// mutations collapse into a single create of the rejected record. The
// asset's custody fields are aligned with remoteAsset when given; that
// alignment is not queued, since it came from the remote store.
func (m *Machine) RejectLocal(ctx context.Context, transferID, reason string, remoteAsset *domain.Asset) (domain.TransferRecord, error) {
	return m.update(ctx, transferID, func(t *tx, rec *domain.TransferRecord) error {
		if rec.Status.Terminal() {
			return nil
		}
		if err := t.transition(rec, domain.StatusRejected, SyncActor, reason); err != nil {
			return err
		}
		pending, err := t.q.EntityMutations(t.ctx, domain.EntityTransfer, rec.ID)
		if err != nil {
			return err
		}
		if len(pending) > 0 && pending[0].Action == domain.ActionCreate {
			if _, err := t.q.DeleteEntityMutations(t.ctx, domain.EntityTransfer, rec.ID); err != nil {
				return err
			}
			if _, err := m.queue.Enqueue(t.ctx, t.q, domain.EntityTransfer, rec.ID, domain.ActionCreate, rec.Object()); err != nil {
				return err
			}
		}

		a, err := t.asset(rec.AssetID)
		if err != nil {
			return err
		}
		before := a
		if remoteAsset != nil {
			a.OwnerID = remoteAsset.OwnerID
			a.Active = remoteAsset.Active
			a.ActiveTransferID = remoteAsset.ActiveTransferID
		} else if a.ActiveTransferID == rec.ID {
			a.ActiveTransferID = ""
		}
		if !canon.Equal(before.Object(), a.Object()) {
			if err := t.saveAsset(before, &a, SyncActor, domain.OriginRemote); err != nil {
				return err
			}
		}

		t.events = append(t.events, events.Event{
			Kind:       events.KindSyncConflict,
			At:         t.now,
			TransferID: rec.ID,
			AssetID:    rec.AssetID,
			To:         rec.Status,
			ActorID:    SyncActor,
			Reason:     reason,
			Parties:    []string{rec.FromOwnerID, rec.ToOwnerID},
		})
		m.logger.Warn("transfer lost remote conflict",
			"transfer_id", rec.ID,
			"asset_id", rec.AssetID,
			"reason", reason,
		)
		return nil
	})
}

// ResolveRemote settles a transfer mutation whose precondition failed
// because the remote record moved. Transfers are never merged:
//
//   - remote equals the mutation's payload: ack
//   - the payload is reachable from the remote status: rebase onto it
//   - otherwise the remote record wins and replaces the local one
func (m *Machine) ResolveRemote(ctx context.Context, mut domain.PendingMutation, remote domain.TransferRecord, remoteVersion int64) (Resolution, error) {
	p, err := payloadTransfer(mut)
	if err != nil {
		return "", err
	}
	agreed, err := changelog.Snapshot(remote.Object())
	if err != nil {
		return "", err
	}

	if domain.Reachable(remote.Status, p.Status) {
		var res Resolution
		err := m.withAsset(ctx, p.AssetID, func(t *tx) error {
			if canon.Equal(p.Object(), remote.Object()) {
				res = ResolutionConverged
				return m.queue.Ack(t.ctx, t.q, mut, remoteVersion, agreed)
			}
			res = ResolutionRebased
			return m.queue.Rebase(t.ctx, t.q, mut.ID, p.Object(), agreed, remoteVersion)
		})
		if err != nil {
			return "", err
		}
		m.logger.Info("transfer mutation settled",
			"transfer_id", p.ID,
			"mutation_id", mut.ID,
			"resolution", res,
			"remote_status", remote.Status,
			"status", p.Status,
		)
		return res, nil
	}

	// Verification reads the key directory, so it runs before the
	// transaction takes the store connection.
	if err := m.verifier.VerifyTransfer(ctx, remote); err != nil {
		return "", fmt.Errorf("adopt remote transfer %s: %w", remote.ID, err)
	}
	_, err = m.update(ctx, p.ID, func(t *tx, cur *domain.TransferRecord) error {
		return t.adopt(cur, remote, remoteVersion, agreed)
	})
	if err != nil {
		return "", err
	}
	return ResolutionAdopted, nil
}

// adopt replaces cur with the remote record. A local record that could not
// have led to the remote one is logged as the unapplied loser.
func (t *tx) adopt(cur *domain.TransferRecord, remote domain.TransferRecord, remoteVersion int64, agreed string) error {
	divergent := !domain.Reachable(cur.Status, remote.Status)
	if divergent {
		if _, err := t.m.log.Append(t.ctx, t.q, changelog.Change{
			EntityType: domain.EntityTransfer,
			EntityID:   cur.ID,
			Action:     domain.ActionUpdate,
			Before:     remote.Object(),
			After:      cur.Object(),
			ActorID:    SyncActor,
			Origin:     domain.OriginLocal,
			Verified:   false,
			At:         t.now,
		}); err != nil {
			return err
		}
	}
	if _, err := t.q.DeleteEntityMutations(t.ctx, domain.EntityTransfer, cur.ID); err != nil {
		return err
	}

	from := cur.Status
	before := cur.Object()
	adopted := remote
	adopted.Version = cur.Version + 1
	if err := t.q.PutTransfer(t.ctx, adopted); err != nil {
		return err
	}
	if _, err := t.m.log.Append(t.ctx, t.q, changelog.Change{
		EntityType: domain.EntityTransfer,
		EntityID:   adopted.ID,
		Action:     domain.ActionUpdate,
		Before:     before,
		After:      adopted.Object(),
		ActorID:    SyncActor,
		Origin:     domain.OriginRemote,
		Verified:   true,
		At:         t.now,
	}); err != nil {
		return err
	}
	if err := t.q.PutSyncState(t.ctx, store.SyncState{
		EntityType:    domain.EntityTransfer,
		EntityID:      adopted.ID,
		RemoteVersion: remoteVersion,
		Base:          agreed,
	}); err != nil {
		return err
	}

	a, err := t.asset(adopted.AssetID)
	if err != nil {
		return err
	}
	beforeAsset := a
	switch {
	case adopted.Status == domain.StatusCompleted:
		a.OwnerID = adopted.ToOwnerID
		if a.ActiveTransferID == adopted.ID {
			a.ActiveTransferID = ""
		}
	case adopted.Status.Terminal():
		if a.ActiveTransferID == adopted.ID {
			a.ActiveTransferID = ""
		}
	default:
		a.ActiveTransferID = adopted.ID
	}
	if !canon.Equal(beforeAsset.Object(), a.Object()) {
		if err := t.saveAsset(beforeAsset, &a, SyncActor, domain.OriginRemote); err != nil {
			return err
		}
	}

	*cur = adopted
	if from != adopted.Status {
		t.events = append(t.events, events.TransitionEvents(adopted, from, SyncActor, t.now)...)
	}
	if divergent {
		t.events = append(t.events, events.Event{
			Kind:       events.KindSyncConflict,
			At:         t.now,
			TransferID: adopted.ID,
			AssetID:    adopted.AssetID,
			From:       from,
			To:         adopted.Status,
			ActorID:    SyncActor,
			Reason:     "remote record replaced local " + string(from),
			Parties:    []string{adopted.FromOwnerID, adopted.ToOwnerID},
		})
	}
	t.m.logger.Info("adopted remote transfer",
		"transfer_id", adopted.ID,
		"asset_id", adopted.AssetID,
		"from", from,
		"status", adopted.Status,
		"divergent", divergent,
	)
	return nil
}

// VerifyRemoteEvidence authenticates evidence another device pushed. It
// must pass before the entry may replace local evidence, since stored
// evidence counts toward the verification criteria.
func (m *Machine) VerifyRemoteEvidence(ctx context.Context, ev domain.Evidence) error {
	if err := m.verifier.VerifyEvidence(ctx, ev); err != nil {
		return fmt.Errorf("adopt remote evidence %s: %w", ev.Key(), err)
	}
	return nil
}

// AdoptAsset replaces the local copy of an asset with the remote store's
// when nothing local is queued for it. It reports whether anything changed.
func (m *Machine) AdoptAsset(ctx context.Context, remote domain.Asset, remoteVersion int64) (bool, error) {
	agreed, err := changelog.Snapshot(remote.Object())
	if err != nil {
		return false, err
	}
	var changed bool
	err = m.withAsset(ctx, remote.ID, func(t *tx) error {
		pending, err := t.q.EntityMutations(t.ctx, domain.EntityAsset, remote.ID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return nil
		}
		local, err := t.q.GetAsset(t.ctx, remote.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := t.q.PutSyncState(t.ctx, store.SyncState{
			EntityType:    domain.EntityAsset,
			EntityID:      remote.ID,
			RemoteVersion: remoteVersion,
			Base:          agreed,
		}); err != nil {
			return err
		}
		if err == nil && canon.Equal(local.Object(), remote.Object()) {
			return nil
		}
		adopted := remote
		changed = true
		return t.saveAsset(local, &adopted, SyncActor, domain.OriginRemote)
	})
	return changed, err
}
