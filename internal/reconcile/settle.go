package reconcile

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/remote"
	"github.com/roach88/herdtrail/internal/store"
	"github.com/roach88/herdtrail/internal/transfer"
)

// queued returns the live mutations of m's entity if m still heads them.
// Everything queued for the entity is folded into m during a merge: the
// newest payload carries all local changes.
func queued(ctx context.Context, q *store.Queries, m domain.PendingMutation) ([]domain.PendingMutation, bool, error) {
	pending, err := q.EntityMutations(ctx, m.EntityType, m.EntityID)
	if err != nil {
		return nil, false, err
	}
	if len(pending) == 0 || pending[0].ID != m.ID {
		return nil, false, nil
	}
	return pending, true, nil
}

// finish folds the later mutations into m, then acks m when the remote
// store already holds the result or rebases it onto the remote version.
func (r *Reconciler) finish(ctx context.Context, q *store.Queries, pending []domain.PendingMutation, result canon.Object, cur remote.Document) error {
	for _, p := range pending[1:] {
		if err := r.queue.Discard(ctx, q, p.ID); err != nil {
			return err
		}
	}
	agreed, err := changelog.Snapshot(cur.Fields)
	if err != nil {
		return err
	}
	m := pending[0]
	if canon.Equal(result, cur.Fields) {
		return r.queue.Ack(ctx, q, m, cur.Version, agreed)
	}
	return r.queue.Rebase(ctx, q, m.ID, result, agreed, cur.Version)
}

// logLosers records every value a merge did not apply, under the origin
// of the side that lost.
func (r *Reconciler) logLosers(ctx context.Context, q *store.Queries, m domain.PendingMutation, conflicts []FieldConflict) error {
	for _, c := range conflicts {
		origin, winner := domain.OriginLocal, c.Remote
		if c.Winner == domain.OriginLocal {
			origin, winner = domain.OriginRemote, c.Local
		}
		before, after := canon.Object{}, canon.Object{}
		if winner != nil {
			before[c.Field] = winner
		}
		if v := c.Loser(); v != nil {
			after[c.Field] = v
		}
		if _, err := r.log.Append(ctx, q, changelog.Change{
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			Action:     domain.ActionUpdate,
			Before:     before,
			After:      after,
			ActorID:    transfer.SyncActor,
			Origin:     origin,
			Verified:   false,
		}); err != nil {
			return err
		}
	}
	return nil
}

// mergeAsset merges local asset changes with the remote copy. When the
// remote store names a different active transfer than the local side
// wanted, the local transfer loses custody and is rejected.
func (r *Reconciler) mergeAsset(ctx context.Context, m domain.PendingMutation, cur remote.Document, t *tally) error {
	remoteAsset, err := cur.Asset()
	if err != nil {
		return r.failed(ctx, m, nil, err, t)
	}

	var (
		conflicts []FieldConflict
		lost      string
		settled   bool
	)
	err = r.store.RunInTx(ctx, func(q *store.Queries) error {
		pending, ok, err := queued(ctx, q, m)
		if err != nil || !ok {
			return err
		}
		settled = true
		latest := pending[len(pending)-1]
		base, err := decodeOptional(m.Base)
		if err != nil {
			return fmt.Errorf("mutation %s base: %w", m.ID, err)
		}
		local, err := canon.Decode([]byte(latest.Payload))
		if err != nil {
			return fmt.Errorf("mutation %s payload: %w", latest.ID, err)
		}

		var merged canon.Object
		merged, conflicts = MergeFields(base,
			Side{Fields: local, At: latest.CreatedAt},
			Side{Fields: cur.Fields, At: cur.EditTime()},
			custodyFields,
		)
		if err := r.logLosers(ctx, q, m, conflicts); err != nil {
			return err
		}
		for _, c := range conflicts {
			if c.Field == "active_transfer_id" && c.Winner == domain.OriginRemote {
				if s, ok := c.Local.(canon.String); ok {
					lost = string(s)
				}
			}
		}

		next, err := domain.AssetFromObject(merged)
		if err != nil {
			return err
		}
		prev, err := q.GetAsset(ctx, m.EntityID)
		if err != nil {
			return err
		}
		if !canon.Equal(prev.Object(), next.Object()) {
			next.UpdatedAt = r.clock.Now()
			if err := q.PutAsset(ctx, next); err != nil {
				return err
			}
			if _, err := r.log.Append(ctx, q, changelog.Change{
				EntityType: domain.EntityAsset,
				EntityID:   next.ID,
				Action:     domain.ActionUpdate,
				Before:     prev.Object(),
				After:      next.Object(),
				ActorID:    transfer.SyncActor,
				Origin:     domain.OriginRemote,
				Verified:   true,
			}); err != nil {
				return err
			}
		}
		return r.finish(ctx, q, pending, merged, cur)
	})
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}

	if lost != "" && lost != remoteAsset.ActiveTransferID {
		reason := fmt.Sprintf("asset %s has active transfer %q in the remote store", remoteAsset.ID, remoteAsset.ActiveTransferID)
		if _, err := r.machine.RejectLocal(ctx, lost, reason, &remoteAsset); err != nil {
			if store.IsCorrupt(err) {
				return err
			}
			r.logger.Error("reject transfer that lost custody",
				"transfer_id", lost,
				"asset_id", remoteAsset.ID,
				"error", err,
			)
		}
	}

	r.metrics.IncrementConflict(string(m.EntityType), "merged")
	t.add(func(rep *Report) { rep.Merged++ })
	r.logger.Info("asset merged with remote copy",
		"mutation_id", m.ID,
		"asset_id", m.EntityID,
		"remote_version", cur.Version,
		"conflicts", len(conflicts),
	)
	return nil
}

// mergeEvidence settles competing evidence entries. The signature covers
// the whole entry, so fields cannot be mixed: the later confirmation wins,
// the remote one on a tie. A remote entry that fails authentication never
// wins.
func (r *Reconciler) mergeEvidence(ctx context.Context, m domain.PendingMutation, cur remote.Document, t *tally) error {
	remoteEv, err := cur.Evidence()
	if err != nil {
		return r.failed(ctx, m, nil, err, t)
	}
	if err := r.machine.VerifyRemoteEvidence(ctx, remoteEv); err != nil {
		if !domain.IsSignature(err) {
			return r.failed(ctx, m, nil, err, t)
		}
		return r.refuseEvidence(ctx, m, cur, err, t)
	}

	var (
		winner  = domain.OriginRemote
		settled bool
	)
	err = r.store.RunInTx(ctx, func(q *store.Queries) error {
		pending, ok, err := queued(ctx, q, m)
		if err != nil || !ok {
			return err
		}
		settled = true
		latest := pending[len(pending)-1]
		local, err := canon.Decode([]byte(latest.Payload))
		if err != nil {
			return fmt.Errorf("mutation %s payload: %w", latest.ID, err)
		}
		localEv, err := domain.EvidenceFromObject(local)
		if err != nil {
			return err
		}
		if canon.Equal(local, cur.Fields) {
			return r.finish(ctx, q, pending, local, cur)
		}

		loser, loserOrigin := local, domain.OriginLocal
		if localEv.ConfirmedAt.After(remoteEv.ConfirmedAt) {
			winner = domain.OriginLocal
			loser, loserOrigin = cur.Fields, domain.OriginRemote
		}
		if _, err := r.log.Append(ctx, q, changelog.Change{
			EntityType: domain.EntityEvidence,
			EntityID:   m.EntityID,
			Action:     domain.ActionUpdate,
			After:      loser,
			ActorID:    transfer.SyncActor,
			Origin:     loserOrigin,
			Verified:   false,
		}); err != nil {
			return err
		}

		if winner == domain.OriginLocal {
			return r.finish(ctx, q, pending, local, cur)
		}
		if err := q.PutEvidence(ctx, remoteEv); err != nil {
			return err
		}
		if _, err := r.log.Append(ctx, q, changelog.Change{
			EntityType: domain.EntityEvidence,
			EntityID:   m.EntityID,
			Action:     domain.ActionUpdate,
			Before:     local,
			After:      cur.Fields,
			ActorID:    transfer.SyncActor,
			Origin:     domain.OriginRemote,
			Verified:   true,
		}); err != nil {
			return err
		}
		return r.finish(ctx, q, pending, cur.Fields, cur)
	})
	if err != nil || !settled {
		return err
	}

	r.metrics.IncrementConflict(string(m.EntityType), "merged")
	t.add(func(rep *Report) { rep.Merged++ })
	r.logger.Info("evidence settled with remote copy",
		"mutation_id", m.ID,
		"evidence_id", m.EntityID,
		"winner", winner,
	)
	return nil
}

// refuseEvidence keeps the local entry when the remote one is not
// authentic. The remote entry is logged unverified and the mutation is
// dead-lettered so the forgery surfaces as a SyncFailure instead of being
// silently overwritten.
func (r *Reconciler) refuseEvidence(ctx context.Context, m domain.PendingMutation, cur remote.Document, cause error, t *tally) error {
	local, err := canon.Decode([]byte(m.Payload))
	if err != nil {
		return fmt.Errorf("mutation %s payload: %w", m.ID, err)
	}
	err = r.store.RunInTx(ctx, func(q *store.Queries) error {
		_, err := r.log.Append(ctx, q, changelog.Change{
			EntityType: domain.EntityEvidence,
			EntityID:   m.EntityID,
			Action:     domain.ActionUpdate,
			Before:     local,
			After:      cur.Fields,
			ActorID:    transfer.SyncActor,
			Origin:     domain.OriginRemote,
			Verified:   false,
		})
		return err
	})
	if err != nil {
		return err
	}
	r.metrics.IncrementConflict(string(m.EntityType), "refused")
	r.logger.Warn("remote evidence failed authentication",
		"mutation_id", m.ID,
		"evidence_id", m.EntityID,
		"remote_version", cur.Version,
		"error", cause,
	)
	return r.failed(ctx, m, local, backoff.Permanent(cause), t)
}
