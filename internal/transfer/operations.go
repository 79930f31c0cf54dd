package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
	"github.com/roach88/herdtrail/internal/store"
	"github.com/roach88/herdtrail/internal/verify"
)

// InitiateRequest describes a proposed ownership transfer.
type InitiateRequest struct {
	// ID is optional. When set, retrying the same request returns the
	// stored record instead of creating a second one.
	ID string

	AssetID     string
	FromOwnerID string
	ToOwnerID   string
	Method      domain.Method
	Price       int64
	Currency    string

	// ActorID must be one of the parties. Empty means FromOwnerID.
	ActorID string
}

func (r *InitiateRequest) validate() error {
	if r.AssetID == "" || r.FromOwnerID == "" || r.ToOwnerID == "" {
		return fmt.Errorf("%w: asset, sender and receiver are required", ErrInvalidRequest)
	}
	if r.FromOwnerID == r.ToOwnerID {
		return fmt.Errorf("%w: sender and receiver are both %s", ErrInvalidRequest, r.FromOwnerID)
	}
	if _, err := domain.ParseMethod(string(r.Method)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Price < 0 {
		return fmt.Errorf("%w: negative price", ErrInvalidRequest)
	}
	if r.Price > 0 && r.Currency == "" {
		return fmt.Errorf("%w: priced transfer needs a currency", ErrInvalidRequest)
	}
	if r.ActorID == "" {
		r.ActorID = r.FromOwnerID
	}
	if r.ActorID != r.FromOwnerID && r.ActorID != r.ToOwnerID {
		return fmt.Errorf("%w: %s is not a party", ErrInvalidRequest, r.ActorID)
	}
	return nil
}

// Initiate opens a transfer for an asset. It fails with ConflictError if
// the asset already has an active transfer, NotFoundError if the asset is
// unknown, and InvalidStateError if the asset is inactive or not owned by
// the sender.
func (m *Machine) Initiate(ctx context.Context, req InitiateRequest) (domain.TransferRecord, error) {
	if err := req.validate(); err != nil {
		return domain.TransferRecord{}, err
	}

	var out domain.TransferRecord
	err := m.withAsset(ctx, req.AssetID, func(t *tx) error {
		if req.ID != "" {
			existing, err := t.q.GetTransfer(t.ctx, req.ID)
			switch {
			case err == nil:
				if existing.AssetID != req.AssetID || existing.FromOwnerID != req.FromOwnerID || existing.ToOwnerID != req.ToOwnerID {
					return fmt.Errorf("%w: transfer %s exists with different parties", ErrInvalidRequest, req.ID)
				}
				out = existing
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		a, err := t.asset(req.AssetID)
		if err != nil {
			return err
		}
		if !a.Active {
			return &domain.InvalidStateError{To: domain.StatusInitiated, Reason: fmt.Sprintf("asset %s is inactive", a.ID)}
		}
		if a.OwnerID != req.FromOwnerID {
			return &domain.InvalidStateError{To: domain.StatusInitiated, Reason: fmt.Sprintf("asset %s is owned by %s, not %s", a.ID, a.OwnerID, req.FromOwnerID)}
		}
		active, err := t.q.ActiveTransfer(t.ctx, a.ID)
		switch {
		case err == nil:
			return &domain.ConflictError{AssetID: a.ID, ActiveTransferID: active.ID}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		// The asset may point at a transfer only the remote store knows.
		if a.ActiveTransferID != "" {
			return &domain.ConflictError{AssetID: a.ID, ActiveTransferID: a.ActiveTransferID}
		}

		id := req.ID
		if id == "" {
			id = m.ids.Generate()
		}
		rec := domain.TransferRecord{
			ID:                 id,
			AssetID:            a.ID,
			FromOwnerID:        req.FromOwnerID,
			ToOwnerID:          req.ToOwnerID,
			InitiatedAt:        t.now,
			Price:              req.Price,
			Currency:           req.Currency,
			Method:             req.Method,
			Status:             domain.StatusInitiated,
			VerificationStatus: domain.VerificationUnverified,
			ExpiresAt:          t.now.Add(m.ttl),
			UpdatedAt:          t.now,
			Version:            1,
		}
		if err := t.sign(&rec); err != nil {
			return err
		}
		if err := t.q.InsertTransfer(t.ctx, rec); err != nil {
			if store.IsUniqueViolation(err) {
				return &domain.ConflictError{AssetID: a.ID}
			}
			return err
		}
		if _, err := m.log.Append(t.ctx, t.q, changelog.Change{
			EntityType: domain.EntityTransfer,
			EntityID:   rec.ID,
			Action:     domain.ActionCreate,
			After:      rec.Object(),
			ActorID:    req.ActorID,
			Origin:     domain.OriginLocal,
			Verified:   true,
			At:         t.now,
		}); err != nil {
			return err
		}
		if _, err := m.queue.Enqueue(t.ctx, t.q, domain.EntityTransfer, rec.ID, domain.ActionCreate, rec.Object()); err != nil {
			return err
		}

		before := a
		a.ActiveTransferID = rec.ID
		if err := t.saveAsset(before, &a, req.ActorID, domain.OriginLocal); err != nil {
			return err
		}

		m.metrics.IncrementTransition(string(rec.Status))
		t.events = append(t.events, events.TransitionEvents(rec, "", req.ActorID, t.now)...)
		m.logger.Info("transfer initiated",
			"transfer_id", rec.ID,
			"asset_id", rec.AssetID,
			"from_owner_id", rec.FromOwnerID,
			"to_owner_id", rec.ToOwnerID,
			"method", rec.Method,
		)
		out = rec
		return nil
	})
	if err != nil {
		return domain.TransferRecord{}, err
	}
	return out, nil
}

// update loads a transfer, locks its asset and runs fn on the fresh record
// inside a transaction. The record fn leaves behind is returned.
func (m *Machine) update(ctx context.Context, id string, fn func(t *tx, rec *domain.TransferRecord) error) (domain.TransferRecord, error) {
	cur, err := m.Get(ctx, id)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	var out domain.TransferRecord
	err = m.withAsset(ctx, cur.AssetID, func(t *tx) error {
		rec, err := t.transfer(id)
		if err != nil {
			return err
		}
		if err := fn(t, &rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return domain.TransferRecord{}, err
	}
	return out, nil
}

func acceptsEvidence(s domain.Status) bool {
	return s == domain.StatusInitiated || s == domain.StatusPendingVerification
}

func evidenceClosed(rec domain.TransferRecord, reason string) error {
	e := &domain.InvalidStateError{
		TransferID: rec.ID,
		From:       rec.Status,
		To:         domain.StatusPendingVerification,
		Reason:     reason,
	}
	if rec.Status.Terminal() {
		e.Reason = "terminal"
	}
	return e
}

// SubmitEvidence records a party's signed attestation and re-evaluates the
// transfer. The first evidence moves it to PENDING_VERIFICATION; a
// SATISFIED evaluation verifies and completes it, a DISPUTED one disputes
// it. Evidence whose signature does not verify is not stored.
//
// Submitting the same signed evidence twice returns the current record
// without side effects.
func (m *Machine) SubmitEvidence(ctx context.Context, transferID string, ev domain.Evidence) (domain.TransferRecord, error) {
	if ev.TransferID == "" {
		ev.TransferID = transferID
	}
	if ev.TransferID != transferID {
		return domain.TransferRecord{}, fmt.Errorf("%w: evidence is for transfer %s, not %s", ErrInvalidRequest, ev.TransferID, transferID)
	}
	rec, err := m.Get(ctx, transferID)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	if !rec.IsParty(ev.PartyID) {
		return domain.TransferRecord{}, fmt.Errorf("%w: %s is not a party to transfer %s", ErrInvalidRequest, ev.PartyID, transferID)
	}
	if stored, err := m.store.GetEvidence(ctx, transferID, ev.PartyID); err == nil && stored.Signature == ev.Signature {
		return rec, nil
	}
	if !acceptsEvidence(rec.Status) {
		return domain.TransferRecord{}, evidenceClosed(rec, "evidence is only accepted while awaiting verification")
	}
	if err := m.verifier.VerifyEvidence(ctx, ev); err != nil {
		m.logger.Warn("evidence rejected",
			"transfer_id", transferID,
			"party_id", ev.PartyID,
			"error", err,
		)
		return domain.TransferRecord{}, err
	}

	return m.update(ctx, transferID, func(t *tx, rec *domain.TransferRecord) error {
		stored, err := t.q.GetEvidence(t.ctx, transferID, ev.PartyID)
		exists := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if exists && stored.Signature == ev.Signature {
			return nil
		}
		if !acceptsEvidence(rec.Status) {
			return evidenceClosed(*rec, "evidence is only accepted while awaiting verification")
		}
		if !t.now.Before(rec.ExpiresAt) {
			return evidenceClosed(*rec, "verification window has elapsed")
		}

		if err := t.q.PutEvidence(t.ctx, ev); err != nil {
			return err
		}
		change := changelog.Change{
			EntityType: domain.EntityEvidence,
			EntityID:   ev.Key(),
			Action:     domain.ActionCreate,
			After:      ev.Object(),
			ActorID:    ev.PartyID,
			Origin:     domain.OriginLocal,
			Verified:   true,
			At:         t.now,
		}
		if exists {
			change.Action = domain.ActionUpdate
			change.Before = stored.Object()
		}
		if _, err := m.log.Append(t.ctx, t.q, change); err != nil {
			return err
		}
		if _, err := m.queue.Enqueue(t.ctx, t.q, domain.EntityEvidence, ev.Key(), change.Action, ev.Object()); err != nil {
			return err
		}

		evidence, err := t.q.ListEvidence(t.ctx, transferID)
		if err != nil {
			return err
		}
		before := rec.Object()
		from := rec.Status
		rec.ProofRefs = verify.ProofRefs(*rec, evidence)
		decision := m.verifier.Evaluate(*rec, evidence)
		rec.VerificationStatus = decision.Status
		m.logger.Debug("evidence evaluated",
			"transfer_id", rec.ID,
			"party_id", ev.PartyID,
			"verification", decision.Status,
			"reason", decision.Reason,
		)

		if from == domain.StatusInitiated {
			rec.Status = domain.StatusPendingVerification
			if err := t.commit(rec, from, before, ev.PartyID); err != nil {
				return err
			}
			from, before = rec.Status, rec.Object()
		}

		switch {
		case decision.Satisfied():
			rec.Status = domain.StatusVerified
			if err := t.commit(rec, from, before, ev.PartyID); err != nil {
				return err
			}
			return t.complete(rec, ev.PartyID)
		case decision.Disputed():
			rec.Status = domain.StatusDisputed
			rec.Reason = decision.Reason
			return t.commit(rec, from, before, ev.PartyID)
		case !canon.Equal(before, rec.Object()):
			return t.saveTransfer(rec, before, ev.PartyID)
		}
		return nil
	})
}

// complete is the only place ownership moves: it is reached solely from a
// SATISFIED evaluation of a VERIFIED record.
func (t *tx) complete(rec *domain.TransferRecord, actorID string) error {
	if rec.Status != domain.StatusVerified || rec.VerificationStatus != domain.VerificationSatisfied {
		return &domain.InvalidStateError{
			TransferID: rec.ID,
			From:       rec.Status,
			To:         domain.StatusCompleted,
			Reason:     "verification not satisfied",
		}
	}
	a, err := t.asset(rec.AssetID)
	if err != nil {
		return err
	}
	if a.OwnerID != rec.FromOwnerID {
		return &domain.InvalidStateError{
			TransferID: rec.ID,
			From:       rec.Status,
			To:         domain.StatusCompleted,
			Reason:     fmt.Sprintf("asset %s is owned by %s", a.ID, a.OwnerID),
		}
	}
	if err := t.transition(rec, domain.StatusCompleted, actorID, ""); err != nil {
		return err
	}
	before := a
	a.OwnerID = rec.ToOwnerID
	a.ActiveTransferID = ""
	if err := t.saveAsset(before, &a, actorID, domain.OriginLocal); err != nil {
		return err
	}
	t.m.logger.Info("ownership transferred",
		"transfer_id", rec.ID,
		"asset_id", a.ID,
		"from_owner_id", rec.FromOwnerID,
		"to_owner_id", rec.ToOwnerID,
	)
	return nil
}

// Cancel withdraws a transfer that has not been verified yet. Only a party
// may cancel.
func (m *Machine) Cancel(ctx context.Context, transferID, actorID, reason string) (domain.TransferRecord, error) {
	return m.update(ctx, transferID, func(t *tx, rec *domain.TransferRecord) error {
		if rec.Status == domain.StatusCancelled {
			return nil
		}
		if !rec.IsParty(actorID) {
			return fmt.Errorf("%w: %s is not a party to transfer %s", ErrInvalidRequest, actorID, rec.ID)
		}
		if err := t.transition(rec, domain.StatusCancelled, actorID, reason); err != nil {
			return err
		}
		return t.releaseAsset(*rec, actorID, domain.OriginLocal)
	})
}

// Reject closes a disputed transfer after adjudication.
func (m *Machine) Reject(ctx context.Context, transferID, actorID, reason string) (domain.TransferRecord, error) {
	return m.update(ctx, transferID, func(t *tx, rec *domain.TransferRecord) error {
		if rec.Status == domain.StatusRejected {
			return nil
		}
		if rec.Status != domain.StatusDisputed {
			e := &domain.InvalidStateError{
				TransferID: rec.ID,
				From:       rec.Status,
				To:         domain.StatusRejected,
				Reason:     "only disputed transfers can be rejected",
			}
			if rec.Status.Terminal() {
				e.Reason = "terminal"
			}
			return e
		}
		if err := t.transition(rec, domain.StatusRejected, actorID, reason); err != nil {
			return err
		}
		return t.releaseAsset(*rec, actorID, domain.OriginLocal)
	})
}

// Expire closes a transfer whose verification window has elapsed. It fails
// with InvalidStateError if the window is still open or the transfer has
// moved past verification.
func (m *Machine) Expire(ctx context.Context, transferID string) (domain.TransferRecord, error) {
	return m.update(ctx, transferID, func(t *tx, rec *domain.TransferRecord) error {
		if rec.Status == domain.StatusExpired {
			return nil
		}
		if acceptsEvidence(rec.Status) && t.now.Before(rec.ExpiresAt) {
			return &domain.InvalidStateError{
				TransferID: rec.ID,
				From:       rec.Status,
				To:         domain.StatusExpired,
				Reason:     "expires at " + domain.FormatTime(rec.ExpiresAt),
			}
		}
		if err := t.transition(rec, domain.StatusExpired, SystemActor, "verification window elapsed"); err != nil {
			return err
		}
		return t.releaseAsset(*rec, SystemActor, domain.OriginLocal)
	})
}

// ExpireDue expires every transfer whose window has elapsed and returns
// the records it expired. Transfers that moved on concurrently are skipped.
func (m *Machine) ExpireDue(ctx context.Context) ([]domain.TransferRecord, error) {
	if err := m.checkHalted(); err != nil {
		return nil, err
	}
	due, err := m.store.DueTransfers(ctx, m.clock.Now().UnixNano())
	if err != nil {
		m.noteFatal(err)
		return nil, err
	}
	var out []domain.TransferRecord
	for _, d := range due {
		rec, err := m.Expire(ctx, d.ID)
		if domain.IsInvalidState(err) {
			m.logger.Debug("expiry skipped", "transfer_id", d.ID, "error", err)
			continue
		}
		if err != nil {
			return out, fmt.Errorf("expire %s: %w", d.ID, err)
		}
		out = append(out, rec)
	}
	if len(out) > 0 {
		m.logger.Info("expired transfers", "count", len(out))
	}
	return out, nil
}

// RunSweeper calls ExpireDue every interval until ctx is done.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.ExpireDue(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, domain.ErrHalted) {
				m.logger.Warn("sweep skipped", "error", err)
			} else {
				m.logger.Error("sweep failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
