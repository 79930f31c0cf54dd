package store

import (
	"context"
	"fmt"

	"github.com/roach88/herdtrail/internal/domain"
)

const transferColumns = `id, asset_id, from_owner_id, to_owner_id, initiated_at, price, currency, method,
	status, verification_status, proof_refs, signature, signer_key_id, expires_at, updated_at, reason, version`

// activeStatusList renders the non-terminal statuses for IN clauses.
const activeStatusList = `('INITIATED', 'PENDING_VERIFICATION', 'VERIFIED', 'DISPUTED')`

// InsertTransfer inserts a new transfer. A second non-terminal transfer for
// the same asset violates idx_transfers_one_active; check with
// IsUniqueViolation.
func (q *Queries) InsertTransfer(ctx context.Context, t domain.TransferRecord) error {
	refs, err := marshalRefs(t.ProofRefs)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.AssetID, t.FromOwnerID, t.ToOwnerID, toNS(t.InitiatedAt), t.Price, t.Currency,
		string(t.Method), string(t.Status), string(t.VerificationStatus), refs,
		t.Signature, t.SignerKeyID, toNS(t.ExpiresAt), toNS(t.UpdatedAt), t.Reason, t.Version,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTransfer overwrites the mutable fields of a transfer.
func (q *Queries) UpdateTransfer(ctx context.Context, t domain.TransferRecord) error {
	refs, err := marshalRefs(t.ProofRefs)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx, `
		UPDATE transfers SET
			status = ?, verification_status = ?, proof_refs = ?, signature = ?, signer_key_id = ?,
			expires_at = ?, updated_at = ?, reason = ?, version = ?
		WHERE id = ?
	`,
		string(t.Status), string(t.VerificationStatus), refs, t.Signature, t.SignerKeyID,
		toNS(t.ExpiresAt), toNS(t.UpdatedAt), t.Reason, t.Version, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update transfer %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// PutTransfer inserts or fully replaces a transfer. Used when adopting
// the remote copy of a record.
func (q *Queries) PutTransfer(ctx context.Context, t domain.TransferRecord) error {
	refs, err := marshalRefs(t.ProofRefs)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			asset_id = excluded.asset_id,
			from_owner_id = excluded.from_owner_id,
			to_owner_id = excluded.to_owner_id,
			initiated_at = excluded.initiated_at,
			price = excluded.price,
			currency = excluded.currency,
			method = excluded.method,
			status = excluded.status,
			verification_status = excluded.verification_status,
			proof_refs = excluded.proof_refs,
			signature = excluded.signature,
			signer_key_id = excluded.signer_key_id,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			reason = excluded.reason,
			version = excluded.version
	`,
		t.ID, t.AssetID, t.FromOwnerID, t.ToOwnerID, toNS(t.InitiatedAt), t.Price, t.Currency,
		string(t.Method), string(t.Status), string(t.VerificationStatus), refs,
		t.Signature, t.SignerKeyID, toNS(t.ExpiresAt), toNS(t.UpdatedAt), t.Reason, t.Version,
	)
	if err != nil {
		return fmt.Errorf("put transfer %s: %w", t.ID, err)
	}
	return nil
}

// GetTransfer returns the transfer or ErrNotFound.
func (q *Queries) GetTransfer(ctx context.Context, id string) (domain.TransferRecord, error) {
	row := q.queryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	t, err := scanTransfer(row)
	if err != nil {
		return domain.TransferRecord{}, fmt.Errorf("get transfer %s: %w", id, err)
	}
	return t, nil
}

// ActiveTransfer returns the non-terminal transfer for an asset, or
// ErrNotFound.
func (q *Queries) ActiveTransfer(ctx context.Context, assetID string) (domain.TransferRecord, error) {
	row := q.queryRow(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE asset_id = ? AND status IN `+activeStatusList, assetID)
	t, err := scanTransfer(row)
	if err != nil {
		return domain.TransferRecord{}, fmt.Errorf("active transfer for %s: %w", assetID, err)
	}
	return t, nil
}

// ListTransfers returns an asset's transfers, oldest first.
func (q *Queries) ListTransfers(ctx context.Context, assetID string) ([]domain.TransferRecord, error) {
	return q.listTransfers(ctx, `WHERE asset_id = ? ORDER BY initiated_at, id`, assetID)
}

// DueTransfers returns INITIATED and PENDING_VERIFICATION transfers whose
// expiry is at or before now.
func (q *Queries) DueTransfers(ctx context.Context, nowNS int64) ([]domain.TransferRecord, error) {
	return q.listTransfers(ctx, `
		WHERE status IN ('INITIATED', 'PENDING_VERIFICATION') AND expires_at > 0 AND expires_at <= ?
		ORDER BY expires_at, id`, nowNS)
}

func (q *Queries) listTransfers(ctx context.Context, where string, args ...any) ([]domain.TransferRecord, error) {
	rows, err := q.query(ctx, `SELECT `+transferColumns+` FROM transfers `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []domain.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("list transfers: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransfer(s scanner) (domain.TransferRecord, error) {
	var (
		t                                 domain.TransferRecord
		method, status, vstatus, refs     string
		initiatedNS, expiresNS, updatedNS int64
	)
	err := s.Scan(&t.ID, &t.AssetID, &t.FromOwnerID, &t.ToOwnerID, &initiatedNS, &t.Price, &t.Currency,
		&method, &status, &vstatus, &refs, &t.Signature, &t.SignerKeyID, &expiresNS, &updatedNS,
		&t.Reason, &t.Version)
	if err != nil {
		return domain.TransferRecord{}, scanErr(err)
	}
	t.Method = domain.Method(method)
	t.Status = domain.Status(status)
	t.VerificationStatus = domain.VerificationStatus(vstatus)
	if t.ProofRefs, err = unmarshalRefs(refs); err != nil {
		return domain.TransferRecord{}, err
	}
	t.InitiatedAt = fromNS(initiatedNS)
	t.ExpiresAt = fromNS(expiresNS)
	t.UpdatedAt = fromNS(updatedNS)
	return t, nil
}
