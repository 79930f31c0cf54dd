package store

import (
	"context"
	"fmt"

	"github.com/roach88/herdtrail/internal/domain"
)

const evidenceColumns = `transfer_id, party_id, confirmed_at, proof_refs, has_geo, geo_lat_e6, geo_lon_e6,
	geo_accuracy_m, plausibility, signature, signer_key_id`

// PutEvidence inserts or replaces the evidence of one party for a transfer.
func (q *Queries) PutEvidence(ctx context.Context, e domain.Evidence) error {
	refs, err := marshalRefs(e.ProofRefs)
	if err != nil {
		return err
	}
	var geo domain.GeoHint
	if e.GeoHint != nil {
		geo = *e.GeoHint
	}
	_, err = q.exec(ctx, `
		INSERT INTO evidence (`+evidenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, party_id) DO UPDATE SET
			confirmed_at = excluded.confirmed_at,
			proof_refs = excluded.proof_refs,
			has_geo = excluded.has_geo,
			geo_lat_e6 = excluded.geo_lat_e6,
			geo_lon_e6 = excluded.geo_lon_e6,
			geo_accuracy_m = excluded.geo_accuracy_m,
			plausibility = excluded.plausibility,
			signature = excluded.signature,
			signer_key_id = excluded.signer_key_id
	`,
		e.TransferID, e.PartyID, toNS(e.ConfirmedAt), refs, boolInt(e.GeoHint != nil),
		geo.LatE6, geo.LonE6, geo.AccuracyM, int64(e.Plausibility), e.Signature, e.SignerKeyID,
	)
	if err != nil {
		return fmt.Errorf("put evidence %s: %w", e.Key(), err)
	}
	return nil
}

// GetEvidence returns one party's evidence or ErrNotFound.
func (q *Queries) GetEvidence(ctx context.Context, transferID, partyID string) (domain.Evidence, error) {
	row := q.queryRow(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE transfer_id = ? AND party_id = ?`,
		transferID, partyID)
	e, err := scanEvidence(row)
	if err != nil {
		return domain.Evidence{}, fmt.Errorf("get evidence %s: %w", domain.EvidenceKey(transferID, partyID), err)
	}
	return e, nil
}

// ListEvidence returns all evidence for a transfer ordered by party.
func (q *Queries) ListEvidence(ctx context.Context, transferID string) ([]domain.Evidence, error) {
	rows, err := q.query(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE transfer_id = ? ORDER BY party_id`,
		transferID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []domain.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("list evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvidence(s scanner) (domain.Evidence, error) {
	var (
		e            domain.Evidence
		confirmedNS  int64
		refs         string
		hasGeo       int
		geo          domain.GeoHint
		plausibility int64
	)
	err := s.Scan(&e.TransferID, &e.PartyID, &confirmedNS, &refs, &hasGeo, &geo.LatE6, &geo.LonE6,
		&geo.AccuracyM, &plausibility, &e.Signature, &e.SignerKeyID)
	if err != nil {
		return domain.Evidence{}, scanErr(err)
	}
	if e.ProofRefs, err = unmarshalRefs(refs); err != nil {
		return domain.Evidence{}, err
	}
	e.ConfirmedAt = fromNS(confirmedNS)
	e.Plausibility = domain.Score(plausibility)
	if hasGeo != 0 {
		e.GeoHint = &geo
	}
	return e, nil
}
