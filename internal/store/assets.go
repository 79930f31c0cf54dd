package store

import (
	"context"
	"fmt"

	"github.com/roach88/herdtrail/internal/domain"
)

const assetColumns = `id, category, birth_date, health_ref, lineage_ref, owner_id, active, active_transfer_id, updated_at`

// PutAsset inserts or replaces an asset.
func (q *Queries) PutAsset(ctx context.Context, a domain.Asset) error {
	_, err := q.exec(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			birth_date = excluded.birth_date,
			health_ref = excluded.health_ref,
			lineage_ref = excluded.lineage_ref,
			owner_id = excluded.owner_id,
			active = excluded.active,
			active_transfer_id = excluded.active_transfer_id,
			updated_at = excluded.updated_at
	`,
		a.ID, a.Category, a.BirthDate, a.HealthRef, a.LineageRef, a.OwnerID,
		boolInt(a.Active), a.ActiveTransferID, toNS(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put asset %s: %w", a.ID, err)
	}
	return nil
}

// GetAsset returns the asset or ErrNotFound.
func (q *Queries) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	row := q.queryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	a, err := scanAsset(row)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("get asset %s: %w", id, err)
	}
	return a, nil
}

// ListAssets returns assets ordered by id, optionally only one owner's.
func (q *Queries) ListAssets(ctx context.Context, ownerID string) ([]domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY id`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("list assets: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(s scanner) (domain.Asset, error) {
	var (
		a         domain.Asset
		active    int
		updatedNS int64
	)
	err := s.Scan(&a.ID, &a.Category, &a.BirthDate, &a.HealthRef, &a.LineageRef, &a.OwnerID,
		&active, &a.ActiveTransferID, &updatedNS)
	if err != nil {
		return domain.Asset{}, scanErr(err)
	}
	a.Active = active != 0
	a.UpdatedAt = fromNS(updatedNS)
	return a, nil
}
