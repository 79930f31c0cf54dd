package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/herdtrail/internal/keys"
)

// Store implements keys.Directory.
var _ keys.Directory = (*Store)(nil)

// PutKey inserts or updates a public key. The key bytes and owner of an
// existing id never change; only retirement is recorded.
func (q *Queries) PutKey(ctx context.Context, k keys.PublicKey) error {
	_, err := q.exec(ctx, `
		INSERT INTO public_keys (id, algorithm, public_key, owner_id, created_at, retired_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET retired_at = excluded.retired_at
	`, k.ID, string(k.Algorithm), k.Key, k.OwnerID, toNS(k.CreatedAt), toNS(k.RetiredAt))
	if err != nil {
		return fmt.Errorf("put key %s: %w", k.ID, err)
	}
	return nil
}

// Key returns a public key or keys.ErrUnknownKey.
func (q *Queries) Key(ctx context.Context, id string) (keys.PublicKey, error) {
	row := q.queryRow(ctx, `
		SELECT id, algorithm, public_key, owner_id, created_at, retired_at FROM public_keys WHERE id = ?
	`, id)
	k, err := scanKey(row)
	if errors.Is(err, ErrNotFound) {
		return keys.PublicKey{}, keys.ErrUnknownKey
	}
	if err != nil {
		return keys.PublicKey{}, fmt.Errorf("get key %s: %w", id, err)
	}
	return k, nil
}

// Keys lists every known public key, oldest first.
func (q *Queries) Keys(ctx context.Context) ([]keys.PublicKey, error) {
	rows, err := q.query(ctx, `
		SELECT id, algorithm, public_key, owner_id, created_at, retired_at FROM public_keys
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []keys.PublicKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanKey(s scanner) (keys.PublicKey, error) {
	var (
		k                    keys.PublicKey
		alg                  string
		createdNS, retiredNS int64
	)
	if err := s.Scan(&k.ID, &alg, &k.Key, &k.OwnerID, &createdNS, &retiredNS); err != nil {
		return keys.PublicKey{}, scanErr(err)
	}
	k.Algorithm = keys.Algorithm(alg)
	k.CreatedAt = fromNS(createdNS)
	k.RetiredAt = fromNS(retiredNS)
	return k, nil
}
