package store

import (
	"context"
	"fmt"

	"github.com/roach88/herdtrail/internal/domain"
)

const mutationColumns = `seq, id, entity_type, entity_id, action, payload, base, base_version, created_at,
	retry_count, last_error, next_attempt_at, dead_lettered_at`

// InsertMutation appends a pending mutation and returns its seq.
// Uses ON CONFLICT(id) DO NOTHING for idempotency; a duplicate returns the
// existing seq.
func (q *Queries) InsertMutation(ctx context.Context, m domain.PendingMutation) (int64, error) {
	_, err := q.exec(ctx, `
		INSERT INTO pending_mutations
		(id, entity_type, entity_id, action, payload, base, base_version, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID, string(m.EntityType), m.EntityID, string(m.Action), m.Payload, m.Base, m.BaseVersion,
		toNS(m.CreatedAt), toNS(m.NextAttemptAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert mutation %s: %w", m.ID, err)
	}
	var seq int64
	if err := q.queryRow(ctx, `SELECT seq FROM pending_mutations WHERE id = ?`, m.ID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("insert mutation %s: %w", m.ID, scanErr(err))
	}
	return seq, nil
}

// LatestPending returns the newest undelivered mutation for an entity, or
// ErrNotFound.
func (q *Queries) LatestPending(ctx context.Context, entityType domain.EntityType, entityID string) (domain.PendingMutation, error) {
	row := q.queryRow(ctx, `
		SELECT `+mutationColumns+` FROM pending_mutations
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq DESC LIMIT 1
	`, string(entityType), entityID)
	m, err := scanMutation(row)
	if err != nil {
		return domain.PendingMutation{}, fmt.Errorf("latest mutation for %s: %w", entityID, err)
	}
	return m, nil
}

// HeadMutations returns, for each entity, its oldest live mutation if that
// mutation is due at nowNS. Dead letters are skipped. Results are ordered by
// seq and capped at limit.
func (q *Queries) HeadMutations(ctx context.Context, nowNS int64, limit int) ([]domain.PendingMutation, error) {
	return q.listMutations(ctx, `
		WHERE p.dead_lettered_at = 0
		  AND p.next_attempt_at <= ?
		  AND p.seq = (
			SELECT MIN(h.seq) FROM pending_mutations h
			WHERE h.entity_type = p.entity_type AND h.entity_id = p.entity_id AND h.dead_lettered_at = 0
		  )
		ORDER BY p.seq
		LIMIT ?`, nowNS, limit)
}

// GetMutation returns a mutation by id or ErrNotFound.
func (q *Queries) GetMutation(ctx context.Context, id string) (domain.PendingMutation, error) {
	row := q.queryRow(ctx, `SELECT `+mutationColumns+` FROM pending_mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if err != nil {
		return domain.PendingMutation{}, fmt.Errorf("get mutation %s: %w", id, err)
	}
	return m, nil
}

// DeleteMutation removes a mutation. It reports whether a row was removed.
func (q *Queries) DeleteMutation(ctx context.Context, id string) (bool, error) {
	res, err := q.exec(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete mutation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecordFailure stores a failed attempt and schedules the next one.
func (q *Queries) RecordFailure(ctx context.Context, id string, retryCount int, lastError string, nextAttemptNS int64) error {
	res, err := q.exec(ctx, `
		UPDATE pending_mutations SET retry_count = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ? AND dead_lettered_at = 0
	`, retryCount, lastError, nextAttemptNS, id)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record failure %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeadLetter moves a mutation to the dead-letter set. It reports true only
// for the call that actually moved it, so the caller emits one failure.
func (q *Queries) DeadLetter(ctx context.Context, id string, retryCount int, lastError string, nowNS int64) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE pending_mutations SET retry_count = ?, last_error = ?, dead_lettered_at = ?
		WHERE id = ? AND dead_lettered_at = 0
	`, retryCount, lastError, nowNS, id)
	if err != nil {
		return false, fmt.Errorf("dead letter %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeadLetters lists dead-lettered mutations oldest first.
func (q *Queries) DeadLetters(ctx context.Context) ([]domain.PendingMutation, error) {
	return q.listMutations(ctx, `WHERE p.dead_lettered_at > 0 ORDER BY p.seq`)
}

// PendingMutations lists live mutations oldest first.
func (q *Queries) PendingMutations(ctx context.Context) ([]domain.PendingMutation, error) {
	return q.listMutations(ctx, `WHERE p.dead_lettered_at = 0 ORDER BY p.seq`)
}

// Requeue returns a dead letter to the live queue with its attempts reset.
func (q *Queries) Requeue(ctx context.Context, id string, nowNS int64) error {
	res, err := q.exec(ctx, `
		UPDATE pending_mutations SET retry_count = 0, last_error = '', next_attempt_at = ?, dead_lettered_at = 0
		WHERE id = ? AND dead_lettered_at > 0
	`, nowNS, id)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeue %s: %w", id, ErrNotFound)
	}
	return nil
}

// RebaseMutation replaces the payload and precondition of one mutation and
// makes it due immediately.
func (q *Queries) RebaseMutation(ctx context.Context, id, payload, base string, baseVersion, nowNS int64) error {
	res, err := q.exec(ctx, `
		UPDATE pending_mutations SET payload = ?, base = ?, base_version = ?, next_attempt_at = ?
		WHERE id = ?
	`, payload, base, baseVersion, nowNS, id)
	if err != nil {
		return fmt.Errorf("rebase %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rebase %s: %w", id, ErrNotFound)
	}
	return nil
}

// RebaseEntity moves the precondition of every queued mutation of an entity
// to baseVersion. Mutations queued behind the one just delivered were made
// on top of it, so they inherit its acknowledged version.
func (q *Queries) RebaseEntity(ctx context.Context, entityType domain.EntityType, entityID string, baseVersion int64) error {
	_, err := q.exec(ctx, `
		UPDATE pending_mutations SET base_version = ?
		WHERE entity_type = ? AND entity_id = ?
	`, baseVersion, string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("rebase %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// DeleteEntityMutations removes every queued mutation of an entity,
// dead letters included, and returns how many were removed.
func (q *Queries) DeleteEntityMutations(ctx context.Context, entityType domain.EntityType, entityID string) (int64, error) {
	res, err := q.exec(ctx, `
		DELETE FROM pending_mutations WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID)
	if err != nil {
		return 0, fmt.Errorf("delete mutations of %s/%s: %w", entityType, entityID, err)
	}
	return res.RowsAffected()
}

// EntityMutations lists the live mutations of one entity oldest first.
func (q *Queries) EntityMutations(ctx context.Context, entityType domain.EntityType, entityID string) ([]domain.PendingMutation, error) {
	return q.listMutations(ctx, `
		WHERE p.entity_type = ? AND p.entity_id = ? AND p.dead_lettered_at = 0
		ORDER BY p.seq`, string(entityType), entityID)
}

// MutationCounts returns the number of live and dead-lettered mutations.
func (q *Queries) MutationCounts(ctx context.Context) (pending, dead int, err error) {
	err = q.queryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN dead_lettered_at = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead_lettered_at > 0 THEN 1 ELSE 0 END), 0)
		FROM pending_mutations
	`).Scan(&pending, &dead)
	if err != nil {
		return 0, 0, fmt.Errorf("count mutations: %w", mapError(err))
	}
	return pending, dead, nil
}

func (q *Queries) listMutations(ctx context.Context, where string, args ...any) ([]domain.PendingMutation, error) {
	rows, err := q.query(ctx, `SELECT `+prefixedMutationColumns+` FROM pending_mutations p `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("list mutations: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// prefixedMutationColumns qualifies mutationColumns with the "p" alias.
const prefixedMutationColumns = `p.seq, p.id, p.entity_type, p.entity_id, p.action, p.payload, p.base,
	p.base_version, p.created_at, p.retry_count, p.last_error, p.next_attempt_at, p.dead_lettered_at`

func scanMutation(s scanner) (domain.PendingMutation, error) {
	var (
		m                         domain.PendingMutation
		entityType, action        string
		createdNS, nextNS, deadNS int64
	)
	err := s.Scan(&m.Seq, &m.ID, &entityType, &m.EntityID, &action, &m.Payload, &m.Base, &m.BaseVersion,
		&createdNS, &m.RetryCount, &m.LastError, &nextNS, &deadNS)
	if err != nil {
		return domain.PendingMutation{}, scanErr(err)
	}
	m.EntityType = domain.EntityType(entityType)
	m.Action = domain.Action(action)
	m.CreatedAt = fromNS(createdNS)
	m.NextAttemptAt = fromNS(nextNS)
	m.DeadLetteredAt = fromNS(deadNS)
	return m, nil
}
