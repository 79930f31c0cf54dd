package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/herdtrail/internal/domain"
)

const changeColumns = `seq, entity_type, entity_id, action, before, after, actor_id, timestamp, origin, verified`

// ChangeFilter selects change log entries. Zero fields do not filter.
type ChangeFilter struct {
	EntityType domain.EntityType
	EntityID   string
	Origin     domain.Origin
	Verified   *bool
	SinceNS    int64
	AfterSeq   int64
	Limit      int
}

// InsertChange appends a change log entry and returns its seq.
func (q *Queries) InsertChange(ctx context.Context, e domain.ChangeLogEntry) (int64, error) {
	res, err := q.exec(ctx, `
		INSERT INTO change_log (entity_type, entity_id, action, before, after, actor_id, timestamp, origin, verified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.EntityType), e.EntityID, string(e.Action), e.Before, e.After, e.ActorID,
		toNS(e.Timestamp), string(e.Origin), boolInt(e.Verified),
	)
	if err != nil {
		return 0, fmt.Errorf("insert change for %s: %w", e.EntityID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert change for %s: %w", e.EntityID, err)
	}
	return seq, nil
}

// LastChangeNS returns the timestamp of the newest entry for an entity,
// or 0 when it has none.
func (q *Queries) LastChangeNS(ctx context.Context, entityType domain.EntityType, entityID string) (int64, error) {
	var ns int64
	err := q.queryRow(ctx, `
		SELECT COALESCE(MAX(timestamp), 0) FROM change_log WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID).Scan(&ns)
	if err != nil {
		return 0, fmt.Errorf("last change for %s: %w", entityID, mapError(err))
	}
	return ns, nil
}

// ListChanges returns entries matching f ordered by seq.
func (q *Queries) ListChanges(ctx context.Context, f ChangeFilter) ([]domain.ChangeLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(f.EntityType))
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, string(f.Origin))
	}
	if f.Verified != nil {
		where = append(where, "verified = ?")
		args = append(args, boolInt(*f.Verified))
	}
	if f.SinceNS > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.SinceNS)
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	query := `SELECT ` + changeColumns + ` FROM change_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []domain.ChangeLogEntry
	for rows.Next() {
		var (
			e                          domain.ChangeLogEntry
			entityType, action, origin string
			ts                         int64
			verified                   int
		)
		if err := rows.Scan(&e.Seq, &entityType, &e.EntityID, &action, &e.Before, &e.After, &e.ActorID,
			&ts, &origin, &verified); err != nil {
			return nil, fmt.Errorf("list changes: %w", scanErr(err))
		}
		e.EntityType = domain.EntityType(entityType)
		e.Action = domain.Action(action)
		e.Origin = domain.Origin(origin)
		e.Timestamp = fromNS(ts)
		e.Verified = verified != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteChangesBefore removes entries with a timestamp before cutoffNS and
// returns how many were removed.
func (q *Queries) DeleteChangesBefore(ctx context.Context, cutoffNS int64) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM change_log WHERE timestamp < ?`, cutoffNS)
	if err != nil {
		return 0, fmt.Errorf("prune change log: %w", err)
	}
	return res.RowsAffected()
}
