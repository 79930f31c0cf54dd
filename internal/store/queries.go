package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs statements against either the database or an open
// transaction. Store embeds one bound to the database; RunInTx hands out
// one bound to the transaction.
type Queries struct {
	q querier
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := q.q.ExecContext(ctx, query, args...)
	return res, mapError(err)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	return rows, mapError(err)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.q.QueryRowContext(ctx, query, args...)
}

// scanErr maps sql.ErrNoRows to ErrNotFound.
func scanErr(err error) error {
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return mapError(err)
}

func toNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalRefs(refs []string) (string, error) {
	if refs == nil {
		refs = []string{}
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("marshal proof refs: %w", err)
	}
	return string(data), nil
}

func unmarshalRefs(s string) ([]string, error) {
	var refs []string
	if err := json.Unmarshal([]byte(s), &refs); err != nil {
		return nil, fmt.Errorf("unmarshal proof refs: %w", err)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return refs, nil
}
