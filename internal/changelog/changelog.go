// Package changelog is the append-only audit trail of every mutation,
// local or remote, applied or rejected.
//
// Entries are written inside the same store transaction as the change they
// describe. Per entity, timestamps are strictly increasing even if the
// device clock stalls or steps backwards.
package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/store"
)

// tick is the minimum spacing between two entries of one entity.
const tick = time.Microsecond

// Log appends to and reads from the change log.
type Log struct {
	store  *store.Store
	clock  domain.Clock
	logger *slog.Logger
}

// New creates a Log over s.
func New(s *store.Store, clock domain.Clock, logger *slog.Logger) *Log {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: s, clock: clock, logger: logger}
}

// Change describes one mutation to record. Before and After are nil when
// the entity did not exist before or does not exist after.
type Change struct {
	EntityType domain.EntityType
	EntityID   string
	Action     domain.Action
	Before     canon.Object
	After      canon.Object
	ActorID    string
	Origin     domain.Origin
	Verified   bool

	// At overrides the clock. Zero means now.
	At time.Time
}

// Append writes c inside the caller's transaction and returns the stored
// entry with its seq and final timestamp.
func (l *Log) Append(ctx context.Context, q *store.Queries, c Change) (domain.ChangeLogEntry, error) {
	before, err := Snapshot(c.Before)
	if err != nil {
		return domain.ChangeLogEntry{}, fmt.Errorf("change log %s: %w", c.EntityID, err)
	}
	after, err := Snapshot(c.After)
	if err != nil {
		return domain.ChangeLogEntry{}, fmt.Errorf("change log %s: %w", c.EntityID, err)
	}
	if c.Origin == "" {
		c.Origin = domain.OriginLocal
	}

	ts := c.At
	if ts.IsZero() {
		ts = l.clock.Now()
	}
	ts = ts.UTC().Truncate(tick)
	lastNS, err := q.LastChangeNS(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return domain.ChangeLogEntry{}, err
	}
	if last := time.Unix(0, lastNS).UTC(); lastNS != 0 && !ts.After(last) {
		ts = last.Add(tick)
	}

	entry := domain.ChangeLogEntry{
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Action:     c.Action,
		Before:     before,
		After:      after,
		ActorID:    c.ActorID,
		Timestamp:  ts,
		Origin:     c.Origin,
		Verified:   c.Verified,
	}
	if entry.Seq, err = q.InsertChange(ctx, entry); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	l.logger.Debug("change logged",
		"seq", entry.Seq,
		"entity_type", entry.EntityType,
		"entity_id", entry.EntityID,
		"action", entry.Action,
		"origin", entry.Origin,
		"verified", entry.Verified,
	)
	return entry, nil
}

// Filter selects entries. Zero fields do not filter.
type Filter struct {
	EntityType domain.EntityType
	EntityID   string
	Origin     domain.Origin
	Verified   *bool
	Since      time.Time
	AfterSeq   int64
	Limit      int
}

// Entries returns matching entries in seq order.
func (l *Log) Entries(ctx context.Context, f Filter) ([]domain.ChangeLogEntry, error) {
	var since int64
	if !f.Since.IsZero() {
		since = f.Since.UnixNano()
	}
	return l.store.ListChanges(ctx, store.ChangeFilter{
		EntityType: f.EntityType,
		EntityID:   f.EntityID,
		Origin:     f.Origin,
		Verified:   f.Verified,
		SinceNS:    since,
		AfterSeq:   f.AfterSeq,
		Limit:      f.Limit,
	})
}

// History returns every entry for one entity in seq order.
func (l *Log) History(ctx context.Context, entityType domain.EntityType, entityID string) ([]domain.ChangeLogEntry, error) {
	return l.Entries(ctx, Filter{EntityType: entityType, EntityID: entityID})
}

// Prune deletes entries older than now minus horizon. It is the only
// operation that removes entries.
func (l *Log) Prune(ctx context.Context, horizon time.Duration) (int64, error) {
	if horizon <= 0 {
		return 0, fmt.Errorf("prune horizon must be positive, got %s", horizon)
	}
	cutoff := l.clock.Now().Add(-horizon)
	n, err := l.store.DeleteChangesBefore(ctx, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	l.logger.Info("change log pruned", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// Snapshot renders obj as canonical JSON; nil renders as "".
func Snapshot(obj canon.Object) (string, error) {
	if obj == nil {
		return "", nil
	}
	data, err := canon.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
