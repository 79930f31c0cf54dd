// Package syncq is the durable outbox of local changes awaiting delivery
// to the remote store.
//
// Delivery order is FIFO per entity: only the oldest live mutation of an
// entity is ever handed out, so a later change never overtakes an earlier
// one. Across entities there is no ordering. Failed deliveries back off
// exponentially (github.com/cenkalti/backoff/v4) and after MaxAttempts move
// to the dead-letter set, where they wait for manual attention.
package syncq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/store"
)

// Policy controls retries.
type Policy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultPolicy retries ten times, from one second up to ten minutes apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         10,
		InitialInterval:     time.Second,
		MaxInterval:         10 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Queue is the pending mutation queue.
type Queue struct {
	store  *store.Store
	clock  domain.Clock
	ids    domain.IDGenerator
	policy Policy
	logger *slog.Logger
}

// New creates a Queue over s. Zero policy fields take DefaultPolicy values.
func New(s *store.Store, clock domain.Clock, ids domain.IDGenerator, policy Policy, logger *slog.Logger) *Queue {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = def.MaxInterval
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if ids == nil {
		ids = domain.UUIDv7Generator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: s, clock: clock, ids: ids, policy: policy, logger: logger}
}

// Policy returns the effective retry policy.
func (sq *Queue) Policy() Policy {
	return sq.policy
}

// Enqueue durably records a change inside the caller's transaction.
//
// The precondition is derived from what the remote store has seen: if the
// entity already has queued mutations, the new one is based on the newest
// of them; otherwise on the last state agreed with the remote store.
func (sq *Queue) Enqueue(ctx context.Context, q *store.Queries, entityType domain.EntityType, entityID string, action domain.Action, payload canon.Object) (domain.PendingMutation, error) {
	data, err := changelog.Snapshot(payload)
	if err != nil {
		return domain.PendingMutation{}, fmt.Errorf("enqueue %s/%s: %w", entityType, entityID, err)
	}
	now := sq.clock.Now()
	m := domain.PendingMutation{
		ID:            sq.ids.Generate(),
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        action,
		Payload:       data,
		CreatedAt:     now,
		NextAttemptAt: now,
	}

	prev, err := q.LatestPending(ctx, entityType, entityID)
	switch {
	case err == nil:
		m.Base = prev.Payload
		m.BaseVersion = prev.BaseVersion
	case errors.Is(err, store.ErrNotFound):
		st, err := q.GetSyncState(ctx, entityType, entityID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return domain.PendingMutation{}, err
		}
		m.Base = st.Base
		m.BaseVersion = st.RemoteVersion
	default:
		return domain.PendingMutation{}, err
	}

	if m.Seq, err = q.InsertMutation(ctx, m); err != nil {
		return domain.PendingMutation{}, err
	}
	sq.logger.Debug("mutation enqueued",
		"mutation_id", m.ID,
		"entity_type", entityType,
		"entity_id", entityID,
		"base_version", m.BaseVersion,
	)
	return m, nil
}

// NextBatch returns up to n due mutations, at most one per entity.
func (sq *Queue) NextBatch(ctx context.Context, n int) ([]domain.PendingMutation, error) {
	if n <= 0 {
		n = 1
	}
	return sq.store.HeadMutations(ctx, sq.clock.Now().UnixNano(), n)
}

// Get returns one mutation.
func (sq *Queue) Get(ctx context.Context, id string) (domain.PendingMutation, error) {
	return sq.store.GetMutation(ctx, id)
}

// Ack removes a delivered mutation inside the caller's transaction and
// records remoteVersion as the agreed state. Mutations of the same entity
// queued behind it move to the new version. Acking an unknown id is a no-op,
// which keeps redelivery harmless.
func (sq *Queue) Ack(ctx context.Context, q *store.Queries, m domain.PendingMutation, remoteVersion int64, agreed string) error {
	removed, err := q.DeleteMutation(ctx, m.ID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	if err := q.PutSyncState(ctx, store.SyncState{
		EntityType:    m.EntityType,
		EntityID:      m.EntityID,
		RemoteVersion: remoteVersion,
		Base:          agreed,
	}); err != nil {
		return err
	}
	return q.RebaseEntity(ctx, m.EntityType, m.EntityID, remoteVersion)
}

// Discard drops a mutation without delivering it, for local changes made
// obsolete by a remote decision.
func (sq *Queue) Discard(ctx context.Context, q *store.Queries, id string) error {
	_, err := q.DeleteMutation(ctx, id)
	return err
}

// Rebase replaces a mutation's payload and precondition after a merge and
// makes it due immediately.
func (sq *Queue) Rebase(ctx context.Context, q *store.Queries, id string, payload canon.Object, base string, baseVersion int64) error {
	data, err := changelog.Snapshot(payload)
	if err != nil {
		return fmt.Errorf("rebase %s: %w", id, err)
	}
	return q.RebaseMutation(ctx, id, data, base, baseVersion, sq.clock.Now().UnixNano())
}

// Fail records a failed delivery. Transient causes are retried after an
// exponential backoff; causes wrapped with backoff.Permanent, and the
// MaxAttempts-th failure, move the mutation to the dead-letter set.
//
// The returned SyncFailure is non-nil only for the call that dead-lettered
// the mutation, so a failure is reported exactly once.
func (sq *Queue) Fail(ctx context.Context, id string, cause error) (*domain.SyncFailure, error) {
	m, err := sq.store.GetMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.DeadLettered() {
		return nil, nil
	}

	attempts := m.RetryCount + 1
	msg := cause.Error()
	now := sq.clock.Now()

	var perm *backoff.PermanentError
	if attempts >= sq.policy.MaxAttempts || errors.As(cause, &perm) {
		moved, err := sq.store.DeadLetter(ctx, id, attempts, msg, now.UnixNano())
		if err != nil || !moved {
			return nil, err
		}
		sq.logger.Warn("mutation dead-lettered",
			"mutation_id", id,
			"entity_type", m.EntityType,
			"entity_id", m.EntityID,
			"attempts", attempts,
			"error", msg,
		)
		return &domain.SyncFailure{
			MutationID: id,
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			Attempts:   attempts,
			LastError:  msg,
		}, nil
	}

	delay := sq.Delay(attempts)
	if err := sq.store.RecordFailure(ctx, id, attempts, msg, now.Add(delay).UnixNano()); err != nil {
		return nil, err
	}
	sq.logger.Info("mutation delivery failed, will retry",
		"mutation_id", id,
		"attempts", attempts,
		"retry_in", delay,
		"error", msg,
	)
	return nil, nil
}

// Delay returns the wait after the given number of failed attempts.
func (sq *Queue) Delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sq.policy.InitialInterval
	b.MaxInterval = sq.policy.MaxInterval
	b.Multiplier = sq.policy.Multiplier
	b.RandomizationFactor = sq.policy.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// DeadLetters lists mutations awaiting manual attention.
func (sq *Queue) DeadLetters(ctx context.Context) ([]domain.PendingMutation, error) {
	return sq.store.DeadLetters(ctx)
}

// Pending lists live mutations in queue order.
func (sq *Queue) Pending(ctx context.Context) ([]domain.PendingMutation, error) {
	return sq.store.PendingMutations(ctx)
}

// Requeue returns a dead letter to the live queue with its attempts reset.
func (sq *Queue) Requeue(ctx context.Context, id string) error {
	if err := sq.store.Requeue(ctx, id, sq.clock.Now().UnixNano()); err != nil {
		return err
	}
	sq.logger.Info("mutation requeued", "mutation_id", id)
	return nil
}

// Depth returns the number of live and dead-lettered mutations.
func (sq *Queue) Depth(ctx context.Context) (pending, dead int, err error) {
	return sq.store.MutationCounts(ctx)
}
