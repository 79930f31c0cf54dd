package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
	"github.com/roach88/herdtrail/internal/metrics"
	"github.com/roach88/herdtrail/internal/store"
	"github.com/roach88/herdtrail/internal/syncq"
	"github.com/roach88/herdtrail/internal/verify"
)

// DefaultTTL is how long a transfer may wait for verification before the
// sweeper expires it.
const DefaultTTL = 72 * time.Hour

// Actors recorded for transitions nobody asked for directly.
const (
	SystemActor = "system"
	SyncActor   = "sync"
)

// ErrInvalidRequest is wrapped by validation failures of operation inputs.
var ErrInvalidRequest = errors.New("invalid request")

// Signer signs records with the device key. keys.Manager implements it.
type Signer interface {
	// Ready loads the key. It is called before a transaction is opened,
	// because loading may use the store.
	Ready(ctx context.Context) error
	SignObject(ctx context.Context, domainTag string, obj canon.Object) (sig, keyID string, err error)
}

// Verifier authenticates evidence and scores it. verify.Engine implements it.
type Verifier interface {
	VerifyEvidence(ctx context.Context, ev domain.Evidence) error
	VerifyTransfer(ctx context.Context, rec domain.TransferRecord) error
	Evaluate(rec domain.TransferRecord, evidence []domain.Evidence) verify.Decision
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time source. Default: domain.SystemClock.
func WithClock(c domain.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithIDGenerator sets the transfer id source. Default: UUIDv7.
func WithIDGenerator(g domain.IDGenerator) Option {
	return func(m *Machine) { m.ids = g }
}

// WithTTL sets the verification window of new transfers.
func WithTTL(ttl time.Duration) Option {
	return func(m *Machine) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithPublisher sets where events go. Default: discarded.
func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) { m.events = p }
}

// WithMetrics records transition counts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// Machine is the transfer state machine.
//
// Thread-safety: all methods are safe for concurrent use.
type Machine struct {
	store    *store.Store
	signer   Signer
	verifier Verifier
	log      *changelog.Log
	queue    *syncq.Queue
	events   events.Publisher
	metrics  *metrics.Metrics
	clock    domain.Clock
	ids      domain.IDGenerator
	ttl      time.Duration
	logger   *slog.Logger
	locks    *keyedMutex

	haltMu    sync.RWMutex
	haltCause error
}

// New creates a Machine.
func New(s *store.Store, signer Signer, verifier Verifier, log *changelog.Log, queue *syncq.Queue, opts ...Option) *Machine {
	m := &Machine{
		store:    s,
		signer:   signer,
		verifier: verifier,
		log:      log,
		queue:    queue,
		events:   discard{},
		clock:    domain.SystemClock{},
		ids:      domain.UUIDv7Generator{},
		ttl:      DefaultTTL,
		logger:   slog.Default(),
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type discard struct{}

func (discard) Publish(events.Event) {}

// TTL returns the verification window of new transfers.
func (m *Machine) TTL() time.Duration {
	return m.ttl
}

// Halted returns the fatal error that stopped the machine, or nil.
func (m *Machine) Halted() error {
	m.haltMu.RLock()
	defer m.haltMu.RUnlock()
	return m.haltCause
}

// Resume clears the halted state after the operator has dealt with its
// cause.
func (m *Machine) Resume() {
	m.haltMu.Lock()
	defer m.haltMu.Unlock()
	if m.haltCause != nil {
		m.logger.Warn("transfer operations resumed", "cause", m.haltCause)
	}
	m.haltCause = nil
}

func (m *Machine) checkHalted() error {
	if cause := m.Halted(); cause != nil {
		return fmt.Errorf("%w: %v", domain.ErrHalted, cause)
	}
	return nil
}

// noteFatal halts the machine if err is one of the fatal conditions.
func (m *Machine) noteFatal(err error) {
	if !store.IsCorrupt(err) && !errors.Is(err, domain.ErrKeyUnavailable) {
		return
	}
	m.haltMu.Lock()
	defer m.haltMu.Unlock()
	if m.haltCause == nil {
		m.haltCause = err
		m.logger.Error("transfer operations halted", "error", err)
	}
}

// withAsset runs fn in a store transaction while holding the asset's lock,
// then publishes the events fn collected.
func (m *Machine) withAsset(ctx context.Context, assetID string, fn func(t *tx) error) error {
	if err := m.checkHalted(); err != nil {
		return err
	}
	if err := m.signer.Ready(ctx); err != nil {
		m.noteFatal(err)
		return err
	}
	unlock := m.locks.Lock(assetID)
	defer unlock()

	t := &tx{m: m, ctx: ctx}
	err := m.store.RunInTx(ctx, func(q *store.Queries) error {
		t.q = q
		t.now = m.clock.Now()
		t.events = t.events[:0]
		return fn(t)
	})
	if err != nil {
		m.noteFatal(err)
		return err
	}
	for _, e := range t.events {
		m.events.Publish(e)
	}
	return nil
}

// Get returns a transfer record.
func (m *Machine) Get(ctx context.Context, id string) (domain.TransferRecord, error) {
	rec, err := m.store.GetTransfer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TransferRecord{}, &domain.NotFoundError{Kind: "transfer", ID: id}
	}
	if err != nil {
		m.noteFatal(err)
	}
	return rec, err
}

// ListByAsset returns every transfer of an asset, oldest first.
func (m *Machine) ListByAsset(ctx context.Context, assetID string) ([]domain.TransferRecord, error) {
	return m.store.ListTransfers(ctx, assetID)
}

// Evidence returns the evidence collected for a transfer.
func (m *Machine) Evidence(ctx context.Context, transferID string) ([]domain.Evidence, error) {
	return m.store.ListEvidence(ctx, transferID)
}

// History returns the change log of a transfer, oldest first.
func (m *Machine) History(ctx context.Context, transferID string) ([]domain.ChangeLogEntry, error) {
	return m.log.History(ctx, domain.EntityTransfer, transferID)
}

// tx is the state of one withAsset transaction.
type tx struct {
	m      *Machine
	ctx    context.Context
	q      *store.Queries
	now    time.Time
	events []events.Event
}

func (t *tx) transfer(id string) (domain.TransferRecord, error) {
	rec, err := t.q.GetTransfer(t.ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TransferRecord{}, &domain.NotFoundError{Kind: "transfer", ID: id}
	}
	return rec, err
}

func (t *tx) asset(id string) (domain.Asset, error) {
	a, err := t.q.GetAsset(t.ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Asset{}, &domain.NotFoundError{Kind: "asset", ID: id}
	}
	return a, err
}

func (t *tx) sign(rec *domain.TransferRecord) error {
	sig, keyID, err := t.m.signer.SignObject(t.ctx, canon.DomainTransfer, rec.SigningPayload())
	if err != nil {
		return fmt.Errorf("sign transfer %s: %w", rec.ID, err)
	}
	rec.Signature, rec.SignerKeyID = sig, keyID
	return nil
}

// transition moves rec to status to and persists it.
func (t *tx) transition(rec *domain.TransferRecord, to domain.Status, actorID, reason string) error {
	from := rec.Status
	if !domain.CanTransition(from, to) {
		e := &domain.InvalidStateError{TransferID: rec.ID, From: from, To: to}
		if from.Terminal() {
			e.Reason = "terminal"
		}
		return e
	}
	before := rec.Object()
	rec.Status = to
	if reason != "" {
		rec.Reason = reason
	}
	return t.commit(rec, from, before, actorID)
}

// commit persists a record whose status has already been moved from from
// and collects the transition's events.
func (t *tx) commit(rec *domain.TransferRecord, from domain.Status, before canon.Object, actorID string) error {
	if err := t.saveTransfer(rec, before, actorID); err != nil {
		return err
	}
	t.m.metrics.IncrementTransition(string(rec.Status))
	t.events = append(t.events, events.TransitionEvents(*rec, from, actorID, t.now)...)
	t.m.logger.Info("transfer transition",
		"transfer_id", rec.ID,
		"asset_id", rec.AssetID,
		"from", from,
		"status", rec.Status,
		"actor_id", actorID,
	)
	return nil
}

// saveTransfer re-signs rec, writes it, logs the change and queues it for
// the remote store.
func (t *tx) saveTransfer(rec *domain.TransferRecord, before canon.Object, actorID string) error {
	rec.UpdatedAt = t.now
	rec.Version++
	if err := t.sign(rec); err != nil {
		return err
	}
	if err := t.q.UpdateTransfer(t.ctx, *rec); err != nil {
		return err
	}
	after := rec.Object()
	if _, err := t.m.log.Append(t.ctx, t.q, changelog.Change{
		EntityType: domain.EntityTransfer,
		EntityID:   rec.ID,
		Action:     domain.ActionUpdate,
		Before:     before,
		After:      after,
		ActorID:    actorID,
		Origin:     domain.OriginLocal,
		Verified:   true,
		At:         t.now,
	}); err != nil {
		return err
	}
	_, err := t.m.queue.Enqueue(t.ctx, t.q, domain.EntityTransfer, rec.ID, domain.ActionUpdate, after)
	return err
}

// saveAsset writes after and logs it. Local changes are queued for the
// remote store; changes adopted from the remote store are not.
func (t *tx) saveAsset(before domain.Asset, after *domain.Asset, actorID string, origin domain.Origin) error {
	after.UpdatedAt = t.now
	if err := t.q.PutAsset(t.ctx, *after); err != nil {
		return err
	}
	action := domain.ActionUpdate
	var beforeObj canon.Object
	if before.ID == "" {
		action = domain.ActionCreate
	} else {
		beforeObj = before.Object()
	}
	if _, err := t.m.log.Append(t.ctx, t.q, changelog.Change{
		EntityType: domain.EntityAsset,
		EntityID:   after.ID,
		Action:     action,
		Before:     beforeObj,
		After:      after.Object(),
		ActorID:    actorID,
		Origin:     origin,
		Verified:   true,
		At:         t.now,
	}); err != nil {
		return err
	}
	if origin != domain.OriginLocal {
		return nil
	}
	_, err := t.m.queue.Enqueue(t.ctx, t.q, domain.EntityAsset, after.ID, action, after.Object())
	return err
}

// releaseAsset clears the asset's active transfer if it is rec.
func (t *tx) releaseAsset(rec domain.TransferRecord, actorID string, origin domain.Origin) error {
	a, err := t.asset(rec.AssetID)
	if err != nil {
		return err
	}
	if a.ActiveTransferID != rec.ID {
		return nil
	}
	before := a
	a.ActiveTransferID = ""
	return t.saveAsset(before, &a, actorID, origin)
}
