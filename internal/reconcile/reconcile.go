// Package reconcile drains the sync queue into the remote store.
//
// Every queued mutation is written with a version precondition. When the
// remote document moved underneath it, the reconciler reads the remote
// copy and settles the conflict:
//
//   - a remote document written by the same mutation is a redelivery and
//     is acknowledged without further effect
//   - assets are merged field by field, later writer wins, custody fields
//     always go to the remote store
//   - evidence is signed, so the later confirmation wins as a whole
//   - transfers are never merged; the state machine revalidates them
//
// Losing values are written to the change log unverified so they stay
// auditable. Remote failures never reach foreground callers: they are
// retried with backoff and end up in the dead-letter set, announced once
// through the event publisher.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
	"github.com/roach88/herdtrail/internal/metrics"
	"github.com/roach88/herdtrail/internal/remote"
	"github.com/roach88/herdtrail/internal/store"
	"github.com/roach88/herdtrail/internal/syncq"
	"github.com/roach88/herdtrail/internal/transfer"
)

// Defaults.
const (
	DefaultInterval    = 30 * time.Second
	DefaultBatchSize   = 50
	DefaultConcurrency = 4
	DefaultCallTimeout = 10 * time.Second
	DefaultCacheTTL    = 30 * time.Second

	cacheSize = 512

	// maxRounds bounds one drain. Settled mutations become due again at
	// once, so a drain loops until the queue has nothing due.
	maxRounds = 32
)

// Revalidator settles transfer conflicts and applies remote custody.
// transfer.Machine implements it.
type Revalidator interface {
	CheckCustody(ctx context.Context, mut domain.PendingMutation, remoteAsset *domain.Asset, competing *domain.TransferRecord) (transfer.Resolution, error)
	ResolveRemote(ctx context.Context, mut domain.PendingMutation, remote domain.TransferRecord, remoteVersion int64) (transfer.Resolution, error)
	RejectLocal(ctx context.Context, transferID, reason string, remoteAsset *domain.Asset) (domain.TransferRecord, error)
	AdoptAsset(ctx context.Context, remote domain.Asset, remoteVersion int64) (bool, error)
	VerifyRemoteEvidence(ctx context.Context, ev domain.Evidence) error
}

var _ Revalidator = (*transfer.Machine)(nil)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the time source. Default: domain.SystemClock.
func WithClock(c domain.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithPublisher sets where sync failures are announced.
func WithPublisher(p events.Publisher) Option {
	return func(r *Reconciler) { r.events = p }
}

// WithMetrics records deliveries, conflicts and latencies.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = mt }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithInterval sets how often Run drains the queue.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets how many mutations one round hands out.
func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithConcurrency sets how many entities are delivered in parallel.
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRateLimit paces remote calls. A zero limit disables pacing.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Reconciler) {
		if limit == 0 {
			limit = rate.Inf
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithCallTimeout bounds each remote call.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithCacheTTL sets how long remote asset reads are reused.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.cacheTTL = d
		}
	}
}

// Report summarizes one drain.
type Report struct {
	Rounds      int
	Pushed      int
	Redelivered int
	Merged      int
	Resolved    int
	Retrying    int

	// DeadLettered lists mutations that exhausted their retries in this
	// drain.
	DeadLettered []domain.SyncFailure
}

type tally struct {
	mu  sync.Mutex
	rep Report
}

func (t *tally) add(fn func(*Report)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.rep)
}

func (t *tally) report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rep
}

// Reconciler delivers queued mutations to the remote store.
//
// Thread-safety: all methods are safe for concurrent use. Concurrent Drain
// calls share one drain.
type Reconciler struct {
	store   *store.Store
	queue   *syncq.Queue
	log     *changelog.Log
	remote  remote.Store
	machine Revalidator
	events  events.Publisher
	metrics *metrics.Metrics
	clock   domain.Clock
	logger  *slog.Logger

	interval    time.Duration
	batchSize   int
	concurrency int
	callTimeout time.Duration
	cacheTTL    time.Duration

	limiter *rate.Limiter
	cache   *expirable.LRU[string, remote.Document]
	group   singleflight.Group
	trigger chan struct{}
}

// New creates a Reconciler.
func New(s *store.Store, queue *syncq.Queue, log *changelog.Log, rs remote.Store, machine Revalidator, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       s,
		queue:       queue,
		log:         log,
		remote:      rs,
		machine:     machine,
		events:      discard{},
		clock:       domain.SystemClock{},
		logger:      slog.Default(),
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		callTimeout: DefaultCallTimeout,
		cacheTTL:    DefaultCacheTTL,
		limiter:     rate.NewLimiter(rate.Every(50*time.Millisecond), 10),
		trigger:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = expirable.NewLRU[string, remote.Document](cacheSize, nil, r.cacheTTL)
	return r
}

type discard struct{}

func (discard) Publish(events.Event) {}

// Trigger asks Run to drain now, for example when connectivity returns.
// It never blocks.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run drains the queue on every tick and trigger until ctx is done. Drain
// errors are logged and retried on the next tick, except a corrupt local
// store, which stops Run.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval)
	for {
		if _, err := r.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if store.IsCorrupt(err) {
				return err
			}
			r.logger.Error("sync drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-r.trigger:
		}
	}
}

// Drain delivers everything due and returns what happened. Remote failures
// are not errors: they are recorded on the mutations. Errors are local.
func (r *Reconciler) Drain(ctx context.Context) (Report, error) {
	v, err, shared := r.group.Do("drain", func() (any, error) {
		return r.drain(ctx)
	})
	if shared {
		r.logger.Debug("joined running drain")
	}
	rep, _ := v.(Report)
	return rep, err
}

func (r *Reconciler) drain(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveDrain(time.Since(start)) }()
	r.cache.Purge()

	t := &tally{}
	for round := 0; round < maxRounds; round++ {
		batch, err := r.queue.NextBatch(ctx, r.batchSize)
		if err != nil {
			return t.report(), err
		}
		if len(batch) == 0 {
			break
		}
		t.add(func(rep *Report) { rep.Rounds++ })

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrency)
		for _, m := range batch {
			g.Go(func() error {
				return r.deliver(gctx, m, t)
			})
		}
		if err := g.Wait(); err != nil {
			return t.report(), err
		}
	}

	rep := t.report()
	if live, dead, err := r.queue.Depth(ctx); err == nil {
		r.metrics.SetQueueDepth(live, dead)
	}
	if rep.Rounds > 0 {
		r.logger.Info("sync drain finished",
			"rounds", rep.Rounds,
			"pushed", rep.Pushed,
			"merged", rep.Merged,
			"resolved", rep.Resolved,
			"redelivered", rep.Redelivered,
			"retrying", rep.Retrying,
			"dead_lettered", len(rep.DeadLettered),
			"duration", time.Since(start),
		)
	}
	return rep, nil
}

func cacheKey(entityType domain.EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}

func (r *Reconciler) get(ctx context.Context, entityType domain.EntityType, entityID string) (remote.Document, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return remote.Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	start := time.Now()
	doc, err := r.remote.Get(ctx, entityType, entityID)
	r.metrics.ObserveRemote("get", time.Since(start))
	return doc, err
}

func (r *Reconciler) put(ctx context.Context, doc remote.Document, expectedVersion int64) (remote.Document, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return remote.Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	start := time.Now()
	stored, err := r.remote.Put(ctx, doc, expectedVersion)
	r.metrics.ObserveRemote("put", time.Since(start))
	return stored, err
}

// remoteAsset reads an asset document, reusing reads made earlier in the
// drain.
func (r *Reconciler) remoteAsset(ctx context.Context, id string) (remote.Document, error) {
	k := cacheKey(domain.EntityAsset, id)
	if doc, ok := r.cache.Get(k); ok {
		return doc, nil
	}
	doc, err := r.get(ctx, domain.EntityAsset, id)
	if err != nil {
		return remote.Document{}, err
	}
	r.cache.Add(k, doc)
	return doc, nil
}

func decodeOptional(s string) (canon.Object, error) {
	if s == "" {
		return nil, nil
	}
	return canon.Decode([]byte(s))
}

// deliver pushes one mutation and settles whatever comes back. The
// returned error aborts the drain and is reserved for local failures.
func (r *Reconciler) deliver(ctx context.Context, m domain.PendingMutation, t *tally) error {
	fields, err := canon.Decode([]byte(m.Payload))
	if err != nil {
		return r.failed(ctx, m, nil, backoff.Permanent(fmt.Errorf("mutation %s payload: %w", m.ID, err)), t)
	}

	if m.EntityType == domain.EntityTransfer && m.Action == domain.ActionCreate {
		res, err := r.checkCustody(ctx, m, fields)
		if err != nil {
			return r.failed(ctx, m, fields, err, t)
		}
		if res == transfer.ResolutionRejected {
			r.metrics.IncrementConflict(string(m.EntityType), string(res))
			t.add(func(rep *Report) { rep.Resolved++ })
			return nil
		}
	}

	stored, err := r.put(ctx, remote.Document{
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		MutationID: m.ID,
		EditedAt:   m.CreatedAt,
		Fields:     fields,
	}, m.BaseVersion)
	switch {
	case err == nil:
		return r.ack(ctx, m, stored, t)
	case errors.Is(err, remote.ErrPreconditionFailed):
		return r.settle(ctx, m, fields, t)
	default:
		return r.failed(ctx, m, fields, err, t)
	}
}

// checkCustody revalidates a new transfer against the remote copy of its
// asset before it is pushed.
func (r *Reconciler) checkCustody(ctx context.Context, m domain.PendingMutation, fields canon.Object) (transfer.Resolution, error) {
	var (
		remoteAsset *domain.Asset
		competing   *domain.TransferRecord
	)
	doc, err := r.remoteAsset(ctx, fields.GetString("asset_id"))
	switch {
	case errors.Is(err, remote.ErrNotFound):
	case err != nil:
		return "", err
	default:
		a, err := doc.Asset()
		if err != nil {
			return "", backoff.Permanent(err)
		}
		remoteAsset = &a
		if a.ActiveTransferID != "" && a.ActiveTransferID != m.EntityID {
			tdoc, err := r.get(ctx, domain.EntityTransfer, a.ActiveTransferID)
			switch {
			case errors.Is(err, remote.ErrNotFound):
			case err != nil:
				return "", err
			default:
				rec, err := tdoc.Transfer()
				if err != nil {
					return "", backoff.Permanent(err)
				}
				competing = &rec
			}
		}
	}
	return r.machine.CheckCustody(ctx, m, remoteAsset, competing)
}

// ack records a delivered mutation and logs it as applied.
func (r *Reconciler) ack(ctx context.Context, m domain.PendingMutation, stored remote.Document, t *tally) error {
	agreed, err := changelog.Snapshot(stored.Fields)
	if err != nil {
		return err
	}
	base, err := decodeOptional(m.Base)
	if err != nil {
		return fmt.Errorf("mutation %s base: %w", m.ID, err)
	}
	err = r.store.RunInTx(ctx, func(q *store.Queries) error {
		if err := r.queue.Ack(ctx, q, m, stored.Version, agreed); err != nil {
			return err
		}
		_, err := r.log.Append(ctx, q, changelog.Change{
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			Action:     m.Action,
			Before:     base,
			After:      stored.Fields,
			ActorID:    transfer.SyncActor,
			Origin:     domain.OriginLocal,
			Verified:   true,
		})
		return err
	})
	if err != nil {
		return err
	}
	if m.EntityType == domain.EntityAsset {
		r.cache.Add(cacheKey(m.EntityType, m.EntityID), stored)
	}
	r.metrics.IncrementPushed(string(m.EntityType))
	t.add(func(rep *Report) { rep.Pushed++ })
	r.logger.Debug("mutation delivered",
		"mutation_id", m.ID,
		"entity_type", m.EntityType,
		"entity_id", m.EntityID,
		"version", stored.Version,
	)
	return nil
}

// settle handles a failed precondition.
func (r *Reconciler) settle(ctx context.Context, m domain.PendingMutation, fields canon.Object, t *tally) error {
	r.cache.Remove(cacheKey(m.EntityType, m.EntityID))
	cur, err := r.get(ctx, m.EntityType, m.EntityID)
	if errors.Is(err, remote.ErrNotFound) {
		// The version the mutation was based on no longer exists; write
		// it afresh.
		if err := r.queue.Rebase(ctx, r.store.Queries, m.ID, fields, "", 0); err != nil {
			return err
		}
		r.metrics.IncrementConflict(string(m.EntityType), "recreated")
		t.add(func(rep *Report) { rep.Resolved++ })
		return nil
	}
	if err != nil {
		return r.failed(ctx, m, fields, err, t)
	}

	if cur.MutationID == m.ID {
		return r.redelivered(ctx, m, cur, t)
	}

	switch m.EntityType {
	case domain.EntityTransfer:
		rec, err := cur.Transfer()
		if err != nil {
			return r.failed(ctx, m, fields, backoff.Permanent(err), t)
		}
		res, err := r.machine.ResolveRemote(ctx, m, rec, cur.Version)
		if err != nil {
			if store.IsCorrupt(err) {
				return err
			}
			return r.failed(ctx, m, fields, err, t)
		}
		r.metrics.IncrementConflict(string(m.EntityType), string(res))
		t.add(func(rep *Report) { rep.Resolved++ })
		return nil
	case domain.EntityAsset:
		return r.mergeAsset(ctx, m, cur, t)
	case domain.EntityEvidence:
		return r.mergeEvidence(ctx, m, cur, t)
	default:
		return r.failed(ctx, m, fields, backoff.Permanent(fmt.Errorf("unknown entity type %q", m.EntityType)), t)
	}
}

// redelivered acknowledges a mutation the remote store already applied.
// Its effects were logged when it was first delivered.
func (r *Reconciler) redelivered(ctx context.Context, m domain.PendingMutation, cur remote.Document, t *tally) error {
	agreed, err := changelog.Snapshot(cur.Fields)
	if err != nil {
		return err
	}
	err = r.store.RunInTx(ctx, func(q *store.Queries) error {
		return r.queue.Ack(ctx, q, m, cur.Version, agreed)
	})
	if err != nil {
		return err
	}
	r.metrics.IncrementConflict(string(m.EntityType), "redelivered")
	t.add(func(rep *Report) { rep.Redelivered++ })
	r.logger.Info("mutation already applied remotely",
		"mutation_id", m.ID,
		"entity_type", m.EntityType,
		"entity_id", m.EntityID,
		"version", cur.Version,
	)
	return nil
}

// failed records a delivery failure. Transient causes are retried; the
// rest dead-letter at once. A dead letter is announced exactly once.
func (r *Reconciler) failed(ctx context.Context, m domain.PendingMutation, fields canon.Object, cause error, t *tally) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(cause, store.ErrCorrupt) {
		return cause
	}
	var perm *backoff.PermanentError
	if !remote.IsTransient(cause) && !errors.As(cause, &perm) {
		cause = backoff.Permanent(cause)
	}

	sf, err := r.queue.Fail(ctx, m.ID, cause)
	if errors.Is(err, store.ErrNotFound) {
		// Settled concurrently by the state machine.
		return nil
	}
	if err != nil {
		return err
	}
	if sf == nil {
		t.add(func(rep *Report) { rep.Retrying++ })
		return nil
	}

	r.metrics.IncrementDeadLetter()
	t.add(func(rep *Report) { rep.DeadLettered = append(rep.DeadLettered, *sf) })
	r.events.Publish(failureEvent(m, fields, sf, r.clock.Now()))
	return nil
}

func failureEvent(m domain.PendingMutation, fields canon.Object, sf *domain.SyncFailure, at time.Time) events.Event {
	e := events.Event{
		Kind:    events.KindSyncFailure,
		At:      at,
		ActorID: transfer.SyncActor,
		Reason:  sf.LastError,
		Failure: sf,
	}
	switch m.EntityType {
	case domain.EntityTransfer:
		e.TransferID = m.EntityID
		e.AssetID = fields.GetString("asset_id")
		e.To = domain.Status(fields.GetString("status"))
		e.Parties = []string{fields.GetString("from_owner_id"), fields.GetString("to_owner_id")}
	case domain.EntityAsset:
		e.AssetID = m.EntityID
		e.Parties = []string{fields.GetString("owner_id")}
	case domain.EntityEvidence:
		e.TransferID = fields.GetString("transfer_id")
		e.Parties = []string{fields.GetString("party_id")}
	}
	return e
}

// Refresh pulls remote copies of assets that have nothing queued and
// adopts them, returning how many changed locally. With no ids, every
// local asset is refreshed.
func (r *Reconciler) Refresh(ctx context.Context, assetIDs ...string) (int, error) {
	if len(assetIDs) == 0 {
		assets, err := r.store.ListAssets(ctx, "")
		if err != nil {
			return 0, err
		}
		for _, a := range assets {
			assetIDs = append(assetIDs, a.ID)
		}
	}

	changed := 0
	for _, id := range assetIDs {
		doc, err := r.get(ctx, domain.EntityAsset, id)
		if errors.Is(err, remote.ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, fmt.Errorf("refresh asset %s: %w", id, err)
		}
		a, err := doc.Asset()
		if err != nil {
			return changed, err
		}
		ok, err := r.machine.AdoptAsset(ctx, a, doc.Version)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
			r.logger.Info("asset refreshed from remote", "asset_id", id, "version", doc.Version)
		}
	}
	return changed, nil
}
