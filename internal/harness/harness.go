package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
	"github.com/roach88/herdtrail/internal/keys"
	"github.com/roach88/herdtrail/internal/reconcile"
	"github.com/roach88/herdtrail/internal/remote"
	"github.com/roach88/herdtrail/internal/remote/memory"
	"github.com/roach88/herdtrail/internal/store"
	"github.com/roach88/herdtrail/internal/syncq"
	"github.com/roach88/herdtrail/internal/testutil"
	"github.com/roach88/herdtrail/internal/transfer"
	"github.com/roach88/herdtrail/internal/verify"
)

// Option configures Run.
type Option func(*options)

type options struct {
	logger *slog.Logger
	policy verify.Policy
}

// WithLogger sends engine logs to l instead of discarding them.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPolicy replaces the default verification policy.
func WithPolicy(p verify.Policy) Option {
	return func(o *options) { o.policy = p }
}

// recorder collects published events until the harness takes them.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) take() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

// faultyRemote fails puts of documents matching a rule with a transient
// error, standing in for a remote store that keeps timing out on them.
type faultyRemote struct {
	*memory.Store

	mu     sync.Mutex
	entity domain.EntityType
	status domain.Status
}

func (f *faultyRemote) set(entity domain.EntityType, status domain.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entity, f.status = entity, status
}

func (f *faultyRemote) Put(ctx context.Context, doc remote.Document, expectedVersion int64) (remote.Document, error) {
	f.mu.Lock()
	entity, status := f.entity, f.status
	f.mu.Unlock()
	if entity != "" && doc.EntityType == entity &&
		(status == "" || doc.Fields.GetString("status") == string(status)) {
		return remote.Document{}, remote.Transient(fmt.Errorf("put %s/%s: %w", doc.EntityType, doc.EntityID, remote.ErrUnavailable))
	}
	return f.Store.Put(ctx, doc, expectedVersion)
}

// Harness runs one scenario against a fresh in-memory store, a memory
// remote store, a manual clock and sequential ids, so that the same
// scenario always produces the same trace.
type Harness struct {
	store   *store.Store
	clock   *testutil.ManualClock
	parties map[string]*keys.Manager
	machine *transfer.Machine
	queue   *syncq.Queue
	log     *changelog.Log
	remote  *faultyRemote
	rec     *reconcile.Reconciler
	events  *recorder
	logger  *slog.Logger

	mu      sync.Mutex
	current string // last transfer initiated
}

// Run executes a scenario and returns the result. A failed expectation or
// assertion is recorded in the result; the error is reserved for problems
// running the scenario at all.
//
// Run replaces the process keyring with an in-memory one: scenario parties
// are throwaway identities whose keys must not reach the secret service.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		policy: verify.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	keyring.MockInit()
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(ctx, st, sc, o)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	if err := h.setup(ctx, sc.Assets); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	h.events.take()

	for i, step := range sc.Steps {
		if err := h.runStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}

	assets, err := h.machine.ListAssets(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		result.Assets[a.ID] = a
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Machine: h.machine,
		Store:   st,
		Log:     h.log,
		Remote:  h.remote.Store,
	}
	for _, msg := range EvaluateAssertions(result, sc.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, st *store.Store, sc *Scenario, o options) (*Harness, error) {
	clock := testutil.NewManualClock(testutil.Epoch)
	parties := make(map[string]*keys.Manager, len(sc.Parties))
	for _, p := range sc.Parties {
		m, err := keys.NewManager(keys.Options{
			DeviceID:  sc.Name + "/" + p,
			OwnerID:   p,
			Directory: st,
			Clock:     clock,
			Logger:    o.logger,
		})
		if err != nil {
			return nil, err
		}
		if err := m.Ready(ctx); err != nil {
			return nil, fmt.Errorf("party %s key: %w", p, err)
		}
		parties[p] = m
	}
	device := parties[sc.Parties[0]]

	engine, err := verify.New(device, o.policy, o.logger)
	if err != nil {
		return nil, err
	}
	log := changelog.New(st, clock, o.logger)
	queue := syncq.New(st, clock, testutil.NewSequenceGenerator("mut"), syncq.Policy{}, o.logger)
	rec := &recorder{}
	machine := transfer.New(st, device, engine, log, queue,
		transfer.WithClock(clock),
		transfer.WithIDGenerator(testutil.NewSequenceGenerator("t")),
		transfer.WithPublisher(rec),
		transfer.WithLogger(o.logger),
	)
	rs := &faultyRemote{Store: memory.New(clock)}
	r := reconcile.New(st, queue, log, rs, machine,
		reconcile.WithClock(clock),
		reconcile.WithPublisher(rec),
		reconcile.WithLogger(o.logger),
		reconcile.WithRateLimit(0, 0),
		reconcile.WithConcurrency(1),
	)

	return &Harness{
		store:   st,
		clock:   clock,
		parties: parties,
		machine: machine,
		queue:   queue,
		log:     log,
		remote:  rs,
		rec:     r,
		events:  rec,
		logger:  o.logger,
	}, nil
}

func (h *Harness) setup(ctx context.Context, assets []AssetSpec) error {
	for _, a := range assets {
		if _, err := h.machine.RegisterAsset(ctx, transfer.RegisterAssetRequest{
			ID:        a.ID,
			Category:  a.Category,
			BirthDate: a.BirthDate,
			OwnerID:   a.Owner,
		}); err != nil {
			return fmt.Errorf("register %s: %w", a.ID, err)
		}
	}
	return nil
}

// outcome names the result of an operation: "ok", or the error code.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transfer.ErrInvalidRequest):
		return "INVALID_REQUEST"
	}
	if code := domain.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

// runStep executes one step, checks its expectation and traces it.
func (h *Harness) runStep(ctx context.Context, n int, step Step, result *Result) error {
	trace := TraceEvent{Step: n, Op: step.Op}
	at := fmt.Sprintf("step %d (%s)", n, step.Op)

	var opErr error
	switch step.Op {
	case OpParallel:
		trace.Outcomes = h.parallel(ctx, step.Steps)
	case OpAdvance:
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		trace.Outcome = outcome(nil)
	case OpSync:
		if err := h.sync(ctx, step); err != nil {
			return err
		}
		pending, dead, err := h.queue.Depth(ctx)
		if err != nil {
			return err
		}
		trace.Outcome = outcome(nil)
		trace.Pending, trace.Dead = pending, dead
	case OpRemote:
		h.setRemote(step)
		trace.Outcome = outcome(nil)
	default:
		opErr = h.apply(ctx, step)
		trace.Outcome = outcome(opErr)
	}

	if err := h.observe(ctx, step, &trace); err != nil {
		return err
	}
	result.AddStepTrace(trace)
	for _, e := range h.events.take() {
		result.AddEventTrace(e)
	}

	for _, msg := range checkExpect(step, trace, opErr) {
		result.AddError(at + ": " + msg)
	}
	h.logger.Info("scenario step completed",
		"step", n,
		"op", step.Op,
		"outcome", trace.Outcome,
		"transfer_id", trace.Transfer,
		"status", trace.Status,
	)
	return nil
}

// apply runs a transfer operation and returns its error as the outcome.
func (h *Harness) apply(ctx context.Context, step Step) error {
	switch step.Op {
	case OpInitiate:
		method := domain.Method(step.Method)
		if method == "" {
			method = domain.MethodGift
		}
		rec, err := h.machine.Initiate(ctx, transfer.InitiateRequest{
			ID:          step.Transfer,
			AssetID:     step.Asset,
			FromOwnerID: step.From,
			ToOwnerID:   step.To,
			Method:      method,
			Price:       step.Price,
			Currency:    step.Currency,
		})
		if err == nil {
			h.mu.Lock()
			h.current = rec.ID
			h.mu.Unlock()
		}
		return err
	case OpEvidence:
		ev, err := h.evidence(ctx, h.target(step), step)
		if err != nil {
			return err
		}
		_, err = h.machine.SubmitEvidence(ctx, ev.TransferID, ev)
		return err
	case OpCancel:
		_, err := h.machine.Cancel(ctx, h.target(step), step.Actor, step.Reason)
		return err
	case OpReject:
		_, err := h.machine.Reject(ctx, h.target(step), step.Actor, step.Reason)
		return err
	case OpExpire:
		_, err := h.machine.ExpireDue(ctx)
		return err
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

// parallel runs steps concurrently and returns their outcomes, sorted.
func (h *Harness) parallel(ctx context.Context, steps []Step) []string {
	outcomes := make([]string, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Go(func() {
			outcomes[i] = outcome(h.apply(ctx, step))
		})
	}
	wg.Wait()
	slices.Sort(outcomes)
	return outcomes
}

func (h *Harness) target(step Step) string {
	if step.Transfer != "" {
		return step.Transfer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// evidence builds and signs a party's attestation, confirmed now.
func (h *Harness) evidence(ctx context.Context, transferID string, step Step) (domain.Evidence, error) {
	party := h.parties[step.Party]
	ev := domain.Evidence{
		TransferID:   transferID,
		PartyID:      step.Party,
		ConfirmedAt:  h.clock.Now(),
		ProofRefs:    step.Proof,
		Plausibility: domain.ScoreFromFloat(step.Score),
	}
	sig, keyID, err := party.SignObject(ctx, canon.DomainEvidence, ev.SigningPayload())
	if err != nil {
		return domain.Evidence{}, fmt.Errorf("sign evidence for %s: %w", step.Party, err)
	}
	ev.Signature, ev.SignerKeyID = sig, keyID
	return ev, nil
}

// sync drains the queue, repeat times, advancing the clock in between.
func (h *Harness) sync(ctx context.Context, step Step) error {
	var every time.Duration
	if step.By != "" {
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return err
		}
		every = d
	}
	for i := range max(step.Repeat, 1) {
		if i > 0 {
			h.clock.Advance(every)
		}
		if _, err := h.rec.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) setRemote(step Step) {
	switch step.Mode {
	case RemoteOffline:
		h.remote.Offline(true)
	case RemoteOnline:
		h.remote.Offline(false)
		h.remote.set("", "")
	case RemoteFault:
		h.remote.set(domain.EntityType(step.Entity), step.Status)
	}
}

// observe fills in the state a step left behind: the transfer it acted on
// and the owner of that transfer's asset.
func (h *Harness) observe(ctx context.Context, step Step, trace *TraceEvent) error {
	assetID := step.Asset
	if step.Op == OpParallel && len(step.Steps) > 0 {
		assetID = step.Steps[0].Asset
	}
	switch step.Op {
	case OpInitiate, OpEvidence, OpCancel, OpReject, OpExpire, OpParallel:
		id := h.target(step)
		if id == "" {
			break
		}
		rec, err := h.machine.Get(ctx, id)
		if domain.IsNotFound(err) {
			break
		}
		if err != nil {
			return err
		}
		trace.Transfer, trace.Status = rec.ID, rec.Status
		if assetID == "" {
			assetID = rec.AssetID
		}
	}
	if assetID == "" {
		return nil
	}
	a, err := h.machine.GetAsset(ctx, assetID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	trace.Owner = a.OwnerID
	return nil
}

// checkExpect compares a traced step against its expectation.
func checkExpect(step Step, trace TraceEvent, opErr error) []string {
	var msgs []string
	exp := step.Expect
	if exp == nil {
		exp = &Expect{}
	}
	if step.Op != OpParallel {
		want := exp.Error
		if want == "" {
			want = "ok"
		}
		if trace.Outcome != want {
			msg := fmt.Sprintf("expected outcome %s, got %s", want, trace.Outcome)
			if opErr != nil {
				msg += ": " + opErr.Error()
			}
			msgs = append(msgs, msg)
		}
	}
	if exp.Status != "" && trace.Status != exp.Status {
		msgs = append(msgs, fmt.Sprintf("expected transfer status %s, got %s", exp.Status, trace.Status))
	}
	if exp.Owner != "" && trace.Owner != exp.Owner {
		msgs = append(msgs, fmt.Sprintf("expected owner %s, got %s", exp.Owner, trace.Owner))
	}
	if exp.Pending != nil && trace.Pending != *exp.Pending {
		msgs = append(msgs, fmt.Sprintf("expected %d pending mutations, got %d", *exp.Pending, trace.Pending))
	}
	if exp.Dead != nil && trace.Dead != *exp.Dead {
		msgs = append(msgs, fmt.Sprintf("expected %d dead letters, got %d", *exp.Dead, trace.Dead))
	}
	if exp.Outcomes != nil {
		got := make(map[string]int)
		for _, o := range trace.Outcomes {
			got[o]++
		}
		for k, want := range exp.Outcomes {
			if got[k] != want {
				msgs = append(msgs, fmt.Sprintf("expected %d %s outcomes, got %d (%v)", want, k, got[k], trace.Outcomes))
			}
		}
	}
	return msgs
}
