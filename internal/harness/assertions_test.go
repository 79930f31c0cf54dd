package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
)

func stateChanged(id string, to domain.Status) events.Event {
	return events.Event{Kind: events.KindStateChanged, TransferID: id, To: to}
}

func TestAssertTransitions(t *testing.T) {
	result := NewResult()
	result.Events = []events.Event{
		stateChanged("T1", domain.StatusInitiated),
		stateChanged("T2", domain.StatusInitiated),
		stateChanged("T1", domain.StatusPendingVerification),
		{Kind: events.KindTerminal, TransferID: "T1", To: domain.StatusCancelled},
		stateChanged("T1", domain.StatusCancelled),
	}

	pass := Assertion{
		Type:     AssertTransitions,
		ID:       "T1",
		Statuses: []domain.Status{domain.StatusInitiated, domain.StatusPendingVerification, domain.StatusCancelled},
	}
	assert.Empty(t, EvaluateAssertions(result, []Assertion{pass}, nil))

	fail := Assertion{
		Type:     AssertTransitions,
		ID:       "T1",
		Statuses: []domain.Status{domain.StatusInitiated, domain.StatusCancelled},
	}
	msgs := EvaluateAssertions(result, []Assertion{fail}, nil)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "assertion failed: transitions")
	assert.Contains(t, msgs[0], "[INITIATED PENDING_VERIFICATION CANCELLED]")
}

func TestAssertEventCount(t *testing.T) {
	result := NewResult()
	result.Events = []events.Event{
		stateChanged("T1", domain.StatusInitiated),
		{Kind: events.KindSyncFailure},
		{Kind: events.KindSyncFailure},
	}

	assert.Empty(t, EvaluateAssertions(result, []Assertion{
		{Type: AssertEventCount, Kind: string(events.KindSyncFailure), Count: 2},
		{Type: AssertEventCount, Kind: string(events.KindSyncConflict), Count: 0},
	}, nil))

	msgs := EvaluateAssertions(result, []Assertion{
		{Type: AssertEventCount, Kind: string(events.KindStateChanged), Count: 3},
	}, nil)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "expected: 3 transfer.state_changed events")
	assert.Contains(t, msgs[0], "actual: 1")
}

func TestEvaluateAssertions_NeedsContext(t *testing.T) {
	msgs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertFinalState, Entity: "asset", ID: "cow-1", Expect: map[string]any{"owner_id": "amina"}},
		{Type: "vibes"},
	}, nil)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "requires an assertion context")
	assert.Contains(t, msgs[1], `unknown assertion type "vibes"`)
}

// runAsserting runs a short transfer scenario and checks the assertions
// against its end state.
func runAsserting(t *testing.T, assertions ...Assertion) []string {
	t.Helper()
	sc := herd("assertions",
		initiate("T1"),
		Step{Op: OpEvidence, Party: "juma", Score: 0.7, Proof: []string{"vet-cert-9"}},
		Step{Op: OpRemote, Mode: RemoteFault, Entity: string(domain.EntityEvidence)},
		Step{Op: OpSync},
	)
	sc.Assertions = assertions
	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	return result.Errors
}

func TestAssertFinalState(t *testing.T) {
	errs := runAsserting(t,
		Assertion{Type: AssertFinalState, Entity: "asset", ID: "cow-1", Expect: map[string]any{
			"owner_id":           "amina",
			"active":             true,
			"active_transfer_id": "T1",
		}},
		Assertion{Type: AssertFinalState, Entity: "transfer", ID: "T1", Expect: map[string]any{
			"status":              "PENDING_VERIFICATION",
			"verification_status": "PARTIAL",
			"price":               0,
			"proof_refs":          []any{"vet-cert-9"},
		}},
		Assertion{Type: AssertFinalState, Entity: "evidence", ID: "T1/juma", Expect: map[string]any{
			"plausibility": 7000,
		}},
	)
	assert.Empty(t, errs)
}

func TestAssertFinalState_Failures(t *testing.T) {
	errs := runAsserting(t,
		Assertion{Type: AssertFinalState, Entity: "asset", ID: "cow-1", Expect: map[string]any{"owner_id": "juma"}},
		Assertion{Type: AssertFinalState, Entity: "asset", ID: "cow-1", Expect: map[string]any{"colour": "brown"}},
		Assertion{Type: AssertFinalState, Entity: "transfer", ID: "T9", Expect: map[string]any{"status": "INITIATED"}},
		Assertion{Type: AssertFinalState, Entity: "evidence", ID: "T1", Expect: map[string]any{"plausibility": 1}},
	)
	require.Len(t, errs, 4)
	assert.Contains(t, errs[0], `field "owner_id" = juma`)
	assert.Contains(t, errs[0], "actual: amina")
	assert.Contains(t, errs[1], "field not present")
	assert.Contains(t, errs[2], "transfer T9")
	assert.Contains(t, errs[3], "is not transfer/party")
}

func TestAssertRemote(t *testing.T) {
	errs := runAsserting(t,
		Assertion{Type: AssertRemote, Entity: "transfer", ID: "T1", Expect: map[string]any{
			"status":  "PENDING_VERIFICATION",
			"version": 2,
		}},
		Assertion{Type: AssertRemote, Entity: "asset", ID: "cow-1", Expect: map[string]any{
			"active_transfer_id": "T1",
		}},
		Assertion{Type: AssertRemote, Entity: "evidence", ID: "T1/juma", Expect: map[string]any{
			"plausibility": 7000,
		}},
	)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "not in the remote store")
}

func TestAssertLogCount(t *testing.T) {
	errs := runAsserting(t,
		Assertion{Type: AssertLogCount, Entity: "transfer", ID: "T1", Count: 4},
		Assertion{Type: AssertLogCount, Entity: "transfer", ID: "T1", Count: 0, Unverified: true},
		Assertion{Type: AssertLogCount, Entity: "evidence", ID: "T1/juma", Count: 1},
		Assertion{Type: AssertLogCount, Entity: "asset", ID: "cow-1", Count: 7},
	)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "7 entries for asset cow-1")
	assert.Contains(t, errs[0], "actual: 4")
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(3, int64(3)))
	assert.True(t, valuesEqual(int64(3), 3))
	assert.False(t, valuesEqual(3, "3"))
	assert.True(t, valuesEqual("a", "a"))
	assert.True(t, valuesEqual(true, true))
	assert.True(t, valuesEqual([]any{"a", 1}, []any{"a", int64(1)}))
	assert.False(t, valuesEqual([]any{"a"}, []any{"a", "b"}))
	assert.False(t, valuesEqual([]any{"a"}, "a"))
}

func TestAssertionError(t *testing.T) {
	err := &AssertionError{Type: AssertRemote, Expected: "transfer T1", Actual: "missing"}
	assert.Equal(t, "assertion failed: remote\n  expected: transfer T1\n  actual: missing", err.Error())
}
