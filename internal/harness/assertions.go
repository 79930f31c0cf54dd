package harness

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/changelog"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
	"github.com/roach88/herdtrail/internal/remote"
	"github.com/roach88/herdtrail/internal/remote/memory"
	"github.com/roach88/herdtrail/internal/store"
	"github.com/roach88/herdtrail/internal/transfer"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s\n  expected: %s\n  actual: %s", e.Type, e.Expected, e.Actual)
}

// AssertionContext gives assertions access to the end state of a run.
type AssertionContext struct {
	Ctx     context.Context
	Machine *transfer.Machine
	Store   *store.Store
	Log     *changelog.Log
	Remote  *memory.Store
}

// EvaluateAssertions evaluates all assertions against the result and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var msgs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTransitions:
			err = assertTransitions(result.Events, a)
		case AssertEventCount:
			err = assertEventCount(result.Events, a)
		case AssertFinalState, AssertRemote, AssertLogCount:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: %s requires an assertion context", i, a.Type)
				break
			}
			switch a.Type {
			case AssertFinalState:
				err = assertFinalState(actx, a)
			case AssertRemote:
				err = assertRemote(actx, a)
			default:
				err = assertLogCount(actx, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return msgs
}

// assertTransitions checks the exact sequence of statuses a transfer was
// announced in.
func assertTransitions(published []events.Event, a Assertion) error {
	var got []domain.Status
	for _, e := range published {
		if e.Kind == events.KindStateChanged && e.TransferID == a.ID {
			got = append(got, e.To)
		}
	}
	if !slices.Equal(got, a.Statuses) {
		return &AssertionError{
			Type:     AssertTransitions,
			Expected: fmt.Sprintf("transfer %s through %v", a.ID, a.Statuses),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func assertEventCount(published []events.Event, a Assertion) error {
	n := 0
	for _, e := range published {
		if string(e.Kind) == a.Kind {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d %s events", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

// localObject loads an entity from the local store in its Object form.
func localObject(actx *AssertionContext, entity domain.EntityType, id string) (canon.Object, error) {
	ctx := actx.Ctx
	switch entity {
	case domain.EntityTransfer:
		rec, err := actx.Machine.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return rec.Object(), nil
	case domain.EntityAsset:
		a, err := actx.Machine.GetAsset(ctx, id)
		if err != nil {
			return nil, err
		}
		return a.Object(), nil
	case domain.EntityEvidence:
		i := strings.LastIndex(id, "/")
		if i < 0 {
			return nil, fmt.Errorf("evidence id %q is not transfer/party", id)
		}
		ev, err := actx.Store.GetEvidence(ctx, id[:i], id[i+1:])
		if err != nil {
			return nil, err
		}
		return ev.Object(), nil
	}
	return nil, fmt.Errorf("unknown entity %q", entity)
}

// assertFinalState checks fields of a local entity (subset match).
func assertFinalState(actx *AssertionContext, a Assertion) error {
	obj, err := localObject(actx, domain.EntityType(a.Entity), a.ID)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s", a.Entity, a.ID),
			Actual:   err.Error(),
		}
	}
	return matchFields(AssertFinalState, a, obj, nil)
}

// assertRemote checks fields of a remote document (subset match). The
// pseudo-field "version" is the document version.
func assertRemote(actx *AssertionContext, a Assertion) error {
	doc, err := actx.Remote.Get(actx.Ctx, domain.EntityType(a.Entity), a.ID)
	if err != nil {
		actual := err.Error()
		if errors.Is(err, remote.ErrNotFound) {
			actual = "not in the remote store"
		}
		return &AssertionError{
			Type:     AssertRemote,
			Expected: fmt.Sprintf("%s %s", a.Entity, a.ID),
			Actual:   actual,
		}
	}
	return matchFields(AssertRemote, a, doc.Fields, map[string]any{"version": doc.Version})
}

func assertLogCount(actx *AssertionContext, a Assertion) error {
	entries, err := actx.Log.History(actx.Ctx, domain.EntityType(a.Entity), a.ID)
	if err != nil {
		return err
	}
	n := 0
	for _, e := range entries {
		if !a.Unverified || !e.Verified {
			n++
		}
	}
	if n != a.Count {
		what := "entries"
		if a.Unverified {
			what = "unverified entries"
		}
		return &AssertionError{
			Type:     AssertLogCount,
			Expected: fmt.Sprintf("%d %s for %s %s", a.Count, what, a.Entity, a.ID),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

func matchFields(typ string, a Assertion, obj canon.Object, extra map[string]any) error {
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		want := a.Expect[k]
		got, ok := extra[k]
		if !ok {
			v, exists := obj[k]
			if !exists {
				return &AssertionError{
					Type:     typ,
					Expected: fmt.Sprintf("%s %s field %q = %v", a.Entity, a.ID, k, want),
					Actual:   "field not present",
				}
			}
			got = canon.ToAny(v)
		}
		if !valuesEqual(want, got) {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s %s field %q = %v", a.Entity, a.ID, k, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

// valuesEqual compares a YAML-decoded expectation with a stored value.
// Integers compare by value whatever their Go type.
func valuesEqual(want, got any) bool {
	if w, ok := asInt(want); ok {
		g, ok := asInt(got)
		return ok && w == g
	}
	if w, ok := want.([]any); ok {
		g, ok := got.([]any)
		if !ok || len(w) != len(g) {
			return false
		}
		for i := range w {
			if !valuesEqual(w[i], g[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(want, got)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
