package harness

import (
	"bytes"
	"context"
	"slices"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/herdtrail/internal/canon"
)

// Snapshot renders a trace as canonical JSON, one object per line: a
// header naming the scenario, every step and event in order, then the
// final state of each asset. Timestamps, signatures and key ids are left
// out, so the snapshot only changes when behavior does.
func Snapshot(name string, result *Result) ([]byte, error) {
	lines := []canon.Object{{
		"type":     canon.String("scenario"),
		"scenario": canon.String(name),
	}}
	for _, ev := range result.Trace {
		lines = append(lines, traceObject(ev))
	}

	ids := make([]string, 0, len(result.Assets))
	for id := range result.Assets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		a := result.Assets[id]
		obj := canon.Object{
			"type":  canon.String("asset"),
			"asset": canon.String(a.ID),
			"owner": canon.String(a.OwnerID),
		}
		if a.ActiveTransferID != "" {
			obj["active_transfer"] = canon.String(a.ActiveTransferID)
		}
		if !a.Active {
			obj["active"] = canon.Bool(false)
		}
		lines = append(lines, obj)
	}

	var buf bytes.Buffer
	for _, obj := range lines {
		data, err := canon.Marshal(obj)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func traceObject(ev TraceEvent) canon.Object {
	obj := canon.Object{"type": canon.String(ev.Type)}
	str := func(key, v string) {
		if v != "" {
			obj[key] = canon.String(v)
		}
	}
	if ev.Type == TypeStep {
		obj["step"] = canon.Int(int64(ev.Step))
		str("op", ev.Op)
		str("outcome", ev.Outcome)
		if ev.Outcomes != nil {
			obj["outcomes"] = canon.Strings(ev.Outcomes)
		}
		str("transfer", ev.Transfer)
		str("status", string(ev.Status))
		str("owner", ev.Owner)
		if ev.Op == OpSync {
			obj["pending"] = canon.Int(int64(ev.Pending))
			obj["dead"] = canon.Int(int64(ev.Dead))
		}
		return obj
	}
	str("kind", string(ev.Kind))
	str("transfer", ev.Transfer)
	str("from", string(ev.From))
	str("to", string(ev.To))
	str("actor", ev.Actor)
	if ev.Entity != "" {
		obj["entity"] = canon.String(ev.Entity)
		obj["attempts"] = canon.Int(int64(ev.Attempts))
	}
	return obj
}

// RunWithGolden executes a scenario, fails the test if it did not pass,
// and compares its snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
