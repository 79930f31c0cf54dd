package harness

import (
	"context"
	"fmt"
)

// SuiteResult summarises a directory of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is one scenario that did not pass.
type ScenarioFailure struct {
	Scenario string   `json:"scenario"`
	Errors   []string `json:"errors"`
}

// RunDir runs every scenario in dir. Scenarios that fail their
// expectations are reported in the result; the error means a scenario
// could not be loaded or run.
func RunDir(ctx context.Context, dir string, opts ...Option) (*SuiteResult, error) {
	scenarios, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	out := &SuiteResult{}
	for _, sc := range scenarios {
		res, err := Run(ctx, sc, opts...)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		out.Total++
		if res.Pass {
			out.Passed++
			continue
		}
		out.Failed++
		out.Failures = append(out.Failures, ScenarioFailure{Scenario: sc.Name, Errors: res.Errors})
	}
	return out, nil
}
