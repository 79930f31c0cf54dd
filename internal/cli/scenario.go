package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/herdtrail/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario name filter (glob pattern)
	GoldenDir string
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSuite holds the overall result.
type ScenarioSuite struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <scenarios-dir>",
		Short: "Run transfer scenarios against an in-memory engine",
		Long: `Run scripted transfer scenarios against a throwaway engine with a
manual clock and an in-memory remote store. Nothing touches the local store.

Each scenario's trace is compared with <name>.golden in the golden directory
when that file exists. The verification policy comes from the config file.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, bad scenario files, etc.)`,
		Example: `  herdtrail scenario ./scenarios
  herdtrail scenario ./scenarios --filter "*offline*"
  herdtrail scenario ./scenarios --update`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden file directory (default: golden next to the scenarios directory)")

	return cmd
}

func runScenarios(cmd *cobra.Command, opts *ScenarioOptions, dir string) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}
	scenarios, err := harness.LoadDir(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenarios", err)
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return WrapExitError(ExitCommandError, "invalid filter pattern", err)
		}
	}
	goldenDir := opts.GoldenDir
	if goldenDir == "" {
		goldenDir = filepath.Join(filepath.Dir(filepath.Clean(dir)), "golden")
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, opts.Verbose)
	suite := ScenarioSuite{Scenarios: []ScenarioResult{}}
	for _, sc := range scenarios {
		if opts.Filter != "" {
			if ok, _ := filepath.Match(opts.Filter, sc.Name); !ok {
				continue
			}
		}
		res := runScenario(cmd, opts, sc, goldenDir, harness.WithPolicy(cfg.Verification), harness.WithLogger(logger))
		suite.Scenarios = append(suite.Scenarios, res)
		suite.Total++
		if res.Pass {
			suite.Passed++
		} else {
			suite.Failed++
		}
	}

	return outputScenarioSuite(cmd, opts, suite)
}

// runScenario executes a single scenario and checks its golden file.
func runScenario(cmd *cobra.Command, opts *ScenarioOptions, sc *harness.Scenario, goldenDir string, runOpts ...harness.Option) ScenarioResult {
	formatter := newFormatter(cmd, opts.RootOptions)
	fail := func(errs ...string) ScenarioResult {
		if opts.Format != "json" {
			fmt.Fprintf(formatter.Writer, "✗ %s\n", sc.Name)
			for _, e := range errs {
				fmt.Fprintf(formatter.Writer, "  %s\n", e)
			}
		}
		return ScenarioResult{Name: sc.Name, Errors: errs}
	}

	result, err := harness.Run(cmd.Context(), sc, runOpts...)
	if err != nil {
		return fail(fmt.Sprintf("execution failed: %v", err))
	}
	if !result.Pass {
		return fail(result.Errors...)
	}

	snapshot, err := harness.Snapshot(sc.Name, result)
	if err != nil {
		return fail(fmt.Sprintf("snapshot failed: %v", err))
	}
	goldenPath := filepath.Join(goldenDir, sc.Name+".golden")

	if opts.Update {
		if err := os.MkdirAll(goldenDir, 0o755); err != nil {
			return fail(fmt.Sprintf("failed to create golden directory: %v", err))
		}
		if err := os.WriteFile(goldenPath, snapshot, 0o644); err != nil {
			return fail(fmt.Sprintf("failed to write golden file: %v", err))
		}
		formatter.VerboseLog("updated %s", goldenPath)
		if opts.Format != "json" {
			fmt.Fprintf(formatter.Writer, "✓ %s (golden updated)\n", sc.Name)
		}
		return ScenarioResult{Name: sc.Name, Pass: true}
	}

	golden, err := os.ReadFile(goldenPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		formatter.VerboseLog("no golden file for %s", sc.Name)
	case err != nil:
		return fail(fmt.Sprintf("failed to read golden file: %v", err))
	case !bytes.Equal(golden, snapshot):
		return fail("trace does not match golden file (run with --update to regenerate)")
	}

	if opts.Format != "json" {
		fmt.Fprintf(formatter.Writer, "✓ %s\n", sc.Name)
	}
	return ScenarioResult{Name: sc.Name, Pass: true}
}

func outputScenarioSuite(cmd *cobra.Command, opts *ScenarioOptions, suite ScenarioSuite) error {
	formatter := newFormatter(cmd, opts.RootOptions)
	failed := NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", suite.Failed))
	failed.Silent = true

	if opts.Format == "json" {
		if suite.Failed > 0 {
			_ = formatter.Error("SCENARIO_FAILED", failed.Message, suite)
			return failed
		}
		return formatter.Success(suite)
	}

	w := formatter.Writer
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", suite.Passed, suite.Failed, suite.Total)
	if suite.Failed > 0 {
		return failed
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
