// Package harness runs scripted scenarios against the real engine.
//
// A scenario (YAML, see LoadScenario) names its parties and assets and
// lists steps: initiate, evidence, cancel, reject, expire, advance the
// clock, sync with the remote store, put the remote store offline or make
// it fail, and run steps in parallel. Each step may state what it expects:
// an error code, the transfer status, the asset owner, the sync queue
// depth. Assertions check the end state.
//
// Every run gets a fresh in-memory store, a memory remote store, a manual
// clock starting at testutil.Epoch and sequential ids, so a scenario
// always produces the same trace. RunWithGolden compares that trace with a
// golden file under testdata/golden.
package harness
