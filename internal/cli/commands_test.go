package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// household is two devices, one per owner, sharing a local store.
type household struct {
	t     *testing.T
	dir   string
	db    string
	amina string
	juma  string
}

func newHousehold(t *testing.T) *household {
	t.Helper()
	keyring.MockInit()
	dir := t.TempDir()
	h := &household{
		t:     t,
		dir:   dir,
		db:    filepath.Join(dir, "herd.db"),
		amina: filepath.Join(dir, "amina.cue"),
		juma:  filepath.Join(dir, "juma.cue"),
	}
	h.ok(h.amina, "init", "--owner", "amina", "--device", "phone-amina", "--store", h.db)
	h.ok(h.juma, "init", "--owner", "juma", "--device", "phone-juma", "--store", h.db)
	return h
}

// run executes a command with the given config file and JSON output.
func (h *household) run(config string, args ...string) (int, CLIResponse, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", config, "--format", "json"}, args...)
	code := Execute(context.Background(), full, &stdout, &stderr)

	var resp CLIResponse
	if stdout.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(stdout.Bytes(), &resp), stdout.String())
	}
	return code, resp, stderr.String()
}

// ok runs a command that must succeed and returns its data.
func (h *household) ok(config string, args ...string) map[string]any {
	h.t.Helper()
	code, resp, stderr := h.run(config, args...)
	require.Equal(h.t, ExitSuccess, code, "%v: %s", args, stderr)
	require.Equal(h.t, "ok", resp.Status)
	data, _ := resp.Data.(map[string]any)
	return data
}

// list runs a command that must succeed with a list result.
func (h *household) list(config string, args ...string) []any {
	h.t.Helper()
	code, resp, stderr := h.run(config, args...)
	require.Equal(h.t, ExitSuccess, code, "%v: %s", args, stderr)
	items, ok := resp.Data.([]any)
	if resp.Data == nil {
		return nil
	}
	require.True(h.t, ok, "%v returned %T", args, resp.Data)
	return items
}

func TestInit_WritesConfigAndKey(t *testing.T) {
	h := newHousehold(t)

	data, err := os.ReadFile(h.amina)
	require.NoError(t, err)
	assert.Contains(t, string(data), `owner:     "amina"`)
	assert.Contains(t, string(data), h.db)

	key := h.ok(h.amina, "keys", "show")
	assert.Equal(t, "amina", key["owner_id"])
	assert.Equal(t, "ed25519", key["algorithm"])
	assert.Regexp(t, `^ed25519:`, key["public_key"])

	again := h.ok(h.amina, "init", "--owner", "amina")
	assert.Equal(t, key["id"], again["id"], "init is idempotent")

	code, resp, _ := h.run(h.amina, "init", "--owner", "juma")
	assert.Equal(t, ExitCommandError, code)
	assert.Empty(t, resp.Status)
}

func TestCommands_RequireOwner(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	config := filepath.Join(dir, "anon.cue")
	require.NoError(t, os.WriteFile(config, []byte(`store: path: "`+filepath.Join(dir, "x.db")+`"`+"\n"), 0o600))

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--config", config, "asset", "list"}, &stdout, &stderr)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "herdtrail init --owner")
}

func TestTransferLifecycle(t *testing.T) {
	h := newHousehold(t)

	asset := h.ok(h.amina, "asset", "register", "cow-1", "--category", "boran", "--born", "2023-09-02")
	assert.Equal(t, "amina", asset["owner_id"])
	assert.Equal(t, true, asset["active"])

	rec := h.ok(h.amina, "transfer", "initiate", "cow-1", "juma", "--method", "gift", "--id", "T1")
	assert.Equal(t, "INITIATED", rec["status"])
	assert.Equal(t, "UNVERIFIED", rec["verification_status"])

	code, resp, _ := h.run(h.amina, "transfer", "initiate", "cow-1", "juma", "--method", "gift", "--id", "T2")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT", resp.Error.Code)

	rec = h.ok(h.amina, "transfer", "evidence", "T1", "--score", "0.9", "--lat", "-1.2921", "--lon", "36.8219")
	assert.Equal(t, "PENDING_VERIFICATION", rec["status"])
	assert.Equal(t, "PARTIAL", rec["verification_status"])

	shown := h.ok(h.juma, "asset", "show", "cow-1")
	assert.Equal(t, "amina", shown["owner_id"], "ownership waits for both parties")
	assert.Equal(t, "T1", shown["active_transfer_id"])

	rec = h.ok(h.juma, "transfer", "evidence", "T1", "--score", "0.8")
	assert.Equal(t, "COMPLETED", rec["status"])
	assert.Equal(t, "SATISFIED", rec["verification_status"])

	shown = h.ok(h.juma, "asset", "show", "cow-1")
	assert.Equal(t, "juma", shown["owner_id"])
	assert.Nil(t, shown["active_transfer_id"])

	detail := h.ok(h.juma, "transfer", "show", "T1")
	evidence, ok := detail["evidence"].([]any)
	require.True(t, ok)
	assert.Len(t, evidence, 2)

	assert.Len(t, h.list(h.juma, "asset", "list"), 1)
	assert.Empty(t, h.list(h.amina, "asset", "list"))
	assert.Len(t, h.list(h.amina, "asset", "list", "--all"), 1)
	assert.Len(t, h.list(h.amina, "transfer", "list", "cow-1"), 1)

	history := h.list(h.amina, "transfer", "history", "T1")
	require.Len(t, history, 4)
	first, _ := history[0].(map[string]any)
	assert.Equal(t, "CREATE", first["action"])
	assert.Equal(t, "LOCAL", first["origin"])

	code, resp, _ = h.run(h.amina, "transfer", "cancel", "T1")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_STATE", resp.Error.Code)
}

func TestTransferEvidence_Validation(t *testing.T) {
	h := newHousehold(t)
	h.ok(h.amina, "asset", "register", "cow-1", "--category", "boran")
	h.ok(h.amina, "transfer", "initiate", "cow-1", "juma", "--method", "sale", "--price", "4500000", "--currency", "KES", "--id", "T1")

	code, _, stderr := h.run(h.amina, "transfer", "evidence", "T1", "--score", "1.5")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "--score must be between 0 and 1")

	code, _, _ = h.run(h.amina, "transfer", "initiate", "cow-1", "juma", "--method", "barter")
	assert.Equal(t, ExitCommandError, code)

	code, resp, _ := h.run(h.amina, "transfer", "show", "T9")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestTransferEvidence_WithoutScore(t *testing.T) {
	h := newHousehold(t)
	h.ok(h.amina, "asset", "register", "cow-1")
	h.ok(h.amina, "transfer", "initiate", "cow-1", "juma", "--method", "gift", "--id", "T1")

	rec := h.ok(h.amina, "transfer", "evidence", "T1")
	assert.Equal(t, "PENDING_VERIFICATION", rec["status"])
	assert.Equal(t, "PARTIAL", rec["verification_status"])

	rec = h.ok(h.juma, "transfer", "evidence", "T1", "--score", "0.8")
	assert.Equal(t, "PENDING_VERIFICATION", rec["status"], "unscored evidence neither disputes nor satisfies")
	assert.Equal(t, "PARTIAL", rec["verification_status"])

	detail := h.ok(h.juma, "transfer", "show", "T1")
	evidence, ok := detail["evidence"].([]any)
	require.True(t, ok)
	for _, e := range evidence {
		entry, _ := e.(map[string]any)
		if entry["party_id"] == "amina" {
			assert.NotContains(t, entry, "plausibility")
		}
	}

	rec = h.ok(h.amina, "transfer", "evidence", "T1", "--score", "0.9")
	assert.Equal(t, "COMPLETED", rec["status"])
}

func TestTransferEvidence_PricedNeedsProofFromBoth(t *testing.T) {
	h := newHousehold(t)
	h.ok(h.amina, "asset", "register", "cow-1")
	h.ok(h.amina, "transfer", "initiate", "cow-1", "juma", "--price", "4500000", "--currency", "KES", "--id", "T1")

	h.ok(h.amina, "transfer", "evidence", "T1", "--score", "0.9", "--proof", "mpesa:QK81XZ2LTW")
	rec := h.ok(h.juma, "transfer", "evidence", "T1", "--score", "0.9")
	assert.Equal(t, "PARTIAL", rec["verification_status"])

	rec = h.ok(h.juma, "transfer", "evidence", "T1", "--score", "0.9", "--proof", "mpesa:QK81XZ2LTW")
	assert.Equal(t, "COMPLETED", rec["status"])
	assert.Equal(t, []any{"mpesa:QK81XZ2LTW"}, rec["proof_refs"])
}

func TestTransferCancelReleasesAsset(t *testing.T) {
	h := newHousehold(t)
	h.ok(h.amina, "asset", "register", "cow-1")
	h.ok(h.amina, "transfer", "initiate", "cow-1", "juma", "--method", "loan", "--id", "T1")

	rec := h.ok(h.juma, "transfer", "cancel", "T1", "--reason", "changed my mind")
	assert.Equal(t, "CANCELLED", rec["status"])
	assert.Equal(t, "changed my mind", rec["reason"])

	shown := h.ok(h.amina, "asset", "show", "cow-1")
	assert.Equal(t, "amina", shown["owner_id"])
	assert.Nil(t, shown["active_transfer_id"])

	assert.Empty(t, h.list(h.amina, "expire"))
}

func TestAssetUpdateAndDeactivate(t *testing.T) {
	h := newHousehold(t)
	h.ok(h.amina, "asset", "register", "cow-1", "--category", "boran")

	asset := h.ok(h.amina, "asset", "update", "cow-1", "--health", "vet:2024-118")
	assert.Equal(t, "boran", asset["category"])
	assert.Equal(t, "vet:2024-118", asset["health_ref"])

	code, resp, _ := h.run(h.juma, "asset", "update", "cow-1", "--category", "sahiwal")
	assert.Equal(t, ExitCommandError, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)

	asset = h.ok(h.amina, "asset", "deactivate", "cow-1")
	assert.Equal(t, false, asset["active"])
}

func TestSyncAndLog(t *testing.T) {
	h := newHousehold(t)
	h.ok(h.amina, "asset", "register", "cow-1", "--category", "boran")
	h.ok(h.amina, "transfer", "initiate", "cow-1", "juma", "--method", "gift", "--id", "T1")

	report := h.ok(h.amina, "sync")
	assert.EqualValues(t, 0, report["pending"])
	assert.EqualValues(t, 0, report["dead"])
	assert.EqualValues(t, 3, report["pushed"])

	assert.Empty(t, h.list(h.amina, "deadletters"))

	entries := h.list(h.amina, "log", "asset", "cow-1")
	require.NotEmpty(t, entries)
	for _, e := range entries {
		entry, _ := e.(map[string]any)
		assert.Equal(t, "asset", entry["entity_type"])
		assert.Equal(t, "cow-1", entry["entity_id"])
	}
	assert.Len(t, h.list(h.amina, "log", "--limit", "1"), 1)
	assert.Empty(t, h.list(h.amina, "log", "--origin", "REMOTE", "--unverified"))

	code, _, stderr := h.run(h.amina, "log", "asset")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "needs an entity id")

	code, _, _ = h.run(h.amina, "log", "--origin", "SOMEWHERE")
	assert.Equal(t, ExitCommandError, code)

	code, _, stderr = h.run(h.amina, "log", "prune")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "--older-than")

	pruned := h.ok(h.amina, "log", "prune", "--older-than", "2160h")
	assert.EqualValues(t, 0, pruned["count"])
}

func TestDeadLettersRequeue_NeedsTarget(t *testing.T) {
	h := newHousehold(t)

	code, _, stderr := h.run(h.amina, "deadletters", "requeue")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "--all")

	requeued := h.ok(h.amina, "deadletters", "requeue", "--all")
	assert.EqualValues(t, 0, requeued["count"])
}

func TestKeysTrustAndRotate(t *testing.T) {
	h := newHousehold(t)
	jumaKey := h.ok(h.juma, "keys", "show")

	trusted := h.ok(h.amina, "keys", "trust", "juma", jumaKey["public_key"].(string))
	assert.Equal(t, jumaKey["id"], trusted["id"])

	found := h.ok(h.amina, "keys", "lookup", jumaKey["id"].(string))
	assert.Equal(t, "juma", found["owner_id"])

	code, _, _ := h.run(h.amina, "keys", "trust", "amina", jumaKey["public_key"].(string))
	assert.Equal(t, ExitFailure, code, "a key cannot be rebound to another owner")

	code, _, _ = h.run(h.amina, "keys", "trust", "juma", "ed25519:not base64!")
	assert.Equal(t, ExitCommandError, code)

	before := h.ok(h.amina, "keys", "show")
	rotated := h.ok(h.amina, "keys", "rotate")
	assert.NotEqual(t, before["id"], rotated["id"])

	old := h.ok(h.amina, "keys", "lookup", before["id"].(string))
	assert.NotEmpty(t, old["retired_at"])
}

func TestScenarioCommand(t *testing.T) {
	keyring.MockInit()
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--config", "testdata/none.cue", "scenario", scenarios}, &stdout, &stderr)
	assert.Equal(t, ExitCommandError, code, "an explicit config file must exist")

	config := filepath.Join(t.TempDir(), "herdtrail.cue")
	require.NoError(t, os.WriteFile(config, []byte("verification: threshold: 0.5\n"), 0o600))

	stdout.Reset()
	stderr.Reset()
	code = Execute(context.Background(), []string{"--config", config, "scenario", scenarios}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code, stdout.String()+stderr.String())
	assert.Contains(t, stdout.String(), "✓ offline_recovery")
	assert.Contains(t, stdout.String(), "✓ All scenarios passed")

	stdout.Reset()
	code = Execute(context.Background(), []string{"--config", config, "--format", "json", "scenario", scenarios, "--filter", "*expiry*"}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	suite, _ := resp.Data.(map[string]any)
	assert.EqualValues(t, 1, suite["total"])
}

func TestScenarioCommand_Update(t *testing.T) {
	keyring.MockInit()
	scenarios := filepath.Join("..", "harness", "testdata", "scenarios")
	golden := filepath.Join(t.TempDir(), "golden")
	config := filepath.Join(t.TempDir(), "herdtrail.cue")
	require.NoError(t, os.WriteFile(config, nil, 0o600))

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{
		"--config", config, "scenario", scenarios, "--golden", golden, "--update", "--filter", "dead_letter_once",
	}, &stdout, &stderr)
	require.Equal(t, ExitSuccess, code, stdout.String()+stderr.String())
	assert.Contains(t, stdout.String(), "(golden updated)")

	written, err := os.ReadFile(filepath.Join(golden, "dead_letter_once.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join("..", "harness", "testdata", "golden", "dead_letter_once.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	// A golden file that no longer matches fails the scenario.
	require.NoError(t, os.WriteFile(filepath.Join(golden, "dead_letter_once.golden"), []byte("{}\n"), 0o644))
	stdout.Reset()
	code = Execute(context.Background(), []string{
		"--config", config, "scenario", scenarios, "--golden", golden, "--filter", "dead_letter_once",
	}, &stdout, &stderr)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout.String(), "trace does not match golden file")
}
