package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/herdtrail/internal/domain"
)

// Scenario is a scripted run of the engine against a fresh store.
// Scenarios are defined in YAML files and loaded with LoadScenario.
type Scenario struct {
	// Name identifies the scenario; golden files are named after it.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Parties are the owner ids that take part. The first one owns the
	// device: its key signs transfer records.
	Parties []string `yaml:"parties"`

	// Assets are registered before the first step.
	Assets []AssetSpec `yaml:"assets"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// AssetSpec describes an asset registered during setup.
type AssetSpec struct {
	ID        string `yaml:"id"`
	Owner     string `yaml:"owner"`
	Category  string `yaml:"category,omitempty"`
	BirthDate string `yaml:"birth_date,omitempty"`
}

// Operations a step can perform.
const (
	OpInitiate = "initiate"
	OpEvidence = "evidence"
	OpCancel   = "cancel"
	OpReject   = "reject"
	OpExpire   = "expire"
	OpAdvance  = "advance"
	OpSync     = "sync"
	OpRemote   = "remote"
	OpParallel = "parallel"
)

// Remote modes for OpRemote steps.
const (
	RemoteOffline = "offline"
	RemoteOnline  = "online"
	RemoteFault   = "fault"
)

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// Transfer names the transfer the step acts on. For initiate it is the
	// id to create; elsewhere it defaults to the last transfer initiated.
	Transfer string `yaml:"transfer,omitempty"`

	// initiate
	Asset    string `yaml:"asset,omitempty"`
	From     string `yaml:"from,omitempty"`
	To       string `yaml:"to,omitempty"`
	Method   string `yaml:"method,omitempty"`
	Price    int64  `yaml:"price,omitempty"`
	Currency string `yaml:"currency,omitempty"`

	// evidence
	Party string   `yaml:"party,omitempty"`
	Score float64  `yaml:"score,omitempty"`
	Proof []string `yaml:"proof,omitempty"`

	// cancel, reject
	Actor  string `yaml:"actor,omitempty"`
	Reason string `yaml:"reason,omitempty"`

	// advance; for sync, the clock advance between repeats
	By string `yaml:"by,omitempty"`

	// sync
	Repeat int `yaml:"repeat,omitempty"`

	// remote
	Mode   string        `yaml:"mode,omitempty"`
	Entity string        `yaml:"entity,omitempty"`
	Status domain.Status `yaml:"status,omitempty"`

	// parallel
	Steps []Step `yaml:"steps,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks the outcome of a step. Unset fields are not checked.
type Expect struct {
	// Error is the expected error code (CONFLICT, INVALID_STATE, ...).
	// Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Status is the transfer's status and Owner its asset's owner after
	// the step.
	Status domain.Status `yaml:"status,omitempty"`
	Owner  string        `yaml:"owner,omitempty"`

	// Pending and Dead check the sync queue after a sync step.
	Pending *int `yaml:"pending,omitempty"`
	Dead    *int `yaml:"dead,omitempty"`

	// Outcomes counts the results of a parallel step by error code, with
	// "ok" for successes.
	Outcomes map[string]int `yaml:"outcomes,omitempty"`
}

// Assertion types.
const (
	AssertFinalState  = "final_state"
	AssertTransitions = "transitions"
	AssertEventCount  = "event_count"
	AssertRemote      = "remote"
	AssertLogCount    = "log_count"
)

// Assertion is a check on the end state of a scenario.
type Assertion struct {
	Type string `yaml:"type"`

	// Entity and ID select what final_state, remote and log_count look at.
	Entity string `yaml:"entity,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// Expect holds field values for final_state and remote (subset match).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Statuses is the exact status sequence for transitions.
	Statuses []domain.Status `yaml:"statuses,omitempty"`

	// Kind and Count for event_count; Count also for log_count.
	Kind  string `yaml:"kind,omitempty"`
	Count int    `yaml:"count"`

	// Unverified restricts log_count to entries that were not applied.
	Unverified bool `yaml:"unverified,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are an
// error so that typos do not silently disable a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", filepath.Base(path), err)
	}
	return &s, nil
}

// LoadDir loads every *.yaml file in dir, in file name order.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", dir)
	}
	slices.Sort(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Parties) == 0 {
		return fmt.Errorf("parties list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	parties := make(map[string]bool, len(s.Parties))
	for _, p := range s.Parties {
		if parties[p] {
			return fmt.Errorf("party %q listed twice", p)
		}
		parties[p] = true
	}
	for i, a := range s.Assets {
		if a.ID == "" {
			return fmt.Errorf("assets[%d]: id is required", i)
		}
		if !parties[a.Owner] {
			return fmt.Errorf("assets[%d]: owner %q is not a party", i, a.Owner)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(fmt.Sprintf("steps[%d]", i), step, parties, true); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(at string, step Step, parties map[string]bool, top bool) error {
	party := func(field, id string) error {
		if !parties[id] {
			return fmt.Errorf("%s: %s %q is not a party", at, field, id)
		}
		return nil
	}
	switch step.Op {
	case OpInitiate:
		if step.Asset == "" {
			return fmt.Errorf("%s: asset is required for initiate", at)
		}
		if err := party("from", step.From); err != nil {
			return err
		}
		if err := party("to", step.To); err != nil {
			return err
		}
		if step.Method != "" {
			if _, err := domain.ParseMethod(step.Method); err != nil {
				return fmt.Errorf("%s: %w", at, err)
			}
		}
	case OpEvidence:
		if err := party("party", step.Party); err != nil {
			return err
		}
		if step.Score < 0 || step.Score > 1 {
			return fmt.Errorf("%s: score %v is outside [0, 1]", at, step.Score)
		}
	case OpCancel, OpReject:
		if err := party("actor", step.Actor); err != nil {
			return err
		}
	case OpExpire:
	case OpAdvance:
		if _, err := time.ParseDuration(step.By); err != nil {
			return fmt.Errorf("%s: by: %w", at, err)
		}
	case OpSync:
		if step.Repeat < 0 {
			return fmt.Errorf("%s: repeat must be non-negative", at)
		}
		if step.By != "" {
			if _, err := time.ParseDuration(step.By); err != nil {
				return fmt.Errorf("%s: by: %w", at, err)
			}
		}
	case OpRemote:
		switch step.Mode {
		case RemoteOffline, RemoteOnline:
		case RemoteFault:
			if _, err := parseEntity(step.Entity); err != nil {
				return fmt.Errorf("%s: %w", at, err)
			}
		default:
			return fmt.Errorf("%s: unknown remote mode %q", at, step.Mode)
		}
	case OpParallel:
		if !top {
			return fmt.Errorf("%s: parallel steps cannot nest", at)
		}
		if len(step.Steps) < 2 {
			return fmt.Errorf("%s: parallel needs at least two steps", at)
		}
		for i, sub := range step.Steps {
			if sub.Op != OpInitiate && sub.Op != OpEvidence && sub.Op != OpCancel {
				return fmt.Errorf("%s.steps[%d]: %q cannot run in parallel", at, i, sub.Op)
			}
			if err := validateStep(fmt.Sprintf("%s.steps[%d]", at, i), sub, parties, false); err != nil {
				return err
			}
		}
	case "":
		return fmt.Errorf("%s: op is required", at)
	default:
		return fmt.Errorf("%s: unknown op %q", at, step.Op)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertFinalState, AssertRemote:
		if _, err := parseEntity(a.Entity); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertTransitions:
		if a.ID == "" || len(a.Statuses) == 0 {
			return fmt.Errorf("assertions[%d]: id and statuses are required for transitions", index)
		}
	case AssertEventCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertLogCount:
		if _, err := parseEntity(a.Entity); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.ID == "" || a.Count < 0 {
			return fmt.Errorf("assertions[%d]: id and a non-negative count are required for log_count", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseEntity(s string) (domain.EntityType, error) {
	switch t := domain.EntityType(s); t {
	case domain.EntityAsset, domain.EntityTransfer, domain.EntityEvidence:
		return t, nil
	}
	return "", fmt.Errorf("unknown entity %q", s)
}
