package harness

import (
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events"
)

// Trace event types.
const (
	TypeStep  = "step"
	TypeEvent = "event"
)

// TraceEvent is one line of a scenario trace: either a step with its
// outcome and the state it left behind, or an event the step published.
type TraceEvent struct {
	Type string `json:"type"`

	// Step fields.
	Step     int           `json:"step,omitempty"`
	Op       string        `json:"op,omitempty"`
	Outcome  string        `json:"outcome,omitempty"`
	Outcomes []string      `json:"outcomes,omitempty"`
	Transfer string        `json:"transfer,omitempty"`
	Status   domain.Status `json:"status,omitempty"`
	Owner    string        `json:"owner,omitempty"`
	Pending  int           `json:"pending,omitempty"`
	Dead     int           `json:"dead,omitempty"`

	// Event fields.
	Kind     events.Kind   `json:"kind,omitempty"`
	From     domain.Status `json:"from,omitempty"`
	To       domain.Status `json:"to,omitempty"`
	Actor    string        `json:"actor,omitempty"`
	Entity   string        `json:"entity,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists steps and the events they published, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Assets is the final local state of every asset, by id.
	Assets map[string]domain.Asset `json:"-"`

	// Events is every event published during the run.
	Events []events.Event `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Assets: make(map[string]domain.Asset),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace adds a step to the trace.
func (r *Result) AddStepTrace(ev TraceEvent) {
	ev.Type = TypeStep
	r.Trace = append(r.Trace, ev)
}

// AddEventTrace adds a published event to the trace.
func (r *Result) AddEventTrace(e events.Event) {
	ev := TraceEvent{
		Type:     TypeEvent,
		Kind:     e.Kind,
		Transfer: e.TransferID,
		From:     e.From,
		To:       e.To,
		Actor:    e.ActorID,
	}
	if e.Failure != nil {
		ev.Entity = string(e.Failure.EntityType) + "/" + e.Failure.EntityID
		ev.Attempts = e.Failure.Attempts
	}
	r.Trace = append(r.Trace, ev)
	r.Events = append(r.Events, e)
}
