package harness

import (
	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/race"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace holds one line per step header and per bus event, in order.
	// Used for golden comparison.
	Trace []string `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds each device's final state.
	State map[string]DeviceState `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []string{},
		Errors: []string{},
		State:  make(map[string]DeviceState),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a trace line.
func (r *Result) AddTrace(line string) {
	r.Trace = append(r.Trace, line)
}

// DeviceState is what assertions see of one device after the run.
type DeviceState struct {
	Snapshot  race.Snapshot         `json:"snapshot"`
	Queue     int                   `json:"queue"`
	Conflicts map[conflict.Kind]int `json:"conflicts"`
}
