package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/relaysync/internal/race"
)

// Scenario is a scripted multi-device session against one in-memory remote.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// RaceFile is a CUE race definition, relative to the scenario file.
	// Exactly one of RaceFile and Race must be set.
	RaceFile string `yaml:"race_file,omitempty"`

	// Race is an inline race definition.
	Race *RaceSpec `yaml:"race,omitempty"`

	// Devices lists the simulated devices. The first one is the captain and
	// bootstraps the race; the others load it from the remote.
	Devices []string `yaml:"devices"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked against the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// RaceSpec is an inline race. Legs are assigned round-robin in runner order.
type RaceSpec struct {
	Start     int64        `yaml:"start"`
	Runners   []RunnerSpec `yaml:"runners"`
	Distances []float64    `yaml:"distances"`
}

// RunnerSpec is one inline runner.
type RunnerSpec struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
	Pace int    `yaml:"pace"`
	Van  int    `yaml:"van"`
}

// Step is one scripted action.
type Step struct {
	// Device performs the step. Not used by advance.
	Device string `yaml:"device,omitempty"`

	// Do is the action, one of the Step* constants.
	Do string `yaml:"do"`

	// Leg is the leg id for start, finish and handoff.
	Leg int `yaml:"leg,omitempty"`

	// At is the time of a start, finish or handoff: Unix milliseconds, or a
	// duration after the race start such as "35m".
	At string `yaml:"at,omitempty"`

	// By is the clock advance, e.g. "5s".
	By string `yaml:"by,omitempty"`

	// Kind, Choice and Value drive resolve and dismiss.
	Kind   string `yaml:"kind,omitempty"`
	Choice string `yaml:"choice,omitempty"`
	Value  string `yaml:"value,omitempty"`

	// ExpectError names the error the step must fail with: a validation
	// code such as FINISH_WITHOUT_START, or "conflict", "network" or "any".
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step actions.
const (
	StepStart     = "start"
	StepFinish    = "finish"
	StepHandoff   = "handoff"
	StepOffline   = "offline"
	StepOnline    = "online"
	StepProcess   = "process"
	StepReconcile = "reconcile"
	StepRepair    = "repair"
	StepResolve   = "resolve"
	StepDismiss   = "dismiss"
	StepAdvance   = "advance"
)

var stepActions = []string{
	StepStart, StepFinish, StepHandoff, StepOffline, StepOnline, StepProcess,
	StepReconcile, StepRepair, StepResolve, StepDismiss, StepAdvance,
}

// Assertion checks the final state of one device, or of all of them.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Device is the device checked. Not used by converged.
	Device string `yaml:"device,omitempty"`

	// Leg is the leg checked by leg, or the expected id for current_leg.
	Leg int `yaml:"leg,omitempty"`

	// Expect maps actual_start / actual_finish to a time (same forms as
	// Step.At) or null for unset.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Kind selects the conflict queue for conflicts.
	Kind string `yaml:"kind,omitempty"`

	// Count is the expected queue length or conflict count.
	Count *int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertLeg        = "leg"
	AssertCurrentLeg = "current_leg"
	AssertQueue      = "queue"
	AssertConflicts  = "conflicts"
	AssertConverged  = "converged"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected and a race_file path is resolved against the scenario's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.RaceFile != "" && !filepath.IsAbs(scenario.RaceFile) {
		scenario.RaceFile = filepath.Join(filepath.Dir(path), scenario.RaceFile)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and every step
// and assertion is well formed.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if (s.RaceFile == "") == (s.Race == nil) {
		return fmt.Errorf("exactly one of race_file and race is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(s.Devices))
	for _, d := range s.Devices {
		if d == "" || seen[d] {
			return fmt.Errorf("device names must be unique and non-empty")
		}
		seen[d] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if !slices.Contains(stepActions, step.Do) {
			return fmt.Errorf("step %d: unknown action %q", i+1, step.Do)
		}
		if step.Do == StepAdvance {
			if _, err := time.ParseDuration(step.By); err != nil {
				return fmt.Errorf("step %d: advance needs a duration in by: %w", i+1, err)
			}
			continue
		}
		if !seen[step.Device] {
			return fmt.Errorf("step %d: unknown device %q", i+1, step.Device)
		}
		switch step.Do {
		case StepStart, StepFinish, StepHandoff:
			if step.Leg < 1 {
				return fmt.Errorf("step %d: %s needs a leg", i+1, step.Do)
			}
		case StepResolve:
			if step.Kind == "" || step.Choice == "" {
				return fmt.Errorf("step %d: resolve needs kind and choice", i+1)
			}
		case StepDismiss:
			if step.Kind == "" {
				return fmt.Errorf("step %d: dismiss needs kind", i+1)
			}
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertConverged:
			continue
		case AssertLeg, AssertCurrentLeg, AssertQueue, AssertConflicts:
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i+1, a.Type)
		}
		if !seen[a.Device] {
			return fmt.Errorf("assertion %d: unknown device %q", i+1, a.Device)
		}
		if (a.Type == AssertQueue || a.Type == AssertConflicts) && a.Count == nil {
			return fmt.Errorf("assertion %d: %s needs count", i+1, a.Type)
		}
		if a.Type == AssertLeg && a.Leg < 1 {
			return fmt.Errorf("assertion %d: leg needs a leg id", i+1)
		}
	}
	return nil
}

// parseTime reads an absolute millisecond value or a duration after start.
func parseTime(s string, start race.Timestamp) (race.Timestamp, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return race.Timestamp(n), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("time %q is neither milliseconds nor a duration", s)
	}
	return start.Add(d), nil
}
