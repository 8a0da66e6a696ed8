// Package setup loads race definitions written in CUE.
//
// A race file declares a single top-level "race" struct that is unified
// with an embedded schema before it is decoded:
//
//	race: {
//		name:  "Cascade Relay"
//		start: "2026-08-21T06:00:00Z"
//		runners: [{id: 1, name: "Ana", pace: 420, van: 1}, ...]
//		distances: [5, 4.2, ...] // or explicit legs: [{id: 1, runner: 1, distance: 5}, ...]
//	}
//
// Schema violations are reported with the CUE source position.
package setup

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/state"
)

//go:embed schema.cue
var schemaSource []byte

// DefaultDistance is the leg length in miles used when a race file gives
// neither legs nor distances.
const DefaultDistance = 5.0

// Error codes for race file loading.
const (
	ErrCodeRead    = "E201" // file could not be read
	ErrCodeSyntax  = "E202" // CUE did not compile
	ErrCodeSchema  = "E203" // value does not satisfy the race schema
	ErrCodeStart   = "E204" // start is not an RFC 3339 time
	ErrCodeRunners = "E205" // runner roster unusable
	ErrCodeLegs    = "E206" // legs or distances unusable
)

// LoadError reports a race file that cannot be used.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Race is a decoded race definition.
type Race struct {
	Name    string
	Start   race.Timestamp
	Runners []race.Runner
	Legs    []race.Leg
}

// LoadFile reads and decodes the race file at path.
func LoadFile(path string) (*Race, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeRead, Message: err.Error()}
	}
	return Parse(path, src)
}

// Parse decodes race file source. filename is used in error positions.
func Parse(filename string, src []byte) (*Race, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile race schema: %w", err)
	}

	file := ctx.CompileBytes(src, cue.Filename(filename))
	if err := file.Err(); err != nil {
		return nil, formatCUEError(ErrCodeSyntax, err)
	}
	if !file.LookupPath(cue.ParsePath("race")).Exists() {
		return nil, &LoadError{Code: ErrCodeSchema, Message: "race is required"}
	}

	v := schema.Unify(file).LookupPath(cue.ParsePath("race"))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(ErrCodeSchema, err)
	}
	return decode(v)
}

func decode(v cue.Value) (*Race, error) {
	f, err := fields(v)
	if err != nil {
		return nil, err
	}

	r := &Race{}
	if n, ok := f["name"]; ok {
		if r.Name, err = n.String(); err != nil {
			return nil, formatCUEError(ErrCodeSchema, err)
		}
	}

	startVal := f["start"]
	s, err := startVal.String()
	if err != nil {
		return nil, formatCUEError(ErrCodeSchema, err)
	}
	start, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeStart, Message: fmt.Sprintf("start %q is not an RFC 3339 time", s), Pos: startVal.Pos()}
	}
	r.Start = race.FromTime(start)

	if r.Runners, err = decodeRunners(f["runners"]); err != nil {
		return nil, err
	}

	switch {
	case f["legs"].Exists():
		r.Legs, err = decodeLegs(f["legs"], r.Runners)
	case f["distances"].Exists():
		var distances []float64
		distances, err = decodeDistances(f["distances"])
		if err == nil {
			r.Legs = DefaultLegs(r.Runners, distances)
		}
	default:
		r.Legs = DefaultLegs(r.Runners, nil)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeRunners(v cue.Value) ([]race.Runner, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(ErrCodeSchema, err)
	}
	var runners []race.Runner
	seen := make(map[int]bool)
	for iter.Next() {
		rv := iter.Value()
		f, err := fields(rv)
		if err != nil {
			return nil, err
		}
		var r race.Runner
		if r.ID, err = intField(f, "id"); err != nil {
			return nil, err
		}
		if r.Name, err = f["name"].String(); err != nil {
			return nil, formatCUEError(ErrCodeSchema, err)
		}
		r.Name = race.NormalizeName(r.Name)
		if r.Pace, err = intField(f, "pace"); err != nil {
			return nil, err
		}
		if r.Van, err = intField(f, "van"); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, &LoadError{Code: ErrCodeRunners, Message: fmt.Sprintf("duplicate runner id %d", r.ID), Pos: rv.Pos()}
		}
		seen[r.ID] = true
		runners = append(runners, r)
	}

	switch {
	case len(runners) == 0:
		return nil, &LoadError{Code: ErrCodeRunners, Message: "at least one runner is required", Pos: v.Pos()}
	case len(runners) > race.MaxRunners:
		return nil, &LoadError{Code: ErrCodeRunners, Message: fmt.Sprintf("too many runners: %d > %d", len(runners), race.MaxRunners), Pos: v.Pos()}
	}
	slices.SortFunc(runners, func(a, b race.Runner) int { return a.ID - b.ID })
	return runners, nil
}

func decodeLegs(v cue.Value, runners []race.Runner) ([]race.Leg, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(ErrCodeSchema, err)
	}
	var legs []race.Leg
	for iter.Next() {
		lv := iter.Value()
		f, err := fields(lv)
		if err != nil {
			return nil, err
		}
		var l race.Leg
		if l.ID, err = intField(f, "id"); err != nil {
			return nil, err
		}
		if l.RunnerID, err = intField(f, "runner"); err != nil {
			return nil, err
		}
		if l.Distance, err = f["distance"].Float64(); err != nil {
			return nil, formatCUEError(ErrCodeSchema, err)
		}
		if _, ok := f["pace_override"]; ok {
			pace, err := intField(f, "pace_override")
			if err != nil {
				return nil, err
			}
			l.PaceOverride = &pace
		}

		if l.ID != len(legs)+1 {
			return nil, &LoadError{Code: ErrCodeLegs, Message: fmt.Sprintf("leg ids must run 1..n in order: position %d has id %d", len(legs)+1, l.ID), Pos: lv.Pos()}
		}
		if race.RunnerIndex(runners, l.RunnerID) < 0 {
			return nil, &LoadError{Code: ErrCodeLegs, Message: fmt.Sprintf("leg %d references unknown runner %d", l.ID, l.RunnerID), Pos: lv.Pos()}
		}
		legs = append(legs, l)
	}
	if len(legs) == 0 {
		return nil, &LoadError{Code: ErrCodeLegs, Message: "legs must not be empty", Pos: v.Pos()}
	}
	return legs, nil
}

func decodeDistances(v cue.Value) ([]float64, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(ErrCodeSchema, err)
	}
	var out []float64
	for iter.Next() {
		d, err := iter.Value().Float64()
		if err != nil {
			return nil, formatCUEError(ErrCodeSchema, err)
		}
		out = append(out, d)
	}
	switch {
	case len(out) == 0:
		return nil, &LoadError{Code: ErrCodeLegs, Message: "distances must not be empty", Pos: v.Pos()}
	case len(out) > race.MaxLegs:
		return nil, &LoadError{Code: ErrCodeLegs, Message: fmt.Sprintf("too many legs: %d > %d", len(out), race.MaxLegs), Pos: v.Pos()}
	}
	return out, nil
}

// DefaultLegs assigns legs round-robin in runner id order, so with twelve
// runners runner i runs legs i, i+12 and i+24. One leg is built per distance;
// with no distances, race.MaxLegs legs of DefaultDistance are built.
func DefaultLegs(runners []race.Runner, distances []float64) []race.Leg {
	if len(runners) == 0 {
		return nil
	}
	ids := make([]int, len(runners))
	for i, r := range runners {
		ids[i] = r.ID
	}
	slices.Sort(ids)

	n := len(distances)
	if n == 0 {
		n = race.MaxLegs
	}
	n = min(n, race.MaxLegs)

	legs := make([]race.Leg, n)
	for i := range legs {
		d := DefaultDistance
		if i < len(distances) {
			d = distances[i]
		}
		legs[i] = race.Leg{ID: i + 1, RunnerID: ids[i%len(ids)], Distance: d}
	}
	return legs
}

// TotalDistance returns the summed leg distance in miles.
func (r *Race) TotalDistance() float64 {
	var total float64
	for _, l := range r.Legs {
		total += l.Distance
	}
	return total
}

// Apply installs the race into an empty store: roster, legs, then start time.
func (r *Race) Apply(st *state.Store) error {
	if err := st.SetRunners(r.Runners); err != nil {
		return fmt.Errorf("apply race: %w", err)
	}
	if err := st.SetLegs(r.Legs); err != nil {
		return fmt.Errorf("apply race: %w", err)
	}
	if err := st.SetStartTime(r.Start); err != nil {
		return fmt.Errorf("apply race: %w", err)
	}
	return nil
}

// fields returns the regular fields of a struct value by label.
func fields(v cue.Value) (map[string]cue.Value, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(ErrCodeSchema, err)
	}
	out := make(map[string]cue.Value)
	for iter.Next() {
		out[iter.Label()] = iter.Value()
	}
	return out, nil
}

func intField(f map[string]cue.Value, name string) (int, error) {
	n, err := f[name].Int64()
	if err != nil {
		return 0, formatCUEError(ErrCodeSchema, err)
	}
	return int(n), nil
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(code string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if pos := errors.Positions(first); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}
