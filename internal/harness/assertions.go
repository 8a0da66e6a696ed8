package harness

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/race"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Device   string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Device != "" {
		fmt.Fprintf(&buf, " on %s", e.Device)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// AssertionContext is the final state assertions are checked against.
type AssertionContext struct {
	Start   race.Timestamp
	Devices map[string]DeviceState
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for _, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	if a.Type == AssertConverged {
		return assertConverged(actx)
	}
	st, ok := actx.Devices[a.Device]
	if !ok {
		return &AssertionError{Type: a.Type, Device: a.Device, Expected: "known device", Actual: "no such device"}
	}
	switch a.Type {
	case AssertLeg:
		return assertLeg(a, st, actx.Start)
	case AssertCurrentLeg:
		if st.Snapshot.CurrentLegID != a.Leg {
			return &AssertionError{Type: a.Type, Device: a.Device,
				Expected: fmt.Sprintf("current leg %d", a.Leg),
				Actual:   fmt.Sprintf("current leg %d", st.Snapshot.CurrentLegID)}
		}
	case AssertQueue:
		if st.Queue != *a.Count {
			return &AssertionError{Type: a.Type, Device: a.Device,
				Expected: fmt.Sprintf("%d queued", *a.Count),
				Actual:   fmt.Sprintf("%d queued", st.Queue)}
		}
	case AssertConflicts:
		n := 0
		if a.Kind == "" {
			for _, c := range st.Conflicts {
				n += c
			}
		} else {
			n = st.Conflicts[conflict.Kind(a.Kind)]
		}
		if n != *a.Count {
			return &AssertionError{Type: a.Type, Device: a.Device,
				Expected: fmt.Sprintf("%d %s conflicts", *a.Count, a.Kind),
				Actual:   fmt.Sprintf("%d", n)}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// assertLeg compares the listed timing fields (subset match).
func assertLeg(a Assertion, st DeviceState, start race.Timestamp) error {
	leg, ok := st.Snapshot.Leg(a.Leg)
	if !ok {
		return &AssertionError{Type: a.Type, Device: a.Device, Expected: fmt.Sprintf("leg %d", a.Leg), Actual: "no such leg"}
	}
	for field, raw := range a.Expect {
		tf := race.TimeField(field)
		if !tf.Valid() {
			return fmt.Errorf("leg assertion: unknown field %q", field)
		}
		want, err := expectedTime(raw, start)
		if err != nil {
			return fmt.Errorf("leg assertion: %s: %w", field, err)
		}
		if got := leg.Time(tf); !race.EqualTime(got, want) {
			return &AssertionError{Type: a.Type, Device: a.Device,
				Expected: fmt.Sprintf("leg %d %s=%s", a.Leg, field, formatTime(want)),
				Actual:   fmt.Sprintf("leg %d %s=%s", a.Leg, field, formatTime(got))}
		}
	}
	return nil
}

// assertConverged checks that every device holds the same leg times.
func assertConverged(actx *AssertionContext) error {
	var (
		refName string
		ref     []race.Leg
	)
	for name, st := range actx.Devices {
		if ref == nil || name < refName {
			refName, ref = name, st.Snapshot.Legs
		}
	}
	for name, st := range actx.Devices {
		for i, l := range st.Snapshot.Legs {
			if i >= len(ref) {
				break
			}
			r := ref[i]
			if !race.EqualTime(l.ActualStart, r.ActualStart) || !race.EqualTime(l.ActualFinish, r.ActualFinish) {
				return &AssertionError{Type: AssertConverged, Device: name,
					Expected: fmt.Sprintf("leg %d %s..%s as on %s", r.ID, formatTime(r.ActualStart), formatTime(r.ActualFinish), refName),
					Actual:   fmt.Sprintf("leg %d %s..%s", l.ID, formatTime(l.ActualStart), formatTime(l.ActualFinish))}
			}
		}
	}
	return nil
}

func expectedTime(raw any, start race.Timestamp) (*race.Timestamp, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int:
		return race.TimePtr(race.Timestamp(v)), nil
	case string:
		t, err := parseTime(v, start)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	return nil, fmt.Errorf("unsupported value %v (%T)", raw, raw)
}

func formatTime(t *race.Timestamp) string {
	if t == nil {
		return "unset"
	}
	return strconv.FormatInt(int64(*t), 10)
}
