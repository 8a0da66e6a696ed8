package race

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Column names shared by payloads and remote records.
const (
	ColName         = "name"
	ColPace         = "pace"
	ColVan          = "van"
	ColRunnerID     = "runner_id"
	ColDistance     = "distance"
	ColPaceOverride = "pace_override"
	ColActualStart  = string(FieldActualStart)
	ColActualFinish = string(FieldActualFinish)
	ColLocalID      = "local_id"
)

// Payload is a set of column values for one entity.
// A nil value clears an optional column.
type Payload map[string]any

// Clone returns a shallow copy of p (values are scalars).
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the payload keys in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether the payload carries the given column.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// TimeFields returns the timing fields present in the payload.
func (p Payload) TimeFields() []TimeField {
	var out []TimeField
	for _, f := range []TimeField{FieldActualStart, FieldActualFinish} {
		if p.Has(string(f)) {
			out = append(out, f)
		}
	}
	return out
}

// Time decodes a timing column. ok is false when the column is absent.
func (p Payload) Time(field TimeField) (t *Timestamp, ok bool, err error) {
	v, ok := p[string(field)]
	if !ok {
		return nil, false, nil
	}
	if v == nil {
		return nil, true, nil
	}
	n, err := asInt64(v)
	if err != nil {
		return nil, true, &StructuralError{Message: fmt.Sprintf("column %s: %v", field, err)}
	}
	ts := Timestamp(n)
	return &ts, true, nil
}

// Key returns a stable string identifying the payload's column set,
// e.g. "actual_finish,actual_start".
func (p Payload) Key() string {
	return strings.Join(p.Keys(), ",")
}

// RunnerPayload returns the syncable columns of a runner.
func RunnerPayload(r Runner) Payload {
	return Payload{
		ColLocalID: int64(r.ID),
		ColName:    r.Name,
		ColPace:    int64(r.Pace),
		ColVan:     int64(r.Van),
	}
}

// LegPayload returns the syncable columns of a leg.
// Projected times are derived and never included.
func LegPayload(l Leg) Payload {
	p := Payload{
		ColLocalID:      int64(l.ID),
		ColRunnerID:     int64(l.RunnerID),
		ColDistance:     l.Distance,
		ColActualStart:  nil,
		ColActualFinish: nil,
		ColPaceOverride: nil,
	}
	if l.ActualStart != nil {
		p[ColActualStart] = int64(*l.ActualStart)
	}
	if l.ActualFinish != nil {
		p[ColActualFinish] = int64(*l.ActualFinish)
	}
	if l.PaceOverride != nil {
		p[ColPaceOverride] = int64(*l.PaceOverride)
	}
	return p
}

// TimePayload builds a single-field payload for a timing edit.
func TimePayload(field TimeField, t *Timestamp) Payload {
	if t == nil {
		return Payload{string(field): nil}
	}
	return Payload{string(field): int64(*t)}
}

// ApplyRunner writes the payload columns onto r. Unknown columns are ignored.
// The local id column is never applied; local ids are stable for the race.
func ApplyRunner(r *Runner, p Payload) error {
	for k, v := range p {
		switch k {
		case ColName:
			s, ok := v.(string)
			if !ok {
				return &StructuralError{Message: fmt.Sprintf("column name: expected string, got %T", v)}
			}
			r.Name = NormalizeName(s)
		case ColPace:
			n, err := asInt64(v)
			if err != nil {
				return &StructuralError{Message: fmt.Sprintf("column pace: %v", err)}
			}
			r.Pace = int(n)
		case ColVan:
			n, err := asInt64(v)
			if err != nil {
				return &StructuralError{Message: fmt.Sprintf("column van: %v", err)}
			}
			r.Van = int(n)
		}
	}
	return nil
}

// ApplyLeg writes the payload columns onto l. Unknown columns are ignored.
func ApplyLeg(l *Leg, p Payload) error {
	for k, v := range p {
		switch k {
		case ColRunnerID:
			n, err := asInt64(v)
			if err != nil {
				return &StructuralError{Message: fmt.Sprintf("column runner_id: %v", err)}
			}
			l.RunnerID = int(n)
		case ColDistance:
			f, err := asFloat64(v)
			if err != nil {
				return &StructuralError{Message: fmt.Sprintf("column distance: %v", err)}
			}
			l.Distance = f
		case ColPaceOverride:
			if v == nil {
				l.PaceOverride = nil
				continue
			}
			n, err := asInt64(v)
			if err != nil {
				return &StructuralError{Message: fmt.Sprintf("column pace_override: %v", err)}
			}
			pace := int(n)
			l.PaceOverride = &pace
		case ColActualStart, ColActualFinish:
			t, _, err := p.Time(TimeField(k))
			if err != nil {
				return err
			}
			l.SetTime(TimeField(k), t)
		}
	}
	return nil
}

// NormalizeName trims a runner name and normalizes it to NFC so that names
// typed on different devices compare equal.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case Timestamp:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// DecodePayload parses a JSON object into a Payload, preserving integers.
func DecodePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, &StructuralError{Message: fmt.Sprintf("decode payload: %v", err)}
	}
	if raw == nil {
		return nil, &StructuralError{Message: "decode payload: not an object"}
	}
	p := make(Payload, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				p[k] = i
				continue
			}
			f, err := n.Float64()
			if err != nil {
				return nil, &StructuralError{Message: fmt.Sprintf("decode payload: column %s: %v", k, err)}
			}
			p[k] = f
			continue
		}
		p[k] = v
	}
	return p, nil
}
