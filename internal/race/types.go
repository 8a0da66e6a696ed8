package race

import (
	"time"
)

// Timestamp is a point in time expressed as Unix milliseconds.
type Timestamp int64

// FromTime converts a time.Time to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time returns the timestamp as a UTC time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// Add returns t shifted by d (truncated to milliseconds).
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Milliseconds())
}

// Sub returns the duration t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(t-u) * time.Millisecond
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t Timestamp) *Timestamp {
	return &t
}

// EqualTime reports whether two optional timestamps hold the same value.
func EqualTime(a, b *Timestamp) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// NewerThan reports whether a is strictly newer than b.
// A set timestamp is newer than an unset one; two unset timestamps are equal.
func NewerThan(a, b *Timestamp) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return *a > *b
}

func cloneTime(t *Timestamp) *Timestamp {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Table names an entity table in the remote store.
type Table string

const (
	TableRunners Table = "runners"
	TableLegs    Table = "legs"
)

// Valid reports whether t names a known table.
func (t Table) Valid() bool {
	return t == TableRunners || t == TableLegs
}

// TimeField names one of the user-recorded leg timing fields.
type TimeField string

const (
	FieldActualStart  TimeField = "actual_start"
	FieldActualFinish TimeField = "actual_finish"
)

// Valid reports whether f is a known timing field.
func (f TimeField) Valid() bool {
	return f == FieldActualStart || f == FieldActualFinish
}

// Entity set bounds.
const (
	MaxRunners = 12
	MaxLegs    = 36
)

// Runner is a team member with a pace and a van assignment.
type Runner struct {
	ID           int        `json:"id"`
	Name         string     `json:"name"`
	Pace         int        `json:"pace"` // seconds per mile
	Van          int        `json:"van"`  // 1 or 2
	RemoteID     string     `json:"remote_id,omitempty"`
	LastModified *Timestamp `json:"last_modified,omitempty"`
}

// Clone returns a deep copy of r.
func (r Runner) Clone() Runner {
	r.LastModified = cloneTime(r.LastModified)
	return r
}

// Leg is one runner's segment of the race.
type Leg struct {
	ID              int        `json:"id"`
	RunnerID        int        `json:"runner_id"`
	Distance        float64    `json:"distance"` // miles
	ProjectedStart  Timestamp  `json:"projected_start"`
	ProjectedFinish Timestamp  `json:"projected_finish"`
	ActualStart     *Timestamp `json:"actual_start,omitempty"`
	ActualFinish    *Timestamp `json:"actual_finish,omitempty"`
	PaceOverride    *int       `json:"pace_override,omitempty"`
	RemoteID        string     `json:"remote_id,omitempty"`
	LastModified    *Timestamp `json:"last_modified,omitempty"`
}

// Clone returns a deep copy of l.
func (l Leg) Clone() Leg {
	l.ActualStart = cloneTime(l.ActualStart)
	l.ActualFinish = cloneTime(l.ActualFinish)
	l.LastModified = cloneTime(l.LastModified)
	if l.PaceOverride != nil {
		p := *l.PaceOverride
		l.PaceOverride = &p
	}
	return l
}

// IsActive reports whether the leg has started and not yet finished.
func (l Leg) IsActive() bool {
	return l.ActualStart != nil && l.ActualFinish == nil
}

// Time returns the value of the given timing field.
func (l Leg) Time(field TimeField) *Timestamp {
	switch field {
	case FieldActualStart:
		return l.ActualStart
	case FieldActualFinish:
		return l.ActualFinish
	}
	return nil
}

// SetTime sets the given timing field. A nil value clears it.
func (l *Leg) SetTime(field TimeField, t *Timestamp) {
	switch field {
	case FieldActualStart:
		l.ActualStart = cloneTime(t)
	case FieldActualFinish:
		l.ActualFinish = cloneTime(t)
	}
}

// CloneLegs deep-copies a leg slice.
func CloneLegs(legs []Leg) []Leg {
	if legs == nil {
		return nil
	}
	out := make([]Leg, len(legs))
	for i, l := range legs {
		out[i] = l.Clone()
	}
	return out
}

// CloneRunners deep-copies a runner slice.
func CloneRunners(runners []Runner) []Runner {
	if runners == nil {
		return nil
	}
	out := make([]Runner, len(runners))
	for i, r := range runners {
		out[i] = r.Clone()
	}
	return out
}

// LegIndex returns the slice index of the leg with the given id, or -1.
func LegIndex(legs []Leg, id int) int {
	for i := range legs {
		if legs[i].ID == id {
			return i
		}
	}
	return -1
}

// RunnerIndex returns the slice index of the runner with the given id, or -1.
func RunnerIndex(runners []Runner, id int) int {
	for i := range runners {
		if runners[i].ID == id {
			return i
		}
	}
	return -1
}

// Snapshot is a point-in-time copy of the full race state.
type Snapshot struct {
	StartTime    Timestamp `json:"start_time"`
	Runners      []Runner  `json:"runners"`
	Legs         []Leg     `json:"legs"`
	CurrentLegID int       `json:"current_leg_id"`
	NextLegID    int       `json:"next_leg_id"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	s.Runners = CloneRunners(s.Runners)
	s.Legs = CloneLegs(s.Legs)
	return s
}

// Leg returns the leg with the given id.
func (s Snapshot) Leg(id int) (Leg, bool) {
	if i := LegIndex(s.Legs, id); i >= 0 {
		return s.Legs[i], true
	}
	return Leg{}, false
}

// Runner returns the runner with the given id.
func (s Snapshot) Runner(id int) (Runner, bool) {
	if i := RunnerIndex(s.Runners, id); i >= 0 {
		return s.Runners[i], true
	}
	return Runner{}, false
}

// LegByRemoteID returns the leg carrying the given remote identifier.
func (s Snapshot) LegByRemoteID(remoteID string) (Leg, bool) {
	if remoteID == "" {
		return Leg{}, false
	}
	for _, l := range s.Legs {
		if l.RemoteID == remoteID {
			return l, true
		}
	}
	return Leg{}, false
}

// RunnerByRemoteID returns the runner carrying the given remote identifier.
func (s Snapshot) RunnerByRemoteID(remoteID string) (Runner, bool) {
	if remoteID == "" {
		return Runner{}, false
	}
	for _, r := range s.Runners {
		if r.RemoteID == remoteID {
			return r, true
		}
	}
	return Runner{}, false
}

// ActiveLegs returns the ids of every active leg in id order.
func ActiveLegs(legs []Leg) []int {
	var ids []int
	for _, l := range legs {
		if l.IsActive() {
			ids = append(ids, l.ID)
		}
	}
	return ids
}
