package state

import (
	"fmt"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/validate"
)

// RunnerPatch is a partial runner update. Nil fields are left unchanged.
type RunnerPatch struct {
	Name *string
	Pace *int
	Van  *int
}

func (p RunnerPatch) payload() race.Payload {
	out := race.Payload{}
	if p.Name != nil {
		out[race.ColName] = *p.Name
	}
	if p.Pace != nil {
		out[race.ColPace] = int64(*p.Pace)
	}
	if p.Van != nil {
		out[race.ColVan] = int64(*p.Van)
	}
	return out
}

// UpdateRunner applies a partial update to a runner.
func (s *Store) UpdateRunner(id int, patch RunnerPatch) error {
	return s.Patch(events.OriginLocal, race.TableRunners, id, patch.payload())
}

// UpdateLegActualTime sets or clears (t == nil) one timing field of a leg.
func (s *Store) UpdateLegActualTime(legID int, field race.TimeField, t *race.Timestamp) error {
	if !field.Valid() {
		return &race.ValidationError{Op: "update leg time", Issues: []race.Issue{{
			Code: race.ErrCodeInvalidValue, LegID: legID, Message: fmt.Sprintf("unknown field %q", field),
		}}}
	}
	return s.Patch(events.OriginLocal, race.TableLegs, legID, race.TimePayload(field, t))
}

// SetLegPaceOverride sets or clears a leg's pace override.
func (s *Store) SetLegPaceOverride(legID int, pace *int) error {
	p := race.Payload{race.ColPaceOverride: nil}
	if pace != nil {
		p[race.ColPaceOverride] = int64(*pace)
	}
	return s.Patch(events.OriginLocal, race.TableLegs, legID, p)
}

// AssignRunnerToLegs makes runnerID the runner of every listed leg.
func (s *Store) AssignRunnerToLegs(runnerID int, legIDs []int) error {
	s.mu.Lock()
	next := s.snap.Clone()
	if race.RunnerIndex(next.Runners, runnerID) < 0 {
		s.mu.Unlock()
		return unknown("assign runner", 0, fmt.Sprintf("unknown runner %d", runnerID))
	}
	from := len(next.Legs)
	for _, id := range legIDs {
		i := race.LegIndex(next.Legs, id)
		if i < 0 {
			s.mu.Unlock()
			return unknown("assign runner", id, "unknown leg")
		}
		next.Legs[i].RunnerID = runnerID
		from = min(from, i)
	}
	if err := recalc(&next, from); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("assign runner: %w", err)
	}
	b := s.commitLocked(events.OriginLocal, next)
	s.mu.Unlock()

	s.flush(b)
	return nil
}

// RecordHandoff finishes leg legID and starts the following leg at the same
// instant, in one step. On the last leg it only records the finish.
func (s *Store) RecordHandoff(legID int, at race.Timestamp) error {
	s.mu.Lock()
	next := s.snap.Clone()
	idx := race.LegIndex(next.Legs, legID)
	if idx < 0 {
		s.mu.Unlock()
		return unknown("handoff", legID, "unknown leg")
	}

	if err := setTime(&next, legID, race.FieldActualFinish, &at, "handoff"); err != nil {
		s.mu.Unlock()
		return err
	}
	if idx+1 < len(next.Legs) {
		if err := setTime(&next, next.Legs[idx+1].ID, race.FieldActualStart, &at, "handoff"); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if err := finishLocked(s.snap.Legs, &next, idx, "handoff"); err != nil {
		s.mu.Unlock()
		return err
	}
	b := s.commitLocked(events.OriginLocal, next)
	s.mu.Unlock()

	s.logger.Debug("handoff recorded")
	s.flush(b)
	return nil
}

// Patch applies a column payload to one entity on behalf of origin.
// Timing fields go through pre-commit validation; the result must satisfy
// every invariant or the patch is rejected with a *race.ValidationError.
func (s *Store) Patch(origin events.Origin, table race.Table, id int, p race.Payload) error {
	op := "update " + string(table)

	s.mu.Lock()
	next := s.snap.Clone()
	var from int
	switch table {
	case race.TableLegs:
		idx := race.LegIndex(next.Legs, id)
		if idx < 0 {
			s.mu.Unlock()
			return unknown(op, id, "unknown leg")
		}
		if err := applyLegPayload(&next, idx, p, op); err != nil {
			s.mu.Unlock()
			return err
		}
		from = idx
	case race.TableRunners:
		idx := race.RunnerIndex(next.Runners, id)
		if idx < 0 {
			s.mu.Unlock()
			return unknown(op, 0, fmt.Sprintf("unknown runner %d", id))
		}
		r := &next.Runners[idx]
		if err := race.ApplyRunner(r, p); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := checkRunner(*r); err != nil {
			s.mu.Unlock()
			return invalidValue(op, 0, err.Error())
		}
		from = firstLegOf(next.Legs, id)
	default:
		s.mu.Unlock()
		return &race.StructuralError{Message: fmt.Sprintf("unknown table %q", table)}
	}

	if err := finishLocked(s.snap.Legs, &next, from, op); err != nil {
		s.mu.Unlock()
		return err
	}
	b := s.commitLocked(origin, next)
	s.mu.Unlock()

	s.flush(b)
	return nil
}

// applyLegPayload validates and applies p to next.Legs[idx].
func applyLegPayload(next *race.Snapshot, idx int, p race.Payload, op string) error {
	leg := next.Legs[idx]

	fields := p.TimeFields()
	// Clearing a start must clear the finish first.
	start, _, _ := p.Time(race.FieldActualStart)
	finish, _, _ := p.Time(race.FieldActualFinish)
	if len(fields) == 2 {
		switch {
		case start == nil:
			fields[0], fields[1] = fields[1], fields[0]
		case finish != nil:
			// Both set at once: the leg never becomes active on its own,
			// so each time is checked against the other's new value.
			next.Legs[idx].ActualStart = race.TimePtr(*start)
			fields[0], fields[1] = fields[1], fields[0]
		}
	}
	for _, f := range fields {
		t, _, err := p.Time(f)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := setTime(next, leg.ID, f, t, op); err != nil {
			return err
		}
	}

	rest := p.Clone()
	delete(rest, race.ColActualStart)
	delete(rest, race.ColActualFinish)
	l := &next.Legs[idx]
	if err := race.ApplyLeg(l, rest); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := checkLeg(*l, next.Runners); err != nil {
		return invalidValue(op, l.ID, err.Error())
	}
	return nil
}

// setTime validates and applies one timing edit on the working snapshot.
func setTime(next *race.Snapshot, legID int, field race.TimeField, t *race.Timestamp, op string) error {
	res := validate.ValidateTimeUpdate(next.Legs, legID, field, t)
	if !res.IsValid {
		return res.Err(op)
	}
	next.Legs[race.LegIndex(next.Legs, legID)].SetTime(field, t)
	return nil
}

// finishLocked recalculates from index from and runs the invariant check.
// Only violations the edit introduces reject it; a state inherited from a
// remote merge that is already inconsistent does not block unrelated edits.
func finishLocked(prev []race.Leg, next *race.Snapshot, from int, op string) error {
	if err := recalc(next, from); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if issues := introduced(validate.CheckInvariants(prev), validate.CheckInvariants(next.Legs)); len(issues) > 0 {
		return &race.ValidationError{Op: op, Issues: issues}
	}
	return nil
}

func introduced(before, after []race.Issue) []race.Issue {
	type key struct {
		code  race.ErrorCode
		legID int
	}
	seen := make(map[key]bool, len(before))
	for _, is := range before {
		seen[key{is.Code, is.LegID}] = true
	}
	var out []race.Issue
	for _, is := range after {
		if !seen[key{is.Code, is.LegID}] {
			out = append(out, is)
		}
	}
	return out
}

func firstLegOf(legs []race.Leg, runnerID int) int {
	for i, l := range legs {
		if l.RunnerID == runnerID {
			return i
		}
	}
	return len(legs)
}

func unknown(op string, legID int, msg string) error {
	return &race.ValidationError{Op: op, Issues: []race.Issue{{Code: race.ErrCodeUnknownEntity, LegID: legID, Message: msg}}}
}

func invalidValue(op string, legID int, msg string) error {
	return &race.ValidationError{Op: op, Issues: []race.Issue{{Code: race.ErrCodeInvalidValue, LegID: legID, Message: msg}}}
}
