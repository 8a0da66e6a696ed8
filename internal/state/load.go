package state

import (
	"fmt"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/validate"
)

// SetRunners replaces the runner roster. At least one and at most
// race.MaxRunners runners are required, each with a positive pace and a van
// of 1 or 2. Existing legs must still reference known runners.
func (s *Store) SetRunners(runners []race.Runner) error {
	if err := checkRunners(runners); err != nil {
		return fmt.Errorf("set runners: %w", err)
	}

	s.mu.Lock()
	next := s.snap.Clone()
	next.Runners = race.CloneRunners(runners)
	for i := range next.Runners {
		next.Runners[i].Name = race.NormalizeName(next.Runners[i].Name)
	}
	if err := checkLegs(next.Legs, next.Runners); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set runners: %w", err)
	}
	if err := recalc(&next, 0); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set runners: %w", err)
	}
	b := s.commitLocked(events.OriginLocal, next)
	s.mu.Unlock()

	s.logger.Debug("runners set")
	s.flush(batch{events: b.events})
	return nil
}

// SetLegs replaces the legs. Ids must run 1..n in order (n ≤ race.MaxLegs),
// distances must be positive and every runner reference must resolve.
// Actual times in the input must satisfy the timing invariants.
func (s *Store) SetLegs(legs []race.Leg) error {
	s.mu.Lock()
	next := s.snap.Clone()
	next.Legs = race.CloneLegs(legs)
	if err := checkLegs(next.Legs, next.Runners); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set legs: %w", err)
	}
	if issues := validate.CheckInvariants(next.Legs); len(issues) > 0 {
		s.mu.Unlock()
		return &race.ValidationError{Op: "set legs", Issues: issues}
	}
	if err := recalc(&next, 0); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set legs: %w", err)
	}
	b := s.commitLocked(events.OriginLocal, next)
	s.mu.Unlock()

	s.logger.Debug("legs set")
	s.flush(batch{events: b.events})
	return nil
}

// SetStartTime sets the race start and recalculates every projection.
func (s *Store) SetStartTime(t race.Timestamp) error {
	s.mu.Lock()
	next := s.snap.Clone()
	next.StartTime = t
	if err := recalc(&next, 0); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set start time: %w", err)
	}
	s.commitLocked(events.OriginLocal, next)
	s.mu.Unlock()

	s.flush(batch{events: []events.Event{{Type: events.RaceLoaded, Origin: events.OriginLocal, Message: "start time"}}})
	return nil
}

// Replace installs a complete snapshot, as restored from the local cache at
// startup or loaded from the remote store. Only structural problems are
// rejected. Timing invariants are handled the way ApplyRemote handles them:
// the snapshot is committed, the repair passes run with the store's policy
// and any violation left over is published as a warning. Repair fixes reach
// the notifier; the installed snapshot itself does not.
func (s *Store) Replace(snap race.Snapshot) (RepairReport, error) {
	var report RepairReport
	next := snap.Clone()
	if next.Runners == nil {
		next.Runners = []race.Runner{}
	}
	if next.Legs == nil {
		next.Legs = []race.Leg{}
	}
	if len(next.Runners) > 0 {
		if err := checkRunners(next.Runners); err != nil {
			return report, fmt.Errorf("replace: %w", err)
		}
	}
	if err := checkLegs(next.Legs, next.Runners); err != nil {
		return report, fmt.Errorf("replace: %w", err)
	}
	if err := recalc(&next, 0); err != nil {
		return report, fmt.Errorf("replace: %w", err)
	}

	s.mu.Lock()
	s.commitLocked(events.OriginRemote, next)
	repaired, warnings := s.repairLocked(race.NowMillis(s.clock))
	s.mu.Unlock()

	s.flush(batch{events: []events.Event{{Type: events.RaceLoaded, Origin: events.OriginRemote, Message: "replace"}}})
	report = s.flushRepair(repaired, warnings)
	if repaired.err != nil {
		return report, fmt.Errorf("replace: %w", repaired.err)
	}
	return report, nil
}

// Reset clears all runners and legs.
func (s *Store) Reset() {
	s.mu.Lock()
	s.snap = emptySnapshot()
	s.mu.Unlock()

	s.flush(batch{events: []events.Event{{Type: events.RaceLoaded, Origin: events.OriginLocal, Message: "reset"}}})
}

func checkRunners(runners []race.Runner) error {
	if len(runners) == 0 {
		return &race.StructuralError{Message: "race needs at least one runner"}
	}
	if len(runners) > race.MaxRunners {
		return &race.StructuralError{Message: fmt.Sprintf("too many runners: %d > %d", len(runners), race.MaxRunners)}
	}
	seen := make(map[int]bool, len(runners))
	for _, r := range runners {
		if err := checkRunner(r); err != nil {
			return err
		}
		if seen[r.ID] {
			return &race.StructuralError{Message: fmt.Sprintf("duplicate runner id %d", r.ID)}
		}
		seen[r.ID] = true
	}
	return nil
}

func checkRunner(r race.Runner) error {
	switch {
	case r.ID < 1 || r.ID > race.MaxRunners:
		return &race.StructuralError{Message: fmt.Sprintf("runner id %d out of range", r.ID)}
	case race.NormalizeName(r.Name) == "":
		return &race.StructuralError{Message: fmt.Sprintf("runner %d has no name", r.ID)}
	case r.Pace <= 0:
		return &race.StructuralError{Message: fmt.Sprintf("runner %d has non-positive pace %d", r.ID, r.Pace)}
	case r.Van != 1 && r.Van != 2:
		return &race.StructuralError{Message: fmt.Sprintf("runner %d has invalid van %d", r.ID, r.Van)}
	}
	return nil
}

func checkLegs(legs []race.Leg, runners []race.Runner) error {
	if len(legs) > race.MaxLegs {
		return &race.StructuralError{Message: fmt.Sprintf("too many legs: %d > %d", len(legs), race.MaxLegs)}
	}
	for i, l := range legs {
		if l.ID != i+1 {
			return &race.StructuralError{Message: fmt.Sprintf("leg ids must be sequential: position %d has id %d", i+1, l.ID)}
		}
		if err := checkLeg(l, runners); err != nil {
			return err
		}
	}
	return nil
}

func checkLeg(l race.Leg, runners []race.Runner) error {
	if race.RunnerIndex(runners, l.RunnerID) < 0 {
		return &race.StructuralError{Message: fmt.Sprintf("leg %d references unknown runner %d", l.ID, l.RunnerID)}
	}
	if !(l.Distance > 0) {
		return &race.StructuralError{Message: fmt.Sprintf("leg %d has non-positive distance", l.ID)}
	}
	if l.PaceOverride != nil && *l.PaceOverride <= 0 {
		return &race.StructuralError{Message: fmt.Sprintf("leg %d has non-positive pace override", l.ID)}
	}
	return nil
}
