package state

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/validate"
)

// RepairReport is the outcome of a repair pass.
type RepairReport struct {
	Changes  []validate.Change
	Warnings []validate.Warning
}

// Repair runs the impossible-state repair and the single-runner fix on the
// current state and commits any fixes as repair changes.
func (s *Store) Repair(now race.Timestamp) (RepairReport, error) {
	s.mu.Lock()
	repaired, warnings := s.repairLocked(now)
	s.mu.Unlock()

	report := s.flushRepair(repaired, warnings)
	if repaired.err != nil {
		return report, fmt.Errorf("repair: %w", repaired.err)
	}
	return report, nil
}

// flushRepair publishes a repair outcome. Must be called without s.mu held.
func (s *Store) flushRepair(repaired repairOutcome, warnings []events.Event) RepairReport {
	for _, w := range repaired.warnings {
		warnings = append(warnings, events.Event{Type: events.Warning, LegID: w.LegID, Message: w.Message})
	}
	s.flush(repaired.batch)
	s.publishWarnings(warnings)
	return RepairReport{Changes: repaired.changes, Warnings: repaired.warnings}
}

type repairOutcome struct {
	batch    batch
	changes  []validate.Change
	warnings []validate.Warning
	err      error
}

// repairLocked runs both repair passes and commits their fixes. Invariant
// violations that remain are returned as warning events; long-leg warnings
// are left in the outcome for the caller. Caller must hold s.mu.
func (s *Store) repairLocked(now race.Timestamp) (repairOutcome, []events.Event) {
	var out repairOutcome
	if len(s.snap.Legs) == 0 {
		return out, nil
	}

	rep := validate.DetectAndRepairImpossibleLegStates(s.snap.Legs, now, s.policy)
	fix := validate.AutoFixSingleRunnerViolations(rep.Legs, now)
	out.changes = append(append([]validate.Change{}, rep.Changes...), fix.Changes...)
	out.warnings = rep.Warnings

	var warnings []events.Event
	if len(out.changes) > 0 {
		next := s.snap.Clone()
		next.Legs = fix.Legs
		if err := recalc(&next, 0); err != nil {
			out.err = err
			return out, warnings
		}
		out.batch = s.commitLocked(events.OriginRepair, next)
		for _, c := range out.changes {
			s.logger.Info("leg repaired",
				zap.Int("leg_id", c.LegID),
				zap.String("field", string(c.Field)),
				zap.String("reason", c.Reason))
			out.batch.events = append(out.batch.events, events.Event{
				Type:    events.RepairApplied,
				Origin:  events.OriginRepair,
				LegID:   c.LegID,
				Field:   c.Field,
				Value:   cloneTS(c.New),
				Message: c.Reason,
			})
		}
	}

	for _, is := range validate.CheckInvariants(s.snap.Legs) {
		warnings = append(warnings, events.Event{Type: events.Warning, LegID: is.LegID, Message: is.String()})
	}
	return out, warnings
}
