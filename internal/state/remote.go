package state

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/validate"
)

// ApplyResult reports what ApplyRemote did.
type ApplyResult struct {
	// Found is false when no local entity carries the remote id.
	Found bool
	// Stale is true when the incoming lastModified is not newer than ours.
	Stale   bool
	Applied bool
	LocalID int
	// Repairs lists fixes made because the merged state broke an invariant.
	Repairs []validate.Change
}

// ApplyRemote merges a remote change into the entity with the given remote
// id. Only the columns present in p are written. The change is applied only
// when lastModified is strictly newer than the local one (or the local one
// is unknown). Remote changes are never sent to the notifier.
//
// The remote store is authoritative, so a merge is never rejected for
// breaking a timing invariant. Instead the repair passes run on the merged
// state; their fixes are local changes and are synced like any other.
func (s *Store) ApplyRemote(table race.Table, remoteID string, p race.Payload, lastModified *race.Timestamp) (ApplyResult, error) {
	var res ApplyResult

	s.mu.Lock()
	next := s.snap.Clone()

	var current *race.Timestamp
	from := 0
	switch table {
	case race.TableLegs:
		l, ok := next.LegByRemoteID(remoteID)
		if !ok {
			s.mu.Unlock()
			return res, nil
		}
		res.Found, res.LocalID, current = true, l.ID, l.LastModified
		from = race.LegIndex(next.Legs, l.ID)
	case race.TableRunners:
		r, ok := next.RunnerByRemoteID(remoteID)
		if !ok {
			s.mu.Unlock()
			return res, nil
		}
		res.Found, res.LocalID, current = true, r.ID, r.LastModified
		from = firstLegOf(next.Legs, r.ID)
	default:
		s.mu.Unlock()
		return res, &race.StructuralError{Message: fmt.Sprintf("unknown table %q", table)}
	}

	if current != nil && !race.NewerThan(lastModified, current) {
		s.mu.Unlock()
		res.Stale = true
		return res, nil
	}

	if err := applyRemoteColumns(&next, table, res.LocalID, p, lastModified); err != nil {
		s.mu.Unlock()
		return res, fmt.Errorf("apply remote %s %s: %w", table, remoteID, err)
	}
	if err := recalc(&next, from); err != nil {
		s.mu.Unlock()
		return res, fmt.Errorf("apply remote %s %s: %w", table, remoteID, err)
	}
	merged := s.commitLocked(events.OriginRemote, next)
	res.Applied = true

	repaired, warnings := s.repairLocked(race.NowMillis(s.clock))
	res.Repairs = repaired.changes
	s.mu.Unlock()

	s.flush(merged)
	s.flush(repaired.batch)
	s.publishWarnings(warnings)
	return res, nil
}

// LinkRemote records the remote identity of a local entity, as assigned by
// a bulk insert or discovered during a bulk load.
func (s *Store) LinkRemote(table race.Table, localID int, remoteID string, lastModified *race.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch table {
	case race.TableLegs:
		i := race.LegIndex(s.snap.Legs, localID)
		if i < 0 {
			return unknown("link", localID, "unknown leg")
		}
		s.snap.Legs[i].RemoteID = remoteID
		s.snap.Legs[i].LastModified = cloneTS(lastModified)
	case race.TableRunners:
		i := race.RunnerIndex(s.snap.Runners, localID)
		if i < 0 {
			return unknown("link", 0, fmt.Sprintf("unknown runner %d", localID))
		}
		s.snap.Runners[i].RemoteID = remoteID
		s.snap.Runners[i].LastModified = cloneTS(lastModified)
	default:
		return &race.StructuralError{Message: fmt.Sprintf("unknown table %q", table)}
	}
	return nil
}

// SetLastModified records the remote version of an entity after one of our
// own writes was accepted, without touching any other column.
func (s *Store) SetLastModified(table race.Table, remoteID string, lastModified race.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch table {
	case race.TableLegs:
		for i := range s.snap.Legs {
			if s.snap.Legs[i].RemoteID == remoteID && race.NewerThan(&lastModified, s.snap.Legs[i].LastModified) {
				s.snap.Legs[i].LastModified = race.TimePtr(lastModified)
			}
		}
	case race.TableRunners:
		for i := range s.snap.Runners {
			if s.snap.Runners[i].RemoteID == remoteID && race.NewerThan(&lastModified, s.snap.Runners[i].LastModified) {
				s.snap.Runners[i].LastModified = race.TimePtr(lastModified)
			}
		}
	}
}

func applyRemoteColumns(next *race.Snapshot, table race.Table, localID int, p race.Payload, lastModified *race.Timestamp) error {
	if table == race.TableRunners {
		r := &next.Runners[race.RunnerIndex(next.Runners, localID)]
		if err := race.ApplyRunner(r, p); err != nil {
			return err
		}
		if err := checkRunner(*r); err != nil {
			return err
		}
		r.LastModified = cloneTS(lastModified)
		return nil
	}

	l := &next.Legs[race.LegIndex(next.Legs, localID)]
	if err := race.ApplyLeg(l, p); err != nil {
		return err
	}
	if err := checkLeg(*l, next.Runners); err != nil {
		return err
	}
	l.LastModified = cloneTS(lastModified)
	return nil
}

func (s *Store) publishWarnings(warnings []events.Event) {
	for _, w := range warnings {
		s.logger.Warn("race state warning", zap.Int("leg_id", w.LegID), zap.String("message", w.Message))
		s.bus.Publish(w)
	}
}

func cloneTS(t *race.Timestamp) *race.Timestamp {
	if t == nil {
		return nil
	}
	return race.TimePtr(*t)
}
