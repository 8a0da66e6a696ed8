package conflict

import (
	"github.com/roach88/relaysync/internal/race"
)

// MissingTimes finds legs the race has moved past without recording both
// times. The race has moved past every leg before the active one, or
// before the leg after the highest finished one when nothing is running.
// For a missing start the previous leg's finish is suggested; for a
// missing finish the next leg's start.
func MissingTimes(snap race.Snapshot) []Conflict {
	boundary := snap.CurrentLegID
	if boundary == 0 {
		for _, l := range snap.Legs {
			if l.ActualFinish != nil && l.ID+1 > boundary {
				boundary = l.ID + 1
			}
		}
	}
	if boundary == 0 {
		return nil
	}

	var out []Conflict
	for i, l := range snap.Legs {
		if l.ID >= boundary {
			continue
		}
		if l.ActualStart == nil {
			c := Conflict{Kind: KindMissingTime, LegID: l.ID, RemoteID: l.RemoteID, Field: race.FieldActualStart}
			if i > 0 && snap.Legs[i-1].ActualFinish != nil {
				c.Suggested = race.TimePtr(*snap.Legs[i-1].ActualFinish)
			}
			out = append(out, c)
		}
		if l.ActualFinish == nil {
			c := Conflict{Kind: KindMissingTime, LegID: l.ID, RemoteID: l.RemoteID, Field: race.FieldActualFinish}
			if i+1 < len(snap.Legs) && snap.Legs[i+1].ActualStart != nil {
				c.Suggested = race.TimePtr(*snap.Legs[i+1].ActualStart)
			}
			out = append(out, c)
		}
	}
	return out
}

// ScanMissingTimes raises a missing-time conflict for every gap found by
// MissingTimes and returns the gaps.
func (c *Coordinator) ScanMissingTimes(snap race.Snapshot) []Conflict {
	found := MissingTimes(snap)
	for _, m := range found {
		c.Raise(m)
	}
	return found
}
