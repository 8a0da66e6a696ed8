// Package projection derives projected start and finish times for every leg.
//
// Recalculate is pure: it never mutates its input and returns the same output
// for the same input, so it can run on every local mutation and every inbound
// merge without coordination.
package projection

import (
	"fmt"
	"math"
	"time"

	"github.com/roach88/relaysync/internal/race"
)

// Duration returns the expected running time of a leg for the given runner,
// honoring the leg's pace override.
func Duration(leg race.Leg, runner race.Runner) (time.Duration, error) {
	pace := runner.Pace
	if leg.PaceOverride != nil {
		pace = *leg.PaceOverride
	}
	if pace <= 0 {
		return 0, &race.StructuralError{Message: fmt.Sprintf("leg %d: non-positive pace %d", leg.ID, pace)}
	}
	if leg.Distance <= 0 || math.IsNaN(leg.Distance) || math.IsInf(leg.Distance, 0) {
		return 0, &race.StructuralError{Message: fmt.Sprintf("leg %d: invalid distance %v", leg.ID, leg.Distance)}
	}
	ms := math.Round(leg.Distance * float64(pace) * 1000)
	return time.Duration(ms) * time.Millisecond, nil
}

// Recalculate returns a copy of legs with projections refreshed from
// fromIndex onward. Legs before fromIndex are copied unchanged.
//
// The chain rule:
//
//	legs[0].ProjectedStart = legs[0].ActualStart ?? raceStart
//	legs[i].ProjectedStart = legs[i-1].ActualFinish ?? legs[i-1].ProjectedFinish
//	ProjectedFinish        = ProjectedStart + Duration
//
// legs must be ordered by id. A missing runner or a non-positive pace is a
// structural error.
func Recalculate(legs []race.Leg, fromIndex int, runners []race.Runner, raceStart race.Timestamp) ([]race.Leg, error) {
	out := race.CloneLegs(legs)
	if out == nil {
		return []race.Leg{}, nil
	}
	if fromIndex < 0 {
		fromIndex = 0
	}

	byID := make(map[int]race.Runner, len(runners))
	for _, r := range runners {
		byID[r.ID] = r
	}

	for i := fromIndex; i < len(out); i++ {
		leg := &out[i]
		runner, ok := byID[leg.RunnerID]
		if !ok {
			return nil, &race.StructuralError{Message: fmt.Sprintf("leg %d: unknown runner %d", leg.ID, leg.RunnerID)}
		}

		leg.ProjectedStart = chainStart(out, i, raceStart)

		d, err := Duration(*leg, runner)
		if err != nil {
			return nil, err
		}
		leg.ProjectedFinish = leg.ProjectedStart.Add(d)
	}

	return out, nil
}

// EarliestAffected returns the slice index from which projections must be
// recomputed after the leg with the given id changed. A change to a leg can
// move its own projection (first leg's actual start, pace, distance) and
// every later leg's, so the leg's own index is returned. Unknown ids force a
// full recalculation.
func EarliestAffected(legs []race.Leg, legID int) int {
	if i := race.LegIndex(legs, legID); i >= 0 {
		return i
	}
	return 0
}

func chainStart(legs []race.Leg, i int, raceStart race.Timestamp) race.Timestamp {
	if i == 0 {
		if legs[0].ActualStart != nil {
			return *legs[0].ActualStart
		}
		return raceStart
	}
	prev := legs[i-1]
	if prev.ActualFinish != nil {
		return *prev.ActualFinish
	}
	return prev.ProjectedFinish
}
