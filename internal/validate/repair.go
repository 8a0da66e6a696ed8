package validate

import (
	"time"

	"github.com/roach88/relaysync/internal/race"
)

// Change records one field written by a repair pass.
type Change struct {
	LegID  int
	Field  race.TimeField
	Old    *race.Timestamp
	New    *race.Timestamp
	Reason string
}

// Warning flags a leg that looks wrong but was left alone.
type Warning struct {
	LegID   int
	Message string
	Overdue time.Duration
}

// LongLegPolicy controls how open legs that run past their projection are
// treated. WarnAfter is measured from the leg's projected finish.
type LongLegPolicy struct {
	WarnAfter  time.Duration
	AutoFinish bool
}

// DefaultLongLegPolicy warns 30 minutes past the projected finish and never
// finishes a leg on elapsed time alone.
func DefaultLongLegPolicy() LongLegPolicy {
	return LongLegPolicy{WarnAfter: 30 * time.Minute}
}

// RepairResult is the outcome of DetectAndRepairImpossibleLegStates.
type RepairResult struct {
	Repaired bool
	Changes  []Change
	Warnings []Warning
	Legs     []race.Leg
}

// Reasons attached to repair changes.
const (
	ReasonFollowerStarted = "following leg already started"
	ReasonOverdue         = "open past projected finish"
	ReasonSingleRunner    = "another leg is active"
)

// DetectAndRepairImpossibleLegStates finishes open legs whose follower has
// already started, using the follower's start as the finish time. Open legs
// past their projected finish by more than policy.WarnAfter are reported as
// warnings, and finished at the projected finish only when policy.AutoFinish
// is set. The input is not modified.
func DetectAndRepairImpossibleLegStates(legs []race.Leg, now race.Timestamp, policy LongLegPolicy) RepairResult {
	out := race.CloneLegs(legs)
	res := RepairResult{Changes: []Change{}, Warnings: []Warning{}}

	for i := range out {
		leg := &out[i]
		if !leg.IsActive() {
			continue
		}

		if i+1 < len(out) && out[i+1].ActualStart != nil {
			finish := clampFinish(*leg.ActualStart, *out[i+1].ActualStart)
			res.Changes = append(res.Changes, finishLeg(leg, finish, ReasonFollowerStarted))
			continue
		}

		if leg.ProjectedFinish == 0 {
			continue
		}
		overdue := now.Sub(leg.ProjectedFinish)
		if overdue <= policy.WarnAfter {
			continue
		}
		if policy.AutoFinish {
			finish := clampFinish(*leg.ActualStart, leg.ProjectedFinish)
			res.Changes = append(res.Changes, finishLeg(leg, finish, ReasonOverdue))
			continue
		}
		res.Warnings = append(res.Warnings, Warning{
			LegID:   leg.ID,
			Message: "leg is still open well past its projected finish",
			Overdue: overdue,
		})
	}

	res.Repaired = len(res.Changes) > 0
	res.Legs = out
	return res
}

// FixResult is the outcome of AutoFixSingleRunnerViolations.
type FixResult struct {
	Fixed   bool
	Kept    int
	Changes []Change
	Legs    []race.Leg
}

// AutoFixSingleRunnerViolations resolves forks where several legs are active
// at once. The lowest-id active leg is kept; every other active leg is
// finished at the start of the leg after it, or at now when that leg has not
// started. Finish times are clamped to at least start+1ms.
func AutoFixSingleRunnerViolations(legs []race.Leg, now race.Timestamp) FixResult {
	out := race.CloneLegs(legs)
	res := FixResult{Changes: []Change{}, Legs: out}

	active := race.ActiveLegs(out)
	if len(active) <= 1 {
		if len(active) == 1 {
			res.Kept = active[0]
		}
		return res
	}

	res.Kept = active[0]
	for _, id := range active[1:] {
		i := race.LegIndex(out, id)
		leg := &out[i]
		finish := now
		if i+1 < len(out) && out[i+1].ActualStart != nil {
			finish = *out[i+1].ActualStart
		}
		finish = clampFinish(*leg.ActualStart, finish)
		res.Changes = append(res.Changes, finishLeg(leg, finish, ReasonSingleRunner))
	}

	res.Fixed = true
	return res
}

func finishLeg(leg *race.Leg, finish race.Timestamp, reason string) Change {
	leg.ActualFinish = race.TimePtr(finish)
	return Change{
		LegID:  leg.ID,
		Field:  race.FieldActualFinish,
		New:    race.TimePtr(finish),
		Reason: reason,
	}
}

func clampFinish(start, finish race.Timestamp) race.Timestamp {
	if finish <= start {
		return start + 1
	}
	return finish
}
