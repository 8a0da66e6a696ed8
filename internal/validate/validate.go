package validate

import (
	"fmt"

	"github.com/roach88/relaysync/internal/race"
)

// Result is the outcome of a pre-commit validation.
type Result struct {
	IsValid bool
	Issues  []race.Issue
}

// Err returns the result as a *race.ValidationError, or nil when valid.
func (r Result) Err(op string) error {
	if r.IsValid {
		return nil
	}
	return &race.ValidationError{Op: op, Issues: r.Issues}
}

// ValidateTimeUpdate checks whether setting field on leg legID to newTime
// (nil clears it) keeps every invariant. legs must be ordered by id.
func ValidateTimeUpdate(legs []race.Leg, legID int, field race.TimeField, newTime *race.Timestamp) Result {
	idx := race.LegIndex(legs, legID)
	if idx < 0 {
		return invalid(race.Issue{Code: race.ErrCodeUnknownEntity, LegID: legID, Message: "unknown leg"})
	}
	if !field.Valid() {
		return invalid(race.Issue{Code: race.ErrCodeInvalidValue, LegID: legID, Message: fmt.Sprintf("unknown field %q", field)})
	}

	current := legs[idx]
	proposed := current.Clone()
	proposed.SetTime(field, newTime)

	var issues []race.Issue
	add := func(code race.ErrorCode, format string, args ...any) {
		issues = append(issues, race.Issue{Code: code, LegID: legID, Message: fmt.Sprintf(format, args...)})
	}

	if field == race.FieldActualStart && newTime == nil && current.ActualFinish != nil {
		add(race.ErrCodeClearStartWithFinish, "cannot clear start while finish is set")
	} else if proposed.ActualFinish != nil && proposed.ActualStart == nil {
		add(race.ErrCodeFinishWithoutStart, "finish requires a start")
	}

	if proposed.ActualStart != nil && proposed.ActualFinish != nil && *proposed.ActualFinish <= *proposed.ActualStart {
		add(race.ErrCodeFinishBeforeStart, "finish %d is not after start %d", *proposed.ActualFinish, *proposed.ActualStart)
	}

	if idx > 0 && proposed.ActualStart != nil {
		prev := legs[idx-1]
		if prev.ActualFinish != nil && *proposed.ActualStart < *prev.ActualFinish {
			add(race.ErrCodeStartBeforePrevious, "start %d is before leg %d finish %d", *proposed.ActualStart, prev.ID, *prev.ActualFinish)
		}
	}

	if idx+1 < len(legs) && proposed.ActualFinish != nil {
		next := legs[idx+1]
		if next.ActualStart != nil && *proposed.ActualFinish > *next.ActualStart {
			add(race.ErrCodeFinishAfterNext, "finish %d is after leg %d start %d", *proposed.ActualFinish, next.ID, *next.ActualStart)
		}
	}

	if proposed.IsActive() {
		for _, other := range legs {
			if other.ID != legID && other.IsActive() {
				add(race.ErrCodeMultipleActive, "leg %d is already active", other.ID)
				break
			}
		}
	}

	if len(issues) > 0 {
		return Result{IsValid: false, Issues: issues}
	}
	return Result{IsValid: true}
}

// CheckInvariants reports every invariant violation in legs.
// An empty result means the legs are consistent.
func CheckInvariants(legs []race.Leg) []race.Issue {
	issues := []race.Issue{}

	active := race.ActiveLegs(legs)
	if len(active) > 1 {
		for _, id := range active[1:] {
			issues = append(issues, race.Issue{
				Code:    race.ErrCodeMultipleActive,
				LegID:   id,
				Message: fmt.Sprintf("active together with leg %d", active[0]),
			})
		}
	}

	for i, leg := range legs {
		if leg.ActualFinish != nil && leg.ActualStart == nil {
			issues = append(issues, race.Issue{Code: race.ErrCodeFinishWithoutStart, LegID: leg.ID, Message: "finish without start"})
		}
		if leg.ActualFinish != nil && leg.ActualStart != nil && *leg.ActualFinish <= *leg.ActualStart {
			issues = append(issues, race.Issue{Code: race.ErrCodeFinishBeforeStart, LegID: leg.ID, Message: "finish is not after start"})
		}
		if i > 0 && leg.ActualStart != nil {
			prev := legs[i-1]
			if prev.ActualFinish != nil && *leg.ActualStart < *prev.ActualFinish {
				issues = append(issues, race.Issue{
					Code:    race.ErrCodeStartBeforePrevious,
					LegID:   leg.ID,
					Message: fmt.Sprintf("starts before leg %d finished", prev.ID),
				})
			}
		}
	}

	return issues
}

func invalid(issues ...race.Issue) Result {
	return Result{IsValid: false, Issues: issues}
}
