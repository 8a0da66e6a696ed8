package state

import (
	"strings"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/race"
)

// sameShape reports whether two snapshots hold the same entity ids in the
// same order, so they can be compared entity by entity.
func sameShape(a, b race.Snapshot) bool {
	if len(a.Legs) != len(b.Legs) || len(a.Runners) != len(b.Runners) {
		return false
	}
	for i := range a.Legs {
		if a.Legs[i].ID != b.Legs[i].ID {
			return false
		}
	}
	for i := range a.Runners {
		if a.Runners[i].ID != b.Runners[i].ID {
			return false
		}
	}
	return true
}

// legDelta returns the changed syncable columns of a leg.
func legDelta(before, after race.Leg) race.Payload {
	p := race.Payload{}
	if before.RunnerID != after.RunnerID {
		p[race.ColRunnerID] = int64(after.RunnerID)
	}
	if before.Distance != after.Distance {
		p[race.ColDistance] = after.Distance
	}
	if !equalInt(before.PaceOverride, after.PaceOverride) {
		if after.PaceOverride == nil {
			p[race.ColPaceOverride] = nil
		} else {
			p[race.ColPaceOverride] = int64(*after.PaceOverride)
		}
	}
	for _, f := range []race.TimeField{race.FieldActualStart, race.FieldActualFinish} {
		if !race.EqualTime(before.Time(f), after.Time(f)) {
			for k, v := range race.TimePayload(f, after.Time(f)) {
				p[k] = v
			}
		}
	}
	return p
}

// runnerDelta returns the changed syncable columns of a runner.
func runnerDelta(before, after race.Runner) race.Payload {
	p := race.Payload{}
	if before.Name != after.Name {
		p[race.ColName] = after.Name
	}
	if before.Pace != after.Pace {
		p[race.ColPace] = int64(after.Pace)
	}
	if before.Van != after.Van {
		p[race.ColVan] = int64(after.Van)
	}
	return p
}

func diffMutations(prev, next race.Snapshot, at race.Timestamp) []Mutation {
	if !sameShape(prev, next) {
		return nil
	}
	var out []Mutation
	for i := range next.Runners {
		if p := runnerDelta(prev.Runners[i], next.Runners[i]); len(p) > 0 {
			r := next.Runners[i]
			out = append(out, Mutation{Table: race.TableRunners, LocalID: r.ID, RemoteID: r.RemoteID, Payload: p, At: at})
		}
	}
	for i := range next.Legs {
		if p := legDelta(prev.Legs[i], next.Legs[i]); len(p) > 0 {
			l := next.Legs[i]
			out = append(out, Mutation{Table: race.TableLegs, LocalID: l.ID, RemoteID: l.RemoteID, Payload: p, At: at})
		}
	}
	return out
}

func diffEvents(origin events.Origin, prev, next race.Snapshot) []events.Event {
	if !sameShape(prev, next) {
		return []events.Event{{Type: events.RaceLoaded, Origin: origin}}
	}

	var out []events.Event
	for i := range next.Runners {
		p := runnerDelta(prev.Runners[i], next.Runners[i])
		if len(p) > 0 {
			out = append(out, events.Event{
				Type:     events.RunnerUpdated,
				Origin:   origin,
				RunnerID: next.Runners[i].ID,
				Message:  p.Key(),
			})
		}
	}
	for i := range next.Legs {
		before, after := prev.Legs[i], next.Legs[i]
		p := legDelta(before, after)
		if len(p) == 0 {
			continue
		}
		var other []string
		for _, k := range p.Keys() {
			if k != race.ColActualStart && k != race.ColActualFinish {
				other = append(other, k)
			}
		}
		if len(other) > 0 {
			out = append(out, events.Event{Type: events.LegUpdated, Origin: origin, LegID: after.ID, Message: strings.Join(other, ",")})
		}
		out = append(out, timeEvent(origin, after.ID, race.FieldActualStart, before.ActualStart, after.ActualStart, events.LegStarted)...)
		out = append(out, timeEvent(origin, after.ID, race.FieldActualFinish, before.ActualFinish, after.ActualFinish, events.LegFinished)...)
	}
	return out
}

func timeEvent(origin events.Origin, legID int, field race.TimeField, before, after *race.Timestamp, setType events.Type) []events.Event {
	if race.EqualTime(before, after) {
		return nil
	}
	if after == nil {
		return []events.Event{{Type: events.LegUpdated, Origin: origin, LegID: legID, Field: field, Message: "cleared"}}
	}
	v := *after
	return []events.Event{{Type: setType, Origin: origin, LegID: legID, Field: field, Value: &v}}
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
