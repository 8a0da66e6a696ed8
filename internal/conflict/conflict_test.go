package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/testutil"
)

func ts(v int64) *race.Timestamp { return race.TimePtr(race.Timestamp(v)) }

type recordingResolver struct {
	calls []race.Timestamp
	err   error
}

func (r *recordingResolver) ResolveConflict(_ context.Context, _ Conflict, v race.Timestamp) error {
	r.calls = append(r.calls, v)
	return r.err
}

func newCoordinator(t *testing.T, opts ...Option) (*Coordinator, *events.Subscription) {
	t.Helper()
	bus := events.NewBus(16)
	sub := bus.Subscribe(events.ConflictRaised, events.ConflictResolved, events.ConflictDismissed)
	base := []Option{
		WithBus(bus),
		WithClock(testutil.NewFakeClockMillis(1_000)),
		WithLogger(zaptest.NewLogger(t)),
	}
	return New(append(base, opts...)...), sub
}

func timing(leg int, field race.TimeField, local, remote int64) Conflict {
	return Conflict{Kind: KindTiming, LegID: leg, Field: field, Local: ts(local), Remote: ts(remote)}
}

func TestRaiseShowsFirstAndQueuesRest(t *testing.T) {
	c, sub := newCoordinator(t)

	assert.True(t, c.Raise(timing(1, race.FieldActualStart, 90, 100)))
	assert.True(t, c.Raise(timing(2, race.FieldActualStart, 190, 200)))

	assert.Equal(t, StateShowing, c.State(KindTiming))
	cur, ok := c.Current(KindTiming)
	require.True(t, ok)
	assert.Equal(t, 1, cur.LegID)
	assert.Equal(t, race.Timestamp(1_000), cur.RaisedAt)
	require.Len(t, c.Pending(KindTiming), 1)
	assert.Equal(t, 2, c.Pending(KindTiming)[0].LegID)
	assert.Equal(t, StateIdle, c.State(KindMissingTime))

	evs := events.Drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, events.ConflictRaised, evs[0].Type)
	assert.Equal(t, 1, evs[0].LegID)
}

func TestRaiseCoalescesSameLegAndField(t *testing.T) {
	c, _ := newCoordinator(t)

	c.Raise(timing(1, race.FieldActualStart, 90, 100))
	c.Raise(timing(2, race.FieldActualFinish, 290, 300))
	assert.False(t, c.Raise(timing(1, race.FieldActualStart, 90, 105)))
	assert.False(t, c.Raise(timing(2, race.FieldActualFinish, 290, 310)))

	assert.Equal(t, 2, c.Len(KindTiming))
	cur, _ := c.Current(KindTiming)
	assert.Equal(t, race.Timestamp(105), *cur.Remote)
	assert.Equal(t, race.Timestamp(310), *c.Pending(KindTiming)[0].Remote)

	// Same leg, other field is a separate conflict.
	assert.True(t, c.Raise(timing(1, race.FieldActualFinish, 150, 160)))
	assert.Equal(t, 3, c.Len(KindTiming))
}

func TestResolveAdvancesQueue(t *testing.T) {
	r := &recordingResolver{}
	c, sub := newCoordinator(t, WithResolver(r))

	c.Raise(timing(1, race.FieldActualStart, 90, 100))
	c.Raise(timing(2, race.FieldActualStart, 190, 200))
	events.Drain(sub)

	require.NoError(t, c.Resolve(context.Background(), KindTiming, Choice{Kind: UseRemote}))
	assert.Equal(t, []race.Timestamp{100}, r.calls)

	cur, ok := c.Current(KindTiming)
	require.True(t, ok)
	assert.Equal(t, 2, cur.LegID)
	assert.Equal(t, StateShowing, c.State(KindTiming))

	require.NoError(t, c.Resolve(context.Background(), KindTiming, Choice{Kind: UseCustom, Value: ts(195)}))
	assert.Equal(t, []race.Timestamp{100, 195}, r.calls)
	assert.Equal(t, StateIdle, c.State(KindTiming))
	_, ok = c.Current(KindTiming)
	assert.False(t, ok)

	var types []events.Type
	for _, e := range events.Drain(sub) {
		types = append(types, e.Type)
	}
	assert.Equal(t, []events.Type{events.ConflictResolved, events.ConflictRaised, events.ConflictResolved}, types)
}

func TestResolveFailureReturnsToShowing(t *testing.T) {
	r := &recordingResolver{err: errors.New("store rejected")}
	c, _ := newCoordinator(t, WithResolver(r))
	c.Raise(timing(3, race.FieldActualFinish, 300, 310))

	err := c.Resolve(context.Background(), KindTiming, Choice{Kind: UseLocal})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store rejected")
	assert.Equal(t, StateShowing, c.State(KindTiming))
	assert.Equal(t, []race.Timestamp{300}, r.calls)

	r.err = nil
	require.NoError(t, c.Resolve(context.Background(), KindTiming, Choice{Kind: UseLocal}))
	assert.Equal(t, StateIdle, c.State(KindTiming))
}

func TestResolveErrors(t *testing.T) {
	c, _ := newCoordinator(t)

	err := c.Resolve(context.Background(), KindTiming, Choice{Kind: UseLocal})
	assert.ErrorIs(t, err, ErrNothingShown)

	c.Raise(timing(1, race.FieldActualStart, 90, 100))
	err = c.Resolve(context.Background(), KindTiming, Choice{Kind: UseLocal})
	assert.ErrorIs(t, err, ErrNoResolver)

	c.SetResolver(&recordingResolver{})
	err = c.Resolve(context.Background(), KindTiming, Choice{Kind: UseCustom})
	require.Error(t, err)
	assert.Equal(t, StateShowing, c.State(KindTiming))

	err = c.Resolve(context.Background(), KindTiming, Choice{Kind: "bogus"})
	require.Error(t, err)
}

func TestResolveWhileResolvingIsBusy(t *testing.T) {
	c, _ := newCoordinator(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	c.SetResolver(ResolverFunc(func(context.Context, Conflict, race.Timestamp) error {
		close(entered)
		<-release
		return nil
	}))
	c.Raise(timing(1, race.FieldActualStart, 90, 100))

	done := make(chan error, 1)
	go func() { done <- c.Resolve(context.Background(), KindTiming, Choice{Kind: UseLocal}) }()
	<-entered

	assert.Equal(t, StateResolving, c.State(KindTiming))
	assert.ErrorIs(t, c.Resolve(context.Background(), KindTiming, Choice{Kind: UseLocal}), ErrBusy)
	assert.ErrorIs(t, c.Dismiss(KindTiming), ErrBusy)

	// A duplicate raised mid-resolution does not queue behind itself.
	assert.False(t, c.Raise(timing(1, race.FieldActualStart, 90, 100)))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, c.State(KindTiming))
}

func TestDismiss(t *testing.T) {
	c, sub := newCoordinator(t)
	assert.ErrorIs(t, c.Dismiss(KindMissingTime), ErrNothingShown)

	c.Raise(Conflict{Kind: KindMissingTime, LegID: 4, Field: race.FieldActualFinish})
	c.Raise(Conflict{Kind: KindMissingTime, LegID: 5, Field: race.FieldActualStart})
	events.Drain(sub)

	require.NoError(t, c.Dismiss(KindMissingTime))
	cur, ok := c.Current(KindMissingTime)
	require.True(t, ok)
	assert.Equal(t, 5, cur.LegID)

	evs := events.Drain(sub)
	require.Len(t, evs, 2)
	assert.Equal(t, events.ConflictDismissed, evs[0].Type)
	assert.Equal(t, 4, evs[0].LegID)
	assert.Equal(t, events.ConflictRaised, evs[1].Type)
}

func TestClear(t *testing.T) {
	c, _ := newCoordinator(t)
	c.Raise(timing(1, race.FieldActualStart, 90, 100))
	c.Raise(timing(2, race.FieldActualStart, 190, 200))

	assert.True(t, c.Clear(KindTiming, 2, race.FieldActualStart))
	assert.Equal(t, 1, c.Len(KindTiming))
	assert.True(t, c.Clear(KindTiming, 1, race.FieldActualStart))
	assert.Equal(t, StateIdle, c.State(KindTiming))
	assert.False(t, c.Clear(KindTiming, 1, race.FieldActualStart))
}

func TestFromError(t *testing.T) {
	conf := FromError(&race.ConflictError{
		Table: race.TableLegs, RemoteID: "leg-1", LegID: 1,
		Field: race.FieldActualStart, Local: ts(90), Remote: ts(100),
	})
	assert.Equal(t, KindTiming, conf.Kind)
	assert.Equal(t, "leg-1", conf.RemoteID)
	assert.Equal(t, race.Timestamp(100), *conf.Remote)
}

func legs(spec ...[2]*race.Timestamp) []race.Leg {
	out := make([]race.Leg, len(spec))
	for i, s := range spec {
		out[i] = race.Leg{ID: i + 1, RunnerID: 1, Distance: 3, ActualStart: s[0], ActualFinish: s[1]}
	}
	return out
}

func TestMissingTimes(t *testing.T) {
	t.Run("nothing started", func(t *testing.T) {
		snap := race.Snapshot{Legs: legs([2]*race.Timestamp{}, [2]*race.Timestamp{})}
		assert.Empty(t, MissingTimes(snap))
	})

	t.Run("gap before active leg", func(t *testing.T) {
		snap := race.Snapshot{
			Legs: legs(
				[2]*race.Timestamp{ts(100), ts(200)},
				[2]*race.Timestamp{nil, nil},
				[2]*race.Timestamp{ts(400), nil},
				[2]*race.Timestamp{nil, nil},
			),
			CurrentLegID: 3,
		}
		got := MissingTimes(snap)
		require.Len(t, got, 2)
		assert.Equal(t, 2, got[0].LegID)
		assert.Equal(t, race.FieldActualStart, got[0].Field)
		assert.Equal(t, race.Timestamp(200), *got[0].Suggested)
		assert.Equal(t, race.FieldActualFinish, got[1].Field)
		assert.Equal(t, race.Timestamp(400), *got[1].Suggested)
	})

	t.Run("nothing running uses last finish", func(t *testing.T) {
		snap := race.Snapshot{
			Legs: legs(
				[2]*race.Timestamp{ts(100), nil},
				[2]*race.Timestamp{ts(300), ts(400)},
				[2]*race.Timestamp{nil, nil},
			),
		}
		got := MissingTimes(snap)
		require.Len(t, got, 1)
		assert.Equal(t, 1, got[0].LegID)
		assert.Equal(t, race.FieldActualFinish, got[0].Field)
		assert.Equal(t, race.Timestamp(300), *got[0].Suggested)
	})
}

func TestScanMissingTimesRaises(t *testing.T) {
	r := &recordingResolver{}
	c, _ := newCoordinator(t, WithResolver(r))
	snap := race.Snapshot{
		Legs: legs(
			[2]*race.Timestamp{ts(100), nil},
			[2]*race.Timestamp{ts(300), nil},
		),
		CurrentLegID: 2,
	}

	found := c.ScanMissingTimes(snap)
	require.Len(t, found, 1)
	assert.Equal(t, 1, c.Len(KindMissingTime))

	// Rescanning does not duplicate.
	c.ScanMissingTimes(snap)
	assert.Equal(t, 1, c.Len(KindMissingTime))

	require.NoError(t, c.Resolve(context.Background(), KindMissingTime, Choice{Kind: UseSuggested}))
	assert.Equal(t, []race.Timestamp{300}, r.calls)
}
