package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relaysync/internal/race"
)

const raceStart race.Timestamp = 1_700_000_000_000

func testRunners() []race.Runner {
	return []race.Runner{
		{ID: 1, Name: "Ana", Pace: 420, Van: 1},
		{ID: 2, Name: "Ben", Pace: 480, Van: 1},
		{ID: 3, Name: "Cy", Pace: 540, Van: 2},
	}
}

func testLegs() []race.Leg {
	return []race.Leg{
		{ID: 1, RunnerID: 1, Distance: 5},
		{ID: 2, RunnerID: 2, Distance: 4},
		{ID: 3, RunnerID: 3, Distance: 6.2},
		{ID: 4, RunnerID: 1, Distance: 3.1},
	}
}

func TestRecalculate_FirstLegFromRaceStart(t *testing.T) {
	legs, err := Recalculate(testLegs(), 0, testRunners(), raceStart)
	require.NoError(t, err)

	assert.Equal(t, raceStart, legs[0].ProjectedStart)
	assert.Equal(t, raceStart+2_100_000, legs[0].ProjectedFinish)
	assert.Equal(t, legs[0].ProjectedFinish, legs[1].ProjectedStart)
	assert.Equal(t, legs[1].ProjectedStart+1_920_000, legs[1].ProjectedFinish)
}

func TestRecalculate_FirstLegActualStartWins(t *testing.T) {
	in := testLegs()
	in[0].ActualStart = race.TimePtr(raceStart + 60_000)

	legs, err := Recalculate(in, 0, testRunners(), raceStart)
	require.NoError(t, err)
	assert.Equal(t, raceStart+60_000, legs[0].ProjectedStart)
}

func TestRecalculate_Handoff(t *testing.T) {
	finish := raceStart + 2_000_000
	in := testLegs()
	in[0].ActualStart = race.TimePtr(raceStart)
	in[0].ActualFinish = race.TimePtr(finish)

	legs, err := Recalculate(in, 0, testRunners(), raceStart)
	require.NoError(t, err)
	assert.Equal(t, finish, legs[1].ProjectedStart)
	assert.Equal(t, finish+1_920_000, legs[1].ProjectedFinish)
}

func TestRecalculate_PaceOverride(t *testing.T) {
	in := testLegs()
	pace := 360
	in[0].PaceOverride = &pace

	legs, err := Recalculate(in, 0, testRunners(), raceStart)
	require.NoError(t, err)
	assert.Equal(t, raceStart+1_800_000, legs[0].ProjectedFinish)
}

func TestRecalculate_RoundsToMillisecond(t *testing.T) {
	// 6.2 mi * 540 s/mi = 3348 s
	legs, err := Recalculate(testLegs(), 0, testRunners(), raceStart)
	require.NoError(t, err)
	assert.Equal(t, race.Timestamp(3_348_000), legs[2].ProjectedFinish-legs[2].ProjectedStart)
}

func TestRecalculate_Idempotent(t *testing.T) {
	in := testLegs()
	in[0].ActualStart = race.TimePtr(raceStart + 5)
	in[0].ActualFinish = race.TimePtr(raceStart + 2_050_000)
	in[1].ActualStart = race.TimePtr(raceStart + 2_050_000)

	once, err := Recalculate(in, 0, testRunners(), raceStart)
	require.NoError(t, err)
	twice, err := Recalculate(once, 0, testRunners(), raceStart)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestRecalculate_DoesNotMutateInput(t *testing.T) {
	in := testLegs()
	_, err := Recalculate(in, 0, testRunners(), raceStart)
	require.NoError(t, err)
	for _, l := range in {
		assert.Zero(t, l.ProjectedStart)
		assert.Zero(t, l.ProjectedFinish)
	}
}

func TestRecalculate_FromIndexKeepsEarlierLegs(t *testing.T) {
	in, err := Recalculate(testLegs(), 0, testRunners(), raceStart)
	require.NoError(t, err)

	in[0].ProjectedFinish = 42 // stale value before fromIndex
	out, err := Recalculate(in, 2, testRunners(), raceStart)
	require.NoError(t, err)

	assert.Equal(t, race.Timestamp(42), out[0].ProjectedFinish)
	assert.Equal(t, in[1].ProjectedFinish, out[2].ProjectedStart)
}

func TestRecalculate_ChainRule(t *testing.T) {
	in := testLegs()
	in[0].ActualStart = race.TimePtr(raceStart)
	in[0].ActualFinish = race.TimePtr(raceStart + 2_200_000)
	in[1].ActualStart = race.TimePtr(raceStart + 2_200_000)

	legs, err := Recalculate(in, 0, testRunners(), raceStart)
	require.NoError(t, err)

	for i := 0; i+1 < len(legs); i++ {
		prev, next := legs[i], legs[i+1]
		if prev.ActualFinish != nil {
			assert.Equal(t, *prev.ActualFinish, next.ProjectedStart, "leg %d", next.ID)
		} else {
			assert.Equal(t, prev.ProjectedFinish, next.ProjectedStart, "leg %d", next.ID)
		}
		assert.GreaterOrEqual(t, next.ProjectedFinish, next.ProjectedStart)
	}
}

func TestRecalculate_UnknownRunner(t *testing.T) {
	in := testLegs()
	in[1].RunnerID = 9

	_, err := Recalculate(in, 0, testRunners(), raceStart)
	require.Error(t, err)
	assert.True(t, race.IsStructural(err))
}

func TestRecalculate_NonPositivePace(t *testing.T) {
	runners := testRunners()
	runners[0].Pace = 0

	_, err := Recalculate(testLegs(), 0, runners, raceStart)
	require.Error(t, err)
	assert.True(t, race.IsStructural(err))
}

func TestRecalculate_Empty(t *testing.T) {
	legs, err := Recalculate(nil, 0, testRunners(), raceStart)
	require.NoError(t, err)
	assert.Empty(t, legs)
}

func TestDuration(t *testing.T) {
	d, err := Duration(race.Leg{ID: 1, Distance: 5}, race.Runner{Pace: 420})
	require.NoError(t, err)
	assert.Equal(t, 35*time.Minute, d)
}

func TestEarliestAffected(t *testing.T) {
	legs := testLegs()
	assert.Equal(t, 2, EarliestAffected(legs, 3))
	assert.Equal(t, 0, EarliestAffected(legs, 99))
}
