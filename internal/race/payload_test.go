package race

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegPayloadRoundTrip(t *testing.T) {
	pace := 480
	leg := Leg{
		ID:           3,
		RunnerID:     2,
		Distance:     4.5,
		ActualStart:  TimePtr(1000),
		PaceOverride: &pace,
	}

	p := LegPayload(leg)
	assert.Equal(t, int64(1000), p[ColActualStart])
	assert.Nil(t, p[ColActualFinish])
	assert.True(t, p.Has(ColActualFinish), "unset times are sent as explicit nulls")

	var got Leg
	require.NoError(t, ApplyLeg(&got, p))
	assert.Equal(t, 2, got.RunnerID)
	assert.Equal(t, 4.5, got.Distance)
	assert.True(t, EqualTime(leg.ActualStart, got.ActualStart))
	assert.Nil(t, got.ActualFinish)
	require.NotNil(t, got.PaceOverride)
	assert.Equal(t, 480, *got.PaceOverride)
	assert.Equal(t, 0, got.ID, "local id is never applied from a payload")
}

func TestApplyLegClearsTime(t *testing.T) {
	leg := Leg{ID: 1, ActualStart: TimePtr(10), ActualFinish: TimePtr(20)}
	require.NoError(t, ApplyLeg(&leg, TimePayload(FieldActualFinish, nil)))
	assert.Nil(t, leg.ActualFinish)
	assert.NotNil(t, leg.ActualStart)
}

func TestApplyLegRejectsWrongType(t *testing.T) {
	leg := Leg{ID: 1}
	err := ApplyLeg(&leg, Payload{ColActualStart: "soon"})
	require.Error(t, err)
	assert.True(t, IsStructural(err))
}

func TestApplyLegRejectsFractionalTime(t *testing.T) {
	leg := Leg{ID: 1}
	err := ApplyLeg(&leg, Payload{ColActualStart: 10.5})
	require.Error(t, err)
}

func TestApplyRunnerNormalizesName(t *testing.T) {
	var r Runner
	require.NoError(t, ApplyRunner(&r, Payload{ColName: "  René ", ColPace: float64(420), ColVan: int64(2)}))
	assert.Equal(t, "René", r.Name)
	assert.Equal(t, 420, r.Pace)
	assert.Equal(t, 2, r.Van)
}

func TestDecodePayloadPreservesIntegers(t *testing.T) {
	p, err := DecodePayload([]byte(`{"actual_start": 1700000000123, "distance": 5.2, "actual_finish": null}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), p[ColActualStart])
	assert.Equal(t, 5.2, p[ColDistance])
	assert.Nil(t, p[ColActualFinish])
	assert.True(t, p.Has(ColActualFinish))
}

func TestDecodePayloadMalformed(t *testing.T) {
	_, err := DecodePayload([]byte(`[1,2]`))
	require.Error(t, err)
	assert.True(t, IsStructural(err))

	_, err = DecodePayload([]byte(`null`))
	require.Error(t, err)
}

func TestPayloadTimeFields(t *testing.T) {
	p := Payload{ColActualFinish: int64(5), ColName: "x"}
	assert.Equal(t, []TimeField{FieldActualFinish}, p.TimeFields())
	assert.Equal(t, "actual_finish,name", p.Key())
}

func TestErrorPredicates(t *testing.T) {
	var err error = &ValidationError{Op: "update", Issues: []Issue{{Code: ErrCodeMultipleActive, LegID: 2, Message: "leg 1 is active"}}}
	assert.True(t, IsValidation(err))
	assert.False(t, IsNetwork(err))
	assert.Contains(t, err.Error(), "MULTIPLE_ACTIVE")

	ce := &ConflictError{LegID: 5, Field: FieldActualStart, Local: TimePtr(90), Remote: TimePtr(100)}
	assert.True(t, IsConflict(ce))
	assert.Equal(t, "conflict on leg 5 actual_start: local=90 remote=100", ce.Error())

	ne := &NetworkError{Op: "update", Err: assert.AnError}
	assert.True(t, IsNetwork(ne))
	assert.ErrorIs(t, ne, assert.AnError)
}
