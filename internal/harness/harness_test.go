package harness

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/race"
)

const simStart = int64(1_787_292_000_000)

func intPtr(n int) *int { return &n }

func twoRunnerScenario(devices []string, steps []Step, assertions []Assertion) *Scenario {
	return &Scenario{
		Name:        "inline",
		Description: "inline scenario",
		Race: &RaceSpec{
			Start: simStart,
			Runners: []RunnerSpec{
				{ID: 1, Name: "Ana", Pace: 420, Van: 1},
				{ID: 2, Name: "Ben", Pace: 480, Van: 2},
			},
			Distances: []float64{5, 5, 5},
		},
		Devices:    devices,
		Steps:      steps,
		Assertions: assertions,
	}
}

func TestRun_ScenarioFiles(t *testing.T) {
	for _, name := range []string{"handoff", "offline_conflict", "missing_time"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)

			result, err := Run(scenario, WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
			assert.NotEmpty(t, result.Trace)
		})
	}
}

func TestRun_Golden(t *testing.T) {
	for _, name := range []string{"handoff", "offline_conflict", "missing_time"} {
		t.Run(name, func(t *testing.T) {
			if !updating() {
				if _, err := os.Stat(filepath.Join("testdata", "golden", name+".golden")); os.IsNotExist(err) {
					t.Skipf("no golden trace for %s; run with -update", name)
				}
			}
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}

func updating() bool {
	f := flag.Lookup("update")
	return f != nil && f.Value.String() == "true"
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "offline_conflict.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.State["captain"].Snapshot, second.State["captain"].Snapshot)
}

func TestRun_TraceHasStepHeaders(t *testing.T) {
	scenario := twoRunnerScenario([]string{"solo"}, []Step{
		{Device: "solo", Do: StepStart, Leg: 1, At: "0s"},
		{Do: StepAdvance, By: "30m"},
		{Device: "solo", Do: StepHandoff, Leg: 1},
	}, nil)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, strings.Join(result.Errors, "\n"))

	assert.Equal(t, "## 1 solo start leg=1 at=0s", result.Trace[0])
	assert.Contains(t, result.Trace, "## 2 advance by=30m")
	assert.Contains(t, result.Trace, "## 3 solo handoff leg=1")

	var started bool
	for _, line := range result.Trace {
		if strings.HasPrefix(line, "   solo: leg_started origin=local leg=1") {
			started = true
		}
	}
	assert.True(t, started, "leg start not traced:\n%s", strings.Join(result.Trace, "\n"))

	snap := result.State["solo"].Snapshot
	assert.Equal(t, 2, snap.CurrentLegID)
	assert.Equal(t, race.Timestamp(simStart+30*60_000), *snap.Legs[1].ActualStart)
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	scenario := twoRunnerScenario([]string{"solo"}, []Step{
		{Device: "solo", Do: StepFinish, Leg: 2, At: "10m"},
	}, nil)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error")
	assert.Contains(t, result.Trace, "   rejected: FINISH_WITHOUT_START")
}

func TestRun_ExpectedErrorMissing(t *testing.T) {
	scenario := twoRunnerScenario([]string{"solo"}, []Step{
		{Device: "solo", Do: StepStart, Leg: 1, At: "0s", ExpectError: "any"},
	}, nil)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected error any")
}

func TestRun_OfflineEditsStayQueued(t *testing.T) {
	scenario := twoRunnerScenario([]string{"captain", "member"}, []Step{
		{Device: "member", Do: StepOffline},
		{Device: "member", Do: StepStart, Leg: 1, At: "0s"},
		{Device: "member", Do: StepProcess},
	}, []Assertion{
		{Type: AssertQueue, Device: "member", Count: intPtr(1)},
		{Type: AssertLeg, Device: "captain", Leg: 1, Expect: map[string]any{"actual_start": nil}},
		{Type: AssertLeg, Device: "member", Leg: 1, Expect: map[string]any{"actual_start": "0s"}},
	})

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Zero(t, result.State["captain"].Conflicts[conflict.KindTiming])
}

func TestRun_ReconnectDeliversQueue(t *testing.T) {
	scenario := twoRunnerScenario([]string{"captain", "member"}, []Step{
		{Device: "member", Do: StepOffline},
		{Device: "member", Do: StepStart, Leg: 1, At: "0s"},
		{Do: StepAdvance, By: "1m"},
		{Device: "member", Do: StepOnline},
	}, []Assertion{
		{Type: AssertQueue, Device: "member", Count: intPtr(0)},
		{Type: AssertLeg, Device: "captain", Leg: 1, Expect: map[string]any{"actual_start": "0s"}},
		{Type: AssertCurrentLeg, Device: "captain", Leg: 1},
		{Type: AssertConverged},
	})

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_SetupErrors(t *testing.T) {
	_, err := Run(&Scenario{Name: "x", RaceFile: filepath.Join("testdata", "races", "missing.cue"), Devices: []string{"a"}})
	assert.ErrorContains(t, err, "load race")

	_, err = Run(&Scenario{Name: "x", Race: &RaceSpec{Start: simStart}, Devices: []string{"a"}})
	assert.ErrorContains(t, err, "at least one runner")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

func TestTraceBytes(t *testing.T) {
	assert.Nil(t, TraceBytes(NewResult()))

	r := NewResult()
	r.AddTrace("## 1 a")
	r.AddTrace("   a: x")
	assert.Equal(t, "## 1 a\n   a: x\n", string(TraceBytes(r)))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "advance by=5s", describe(Step{Do: StepAdvance, By: "5s"}))
	assert.Equal(t, "a resolve kind=timing choice=custom value=3m",
		describe(Step{Device: "a", Do: StepResolve, Kind: "timing", Choice: "custom", Value: "3m"}))
}
