package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/state"
	"github.com/roach88/relaysync/internal/syncer"
	"github.com/roach88/relaysync/internal/testutil"
)

const raceStart = race.Timestamp(1_000_000)

type fixedSync syncer.Status

func (f fixedSync) Status() syncer.Status { return syncer.Status(f) }

type fixture struct {
	srv       *Server
	store     *state.Store
	conflicts *conflict.Coordinator
	resolved  []race.Timestamp
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClockMillis(int64(raceStart) + 60_000)
	st := state.New(state.WithClock(clock))
	require.NoError(t, st.SetRunners([]race.Runner{
		{ID: 1, Name: "Ana", Pace: 420, Van: 1},
		{ID: 2, Name: "Ben", Pace: 480, Van: 2},
	}))
	require.NoError(t, st.SetLegs([]race.Leg{
		{ID: 1, RunnerID: 1, Distance: 5},
		{ID: 2, RunnerID: 2, Distance: 5},
		{ID: 3, RunnerID: 1, Distance: 5},
	}))
	require.NoError(t, st.SetStartTime(raceStart))

	f := &fixture{store: st}
	f.conflicts = conflict.New(conflict.WithResolver(conflict.ResolverFunc(
		func(_ context.Context, c conflict.Conflict, v race.Timestamp) error {
			f.resolved = append(f.resolved, v)
			return st.UpdateLegActualTime(c.LegID, c.Field, &v)
		})))
	status := fixedSync{Online: false, Pending: 2, Summary: "working offline, 2 changes pending"}
	f.srv = New(st, status, f.conflicts, WithClock(clock), WithLogger(zaptest.NewLogger(t)))
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetRace(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/race", "")
	require.Equal(t, http.StatusOK, rec.Code)

	snap := decode[race.Snapshot](t, rec)
	require.Len(t, snap.Legs, 3)
	assert.Equal(t, raceStart+2_100_000, snap.Legs[0].ProjectedFinish)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	st := decode[syncer.Status](t, rec)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, "working offline, 2 changes pending", st.Summary)
}

func TestStartLeg_DefaultsToNow(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/legs/1/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	leg := decode[race.Leg](t, rec)
	require.NotNil(t, leg.ActualStart)
	assert.Equal(t, raceStart+60_000, *leg.ActualStart)
	assert.Equal(t, 1, f.store.CurrentLegID())
}

func TestStartFinishHandoff(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/legs/1/start", `{"at":1000000}`).Code)

	rec := f.do(t, http.MethodPost, "/api/legs/1/handoff", `{"at":3000000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap := f.store.Get()
	assert.Equal(t, race.Timestamp(3_000_000), *snap.Legs[0].ActualFinish)
	assert.Equal(t, race.Timestamp(3_000_000), *snap.Legs[1].ActualStart)
	assert.Equal(t, 2, snap.CurrentLegID)

	rec = f.do(t, http.MethodPost, "/api/legs/2/finish", `{"at":5000000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, race.Timestamp(5_000_000), *decode[race.Leg](t, rec).ActualFinish)
}

func TestRecordTime_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/legs/abc/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/legs/9/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/legs/2/finish", `{"at":2000000}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[errorResponse](t, rec)
	require.NotEmpty(t, resp.Issues)
	assert.Equal(t, race.ErrCodeFinishWithoutStart, resp.Issues[0].Code)

	rec = f.do(t, http.MethodPost, "/api/legs/1/start", `{"at":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflicts_ListResolveDismiss(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/legs/1/start", `{"at":1000000}`).Code)

	local, remote := race.Timestamp(1_000_000), race.Timestamp(1_200_000)
	f.conflicts.Raise(conflict.Conflict{Kind: conflict.KindTiming, LegID: 1, Field: race.FieldActualStart, Local: &local, Remote: &remote})
	f.conflicts.Raise(conflict.Conflict{Kind: conflict.KindTiming, LegID: 2, Field: race.FieldActualStart, Remote: &remote})

	rec := f.do(t, http.MethodGet, "/api/conflicts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decode[map[conflict.Kind]conflictSlot](t, rec)
	assert.Equal(t, conflict.StateShowing, slots[conflict.KindTiming].State)
	require.NotNil(t, slots[conflict.KindTiming].Current)
	assert.Equal(t, 1, slots[conflict.KindTiming].Current.LegID)
	assert.Len(t, slots[conflict.KindTiming].Pending, 1)
	assert.Equal(t, conflict.StateIdle, slots[conflict.KindMissingTime].State)

	rec = f.do(t, http.MethodPost, "/api/conflicts/timing/resolve", `{"choice":"remote"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []race.Timestamp{remote}, f.resolved)
	assert.Equal(t, remote, *f.store.Get().Legs[0].ActualStart)

	slots = decode[map[conflict.Kind]conflictSlot](t, rec)
	require.NotNil(t, slots[conflict.KindTiming].Current)
	assert.Equal(t, 2, slots[conflict.KindTiming].Current.LegID)

	rec = f.do(t, http.MethodPost, "/api/conflicts/timing/resolve", `{"choice":"local"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conflicts/timing/dismiss", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conflict.StateIdle, f.conflicts.State(conflict.KindTiming))

	rec = f.do(t, http.MethodPost, "/api/conflicts/timing/dismiss", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conflicts/weather/resolve", `{"choice":"local"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConflicts_RejectedResolutionStaysShown(t *testing.T) {
	f := newFixture(t)
	v := race.Timestamp(2_000_000)
	// Finishing an unstarted leg is rejected by the store.
	f.conflicts.Raise(conflict.Conflict{Kind: conflict.KindTiming, LegID: 2, Field: race.FieldActualFinish, Remote: &v})

	rec := f.do(t, http.MethodPost, "/api/conflicts/timing/resolve", `{"choice":"remote"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, conflict.StateShowing, f.conflicts.State(conflict.KindTiming))
}

func TestServer_StartShutdown(t *testing.T) {
	f := newFixture(t)
	done := make(chan error, 1)
	go func() { done <- f.srv.Start("127.0.0.1:0") }()

	// Give the listener a moment before shutting down.
	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))
	require.NoError(t, <-done)
}
