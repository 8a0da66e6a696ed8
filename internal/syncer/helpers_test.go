package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
	"github.com/roach88/relaysync/internal/remote/memstore"
	"github.com/roach88/relaysync/internal/state"
	"github.com/roach88/relaysync/internal/testutil"
)

const (
	teamID                   = "team-1"
	raceStart race.Timestamp = 1_000_000
)

type device struct {
	name  string
	bus   *events.Bus
	store *state.Store
	queue *queue.Queue
	link  *memstore.Link
	m     *Manager
}

type world struct {
	t      *testing.T
	clock  *testutil.FakeClock
	server *memstore.Server
}

func newWorld(t *testing.T) *world {
	t.Helper()
	clock := testutil.NewFakeClockMillis(int64(raceStart))
	return &world{
		t:      t,
		clock:  clock,
		server: memstore.NewServer(memstore.WithClock(clock), memstore.WithLogger(zaptest.NewLogger(t))),
	}
}

func (w *world) device(name string, opts ...state.Option) *device {
	w.t.Helper()
	logger := zaptest.NewLogger(w.t).Named(name)
	bus := events.NewBus(1024)
	st := state.New(append([]state.Option{state.WithBus(bus), state.WithClock(w.clock), state.WithLogger(logger)}, opts...)...)
	require.NoError(w.t, st.SetStartTime(raceStart))
	q := queue.New(name,
		queue.WithClock(w.clock),
		queue.WithLogger(logger),
		queue.WithIDGenerator(testutil.NewSequenceIDs(name+"-chg")),
		queue.WithBackoff(queue.FixedBackoff{}),
		queue.WithBus(bus),
	)
	link := w.server.Link(name)
	coord := conflict.New(conflict.WithBus(bus), conflict.WithClock(w.clock), conflict.WithLogger(logger))
	m, err := New(Identity{TeamID: teamID, DeviceID: name, Role: "member"}, st, link, q,
		WithBus(bus),
		WithClock(w.clock),
		WithLogger(logger),
		WithCoordinator(coord),
		WithIDGenerator(testutil.NewSequenceIDs("rec")),
	)
	require.NoError(w.t, err)
	return &device{name: name, bus: bus, store: st, queue: q, link: link, m: m}
}

// captain bootstraps the test race.
func (w *world) captain(name string) *device {
	w.t.Helper()
	d := w.device(name)
	runners, legs := testRace()
	require.NoError(w.t, d.m.Bootstrap(context.Background(), runners, legs))
	return d
}

// member joins and loads the race from the remote.
func (w *world) member(name string) *device {
	w.t.Helper()
	d := w.device(name)
	_, err := d.m.LoadFromRemote(context.Background(), raceStart)
	require.NoError(w.t, err)
	return d
}

func (d *device) setOnline(online bool) {
	d.link.SetOnline(online)
	d.m.SetOnline(online)
}

func (d *device) subscribe(t *testing.T) {
	t.Helper()
	for _, table := range []race.Table{race.TableRunners, race.TableLegs} {
		sub, err := d.link.Subscribe(context.Background(), table, teamID, d.m.HandleChange)
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Close() })
	}
}

func (d *device) leg(t *testing.T, id int) race.Leg {
	t.Helper()
	l, ok := d.store.Leg(id)
	require.True(t, ok, "leg %d", id)
	return l
}

func testRace() ([]race.Runner, []race.Leg) {
	runners := []race.Runner{
		{ID: 1, Name: "Ana", Pace: 420, Van: 1},
		{ID: 2, Name: "Ben", Pace: 480, Van: 1},
	}
	legs := make([]race.Leg, 6)
	for i := range legs {
		legs[i] = race.Leg{ID: i + 1, RunnerID: i%2 + 1, Distance: 5}
	}
	return runners, legs
}

func ts(v int64) *race.Timestamp { return race.TimePtr(race.Timestamp(v)) }

// writeLegs sets leg columns straight on the remote, as another device
// would have written them.
func (w *world) writeLegs(d *device, payloads map[int]race.Payload) {
	w.t.Helper()
	for id, p := range payloads {
		l := d.leg(w.t, id)
		_, err := d.link.Update(context.Background(), remote.UpdateRequest{
			Table: race.TableLegs, ID: l.RemoteID, TeamID: teamID, Payload: p, DeviceID: "tool",
		})
		require.NoError(w.t, err)
	}
}

func hasWarning(evs []events.Event, legID int) bool {
	for _, e := range evs {
		if e.Type == events.Warning && e.LegID == legID {
			return true
		}
	}
	return false
}
