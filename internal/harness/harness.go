package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
	"github.com/roach88/relaysync/internal/remote/memstore"
	"github.com/roach88/relaysync/internal/setup"
	"github.com/roach88/relaysync/internal/state"
	"github.com/roach88/relaysync/internal/syncer"
	"github.com/roach88/relaysync/internal/testutil"
)

// TeamID scopes every simulated device.
const TeamID = "team-sim"

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to every device component.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// Harness runs one scenario with a fake clock and deterministic ids.
type Harness struct {
	clock   *testutil.FakeClock
	server  *memstore.Server
	logger  *zap.Logger
	start   race.Timestamp
	devices map[string]*device
	order   []string
}

type device struct {
	name  string
	bus   *events.Bus
	sub   *events.Subscription
	store *state.Store
	queue *queue.Queue
	link  *memstore.Link
	m     *syncer.Manager
	feeds []remote.Subscription
}

// Run executes a scenario and returns the result. An error means the
// scenario could not be set up; step and assertion failures are reported
// in the result.
//
// Execution flow:
//  1. Load the race and start a fresh in-memory remote on a fake clock
//  2. The first device bootstraps the race, the others load it
//  3. Every device subscribes to the team's changes
//  4. Steps run in order; bus events are traced after each step
//  5. Assertions are evaluated against each device's final state
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	runners, legs, start, err := loadRace(scenario)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewFakeClockMillis(int64(start))
	h := &Harness{
		clock:   clock,
		logger:  zap.NewNop(),
		start:   start,
		devices: make(map[string]*device),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.server = memstore.NewServer(
		memstore.WithClock(clock),
		memstore.WithIDGenerator(testutil.NewSequenceIDs("srv")),
		memstore.WithLogger(h.logger),
	)

	ctx := context.Background()
	for i, name := range scenario.Devices {
		d, err := h.newDevice(name)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			err = d.m.Bootstrap(ctx, runners, legs)
		} else {
			_, err = d.m.LoadFromRemote(ctx, start)
		}
		if err != nil {
			return nil, fmt.Errorf("set up device %s: %w", name, err)
		}
	}
	defer h.close()

	for _, name := range h.order {
		d := h.devices[name]
		if err := d.subscribe(ctx); err != nil {
			return nil, fmt.Errorf("subscribe device %s: %w", name, err)
		}
		// Setup noise is not part of the trace.
		events.Drain(d.sub)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.runStep(ctx, i+1, step, result)
	}

	actx := &AssertionContext{Start: start, Devices: make(map[string]DeviceState, len(h.order))}
	for _, name := range h.order {
		st := h.devices[name].state()
		result.State[name] = st
		actx.Devices[name] = st
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func loadRace(s *Scenario) ([]race.Runner, []race.Leg, race.Timestamp, error) {
	if s.RaceFile != "" {
		r, err := setup.LoadFile(s.RaceFile)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("load race: %w", err)
		}
		return r.Runners, r.Legs, r.Start, nil
	}
	runners := make([]race.Runner, len(s.Race.Runners))
	for i, r := range s.Race.Runners {
		runners[i] = race.Runner{ID: r.ID, Name: r.Name, Pace: r.Pace, Van: r.Van}
	}
	if len(runners) == 0 {
		return nil, nil, 0, fmt.Errorf("load race: at least one runner is required")
	}
	return runners, setup.DefaultLegs(runners, s.Race.Distances), race.Timestamp(s.Race.Start), nil
}

func (h *Harness) newDevice(name string) (*device, error) {
	logger := h.logger.Named(name)
	bus := events.NewBus(1024)
	st := state.New(state.WithBus(bus), state.WithClock(h.clock), state.WithLogger(logger))
	if err := st.SetStartTime(h.start); err != nil {
		return nil, err
	}
	q := queue.New(name,
		queue.WithClock(h.clock),
		queue.WithLogger(logger),
		queue.WithIDGenerator(testutil.NewSequenceIDs(name+"-chg")),
		queue.WithBackoff(queue.FixedBackoff{}),
		queue.WithBus(bus),
	)
	role := remote.RoleMember
	if len(h.order) == 0 {
		role = remote.RoleCaptain
	}
	link := h.server.Link(name)
	m, err := syncer.New(syncer.Identity{TeamID: TeamID, DeviceID: name, Role: role}, st, link, q,
		syncer.WithBus(bus),
		syncer.WithClock(h.clock),
		syncer.WithLogger(logger),
		syncer.WithIDGenerator(testutil.NewSequenceIDs(name+"-rec")),
	)
	if err != nil {
		return nil, fmt.Errorf("create device %s: %w", name, err)
	}
	d := &device{name: name, bus: bus, sub: bus.Subscribe(), store: st, queue: q, link: link, m: m}
	h.devices[name] = d
	h.order = append(h.order, name)
	return d, nil
}

func (h *Harness) close() {
	for _, d := range h.devices {
		d.unsubscribe()
	}
}

// runStep executes one step, records its outcome and traces the events
// it produced on every device.
func (h *Harness) runStep(ctx context.Context, n int, step Step, result *Result) {
	result.AddTrace(fmt.Sprintf("## %d %s", n, describe(step)))

	err := h.exec(ctx, step)
	switch {
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", n, step.Do, err))
	case step.ExpectError != "" && !matchError(err, step.ExpectError):
		result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %v", n, step.Do, step.ExpectError, err))
	}
	if err != nil {
		result.AddTrace("   rejected: " + errorClass(err))
	}

	for _, name := range h.order {
		for _, e := range events.Drain(h.devices[name].sub) {
			result.AddTrace(fmt.Sprintf("   %s: %s", name, e))
		}
	}
}

func (h *Harness) exec(ctx context.Context, step Step) error {
	if step.Do == StepAdvance {
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	}

	d := h.devices[step.Device]
	switch step.Do {
	case StepStart, StepFinish:
		at, err := h.at(step.At)
		if err != nil {
			return err
		}
		field := race.FieldActualStart
		if step.Do == StepFinish {
			field = race.FieldActualFinish
		}
		if err := d.store.UpdateLegActualTime(step.Leg, field, &at); err != nil {
			return err
		}
		return d.push(ctx)

	case StepHandoff:
		at, err := h.at(step.At)
		if err != nil {
			return err
		}
		if err := d.store.RecordHandoff(step.Leg, at); err != nil {
			return err
		}
		return d.push(ctx)

	case StepOffline:
		d.link.SetOnline(false)
		d.m.SetOnline(false)
		d.unsubscribe()
		return nil

	case StepOnline:
		d.link.SetOnline(true)
		d.m.SetOnline(true)
		if err := d.subscribe(ctx); err != nil {
			return err
		}
		_, err := d.m.Reconcile(ctx)
		return err

	case StepProcess:
		return d.push(ctx)

	case StepReconcile:
		_, err := d.m.Reconcile(ctx)
		return err

	case StepRepair:
		if err := d.m.Repair(); err != nil {
			return err
		}
		return d.push(ctx)

	case StepResolve:
		choice := conflict.Choice{Kind: conflict.ChoiceKind(step.Choice)}
		if step.Value != "" {
			v, err := parseTime(step.Value, h.start)
			if err != nil {
				return err
			}
			choice.Value = &v
		}
		if err := d.m.Conflicts().Resolve(ctx, conflict.Kind(step.Kind), choice); err != nil {
			return err
		}
		return d.push(ctx)

	case StepDismiss:
		return d.m.Conflicts().Dismiss(conflict.Kind(step.Kind))
	}
	return fmt.Errorf("unknown action %q", step.Do)
}

// at resolves a step time; empty means the current fake time.
func (h *Harness) at(s string) (race.Timestamp, error) {
	if s == "" {
		return race.NowMillis(h.clock), nil
	}
	return parseTime(s, h.start)
}

// push runs the queue the way the sync loop does after a kick.
func (d *device) push(ctx context.Context) error {
	_, err := d.m.ProcessQueue(ctx)
	return err
}

func (d *device) subscribe(ctx context.Context) error {
	for _, table := range []race.Table{race.TableRunners, race.TableLegs} {
		sub, err := d.link.Subscribe(ctx, table, TeamID, d.m.HandleChange)
		if err != nil {
			return err
		}
		d.feeds = append(d.feeds, sub)
	}
	return nil
}

func (d *device) unsubscribe() {
	for _, sub := range d.feeds {
		_ = sub.Close()
	}
	d.feeds = nil
}

func (d *device) state() DeviceState {
	c := d.m.Conflicts()
	return DeviceState{
		Snapshot: d.store.Get(),
		Queue:    d.queue.Len(),
		Conflicts: map[conflict.Kind]int{
			conflict.KindTiming:      c.Len(conflict.KindTiming),
			conflict.KindMissingTime: c.Len(conflict.KindMissingTime),
		},
	}
}

func describe(s Step) string {
	var b strings.Builder
	if s.Device != "" {
		b.WriteString(s.Device + " ")
	}
	b.WriteString(s.Do)
	if s.Leg > 0 {
		fmt.Fprintf(&b, " leg=%d", s.Leg)
	}
	for _, kv := range [][2]string{{"at", s.At}, {"by", s.By}, {"kind", s.Kind}, {"choice", s.Choice}, {"value", s.Value}} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	return b.String()
}

// errorClass names an error the way scenarios refer to it.
func errorClass(err error) string {
	var ve *race.ValidationError
	switch {
	case errors.As(err, &ve):
		codes := make([]string, len(ve.Issues))
		for i, is := range ve.Issues {
			codes[i] = string(is.Code)
		}
		return strings.Join(codes, ",")
	case race.IsConflict(err):
		return "conflict"
	case race.IsNetwork(err):
		return "network"
	case race.IsStructural(err):
		return "structural"
	}
	return "error"
}

func matchError(err error, want string) bool {
	if err == nil {
		return false
	}
	if want == "any" {
		return true
	}
	var ve *race.ValidationError
	if errors.As(err, &ve) {
		return ve.HasCode(race.ErrorCode(want))
	}
	return errorClass(err) == want
}
