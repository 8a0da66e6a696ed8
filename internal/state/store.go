package state

import (
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/projection"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/validate"
)

// Mutation describes one entity's changed columns, handed to the Notifier
// for outbound sync.
type Mutation struct {
	Table    race.Table
	LocalID  int
	RemoteID string
	Payload  race.Payload
	At       race.Timestamp
}

// Notifier receives local mutations after they are committed.
// Implementations must not block on network I/O.
type Notifier interface {
	OnLocalChange(m Mutation)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(m Mutation)

// OnLocalChange calls f(m).
func (f NotifierFunc) OnLocalChange(m Mutation) {
	f(m)
}

// Option configures a Store.
type Option func(*Store)

// WithBus sets the event bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithClock sets the clock used to stamp mutations and repairs.
func WithClock(c race.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.Named("state")
		}
	}
}

// WithLongLegPolicy sets the policy used by the repair passes.
func WithLongLegPolicy(p validate.LongLegPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithNotifier sets the outbound notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// Store is the race state container for one device.
type Store struct {
	mu       sync.Mutex
	snap     race.Snapshot
	notifier Notifier
	bus      *events.Bus
	clock    race.Clock
	logger   *zap.Logger
	policy   validate.LongLegPolicy
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		snap:   emptySnapshot(),
		clock:  race.SystemClock{},
		logger: zap.NewNop(),
		policy: validate.DefaultLongLegPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier replaces the outbound notifier. The sync manager is usually
// constructed after the store and registers itself here.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Get returns a deep copy of the current state.
func (s *Store) Get() race.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Leg returns a copy of the leg with the given id.
func (s *Store) Leg(id int) (race.Leg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.snap.Leg(id)
	return l.Clone(), ok
}

// CurrentLegID returns the active leg id, or 0.
func (s *Store) CurrentLegID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.CurrentLegID
}

// NextLegID returns the next leg waiting to start, or 0.
func (s *Store) NextLegID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.NextLegID
}

// batch collects the side effects of a commit so they can run unlocked.
type batch struct {
	events    []events.Event
	mutations []Mutation
	notifier  Notifier
}

// flush publishes events and notifies. Must be called without s.mu held.
func (s *Store) flush(b batch) {
	for _, e := range b.events {
		s.bus.Publish(e)
	}
	if b.notifier == nil {
		return
	}
	for _, m := range b.mutations {
		b.notifier.OnLocalChange(m)
	}
}

// commitLocked installs next as the current state and returns the side
// effects of the change. Caller must hold s.mu.
func (s *Store) commitLocked(origin events.Origin, next race.Snapshot) batch {
	next.CurrentLegID, next.NextLegID = deriveIndex(next.Legs)
	prev := s.snap
	s.snap = next

	b := batch{events: diffEvents(origin, prev, next)}
	if notifies(origin) {
		b.mutations = diffMutations(prev, next, race.NowMillis(s.clock))
		b.notifier = s.notifier
	}
	return b
}

func notifies(origin events.Origin) bool {
	return origin == events.OriginLocal || origin == events.OriginRepair
}

// recalc refreshes projections on snap from index from.
func recalc(snap *race.Snapshot, from int) error {
	if len(snap.Legs) == 0 {
		return nil
	}
	legs, err := projection.Recalculate(snap.Legs, from, snap.Runners, snap.StartTime)
	if err != nil {
		return err
	}
	snap.Legs = legs
	return nil
}

// deriveIndex computes the active leg and the next leg waiting to start.
// The next leg is the first unstarted leg after the active leg, or after the
// last finished leg when nothing is running.
func deriveIndex(legs []race.Leg) (current, next int) {
	after := 0
	for _, l := range legs {
		if l.IsActive() {
			current = l.ID
			break
		}
		if l.ActualFinish != nil && l.ID > after {
			after = l.ID
		}
	}
	if current != 0 {
		after = current
	}
	for _, l := range legs {
		if l.ID > after && l.ActualStart == nil {
			return current, l.ID
		}
	}
	return current, 0
}

func emptySnapshot() race.Snapshot {
	return race.Snapshot{Runners: []race.Runner{}, Legs: []race.Leg{}}
}
