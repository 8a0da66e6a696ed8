// Package conflict coordinates the user-facing resolution of timing
// disagreements between devices and of legs whose times were never
// recorded.
//
// Each kind runs its own state machine:
//
//	idle --Raise--> showing --Resolve--> resolving --ok--> idle (or next queued)
//	                   ^                     |
//	                   +------- error -------+
//
// Only one conflict per kind is shown at a time; later ones wait in FIFO
// order. Raising a conflict for a leg and field that is already shown or
// queued refreshes that entry instead of adding another.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/race"
)

// Kind separates the independent conflict queues.
type Kind string

const (
	// KindTiming is a leg time recorded differently on two devices.
	KindTiming Kind = "timing"
	// KindMissingTime is a leg left behind without a start or finish.
	KindMissingTime Kind = "missing_time"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindTiming || k == KindMissingTime
}

// State is the position of a kind in its state machine.
type State string

const (
	StateIdle      State = "idle"
	StateShowing   State = "showing"
	StateResolving State = "resolving"
)

// Conflict is one disagreement awaiting a decision.
type Conflict struct {
	Kind     Kind            `json:"kind"`
	LegID    int             `json:"leg_id"`
	RemoteID string          `json:"remote_id,omitempty"`
	Field    race.TimeField  `json:"field"`
	Local    *race.Timestamp `json:"local,omitempty"`
	Remote   *race.Timestamp `json:"remote,omitempty"`
	// Suggested is a plausible value for a missing time, taken from the
	// neighbouring leg.
	Suggested *race.Timestamp `json:"suggested,omitempty"`
	RaisedAt  race.Timestamp  `json:"raised_at"`
}

func (c Conflict) key() string {
	return fmt.Sprintf("%s/%d/%s", c.Kind, c.LegID, c.Field)
}

// FromError converts a conflict signal from the sync layer.
func FromError(e *race.ConflictError) Conflict {
	return Conflict{
		Kind:     KindTiming,
		LegID:    e.LegID,
		RemoteID: e.RemoteID,
		Field:    e.Field,
		Local:    e.Local,
		Remote:   e.Remote,
	}
}

// ChoiceKind says which value a resolution keeps.
type ChoiceKind string

const (
	UseLocal     ChoiceKind = "local"
	UseRemote    ChoiceKind = "remote"
	UseSuggested ChoiceKind = "suggested"
	UseCustom    ChoiceKind = "custom"
)

// Choice is the user's resolution decision.
type Choice struct {
	Kind  ChoiceKind      `json:"choice"`
	Value *race.Timestamp `json:"value,omitempty"`
}

// value returns the timestamp the choice selects for c.
func (ch Choice) value(c Conflict) (*race.Timestamp, error) {
	var v *race.Timestamp
	switch ch.Kind {
	case UseLocal:
		v = c.Local
	case UseRemote:
		v = c.Remote
	case UseSuggested:
		v = c.Suggested
	case UseCustom:
		v = ch.Value
	default:
		return nil, fmt.Errorf("%w: unknown choice %q", ErrInvalidChoice, ch.Kind)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %q has no value for leg %d %s", ErrInvalidChoice, ch.Kind, c.LegID, c.Field)
	}
	return race.TimePtr(*v), nil
}

// Resolver writes the chosen value. The sync manager implements it.
type Resolver interface {
	ResolveConflict(ctx context.Context, c Conflict, value race.Timestamp) error
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, c Conflict, value race.Timestamp) error

// ResolveConflict calls f.
func (f ResolverFunc) ResolveConflict(ctx context.Context, c Conflict, value race.Timestamp) error {
	return f(ctx, c, value)
}

var (
	// ErrNothingShown is returned when resolving or dismissing a kind
	// that has no conflict on display.
	ErrNothingShown = errors.New("no conflict shown")
	// ErrBusy is returned while a resolution of the same kind is running.
	ErrBusy = errors.New("resolution in progress")
	// ErrNoResolver is returned when no Resolver is registered.
	ErrNoResolver = errors.New("no resolver registered")
	// ErrInvalidChoice is returned for a choice that selects no value.
	ErrInvalidChoice = errors.New("invalid choice")
)

type slot struct {
	state   State
	current *Conflict
	queue   []Conflict
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus sets the event bus.
func WithBus(b *events.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithClock sets the clock used to stamp RaisedAt.
func WithClock(cl race.Clock) Option {
	return func(c *Coordinator) { c.clock = cl }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithResolver sets the resolver.
func WithResolver(r Resolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// Coordinator holds the conflict queues. Safe for concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	slots    map[Kind]*slot
	resolver Resolver
	bus      *events.Bus
	clock    race.Clock
	logger   *zap.Logger
}

// New creates a coordinator with both kinds idle.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		slots: map[Kind]*slot{
			KindTiming:      {state: StateIdle},
			KindMissingTime: {state: StateIdle},
		},
		clock:  race.SystemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("conflict")
	return c
}

// SetResolver replaces the resolver.
func (c *Coordinator) SetResolver(r Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolver = r
}

// Raise adds a conflict. It returns false when the conflict was coalesced
// into one already shown or queued for the same leg and field.
func (c *Coordinator) Raise(conf Conflict) bool {
	if !conf.Kind.Valid() {
		conf.Kind = KindTiming
	}
	if conf.RaisedAt == 0 {
		conf.RaisedAt = race.NowMillis(c.clock)
	}

	c.mu.Lock()
	s := c.slots[conf.Kind]
	key := conf.key()
	if s.current != nil && s.current.key() == key {
		if s.state == StateShowing {
			refresh(s.current, conf)
		}
		c.mu.Unlock()
		return false
	}
	for i := range s.queue {
		if s.queue[i].key() == key {
			refresh(&s.queue[i], conf)
			c.mu.Unlock()
			return false
		}
	}

	var shown *Conflict
	if s.state == StateIdle {
		s.state = StateShowing
		s.current = &conf
		shown = &conf
	} else {
		s.queue = append(s.queue, conf)
	}
	c.mu.Unlock()

	c.logger.Info("conflict raised",
		zap.String("kind", string(conf.Kind)),
		zap.Int("leg_id", conf.LegID),
		zap.String("field", string(conf.Field)))
	if shown != nil {
		c.publishShown(*shown)
	}
	return true
}

// refresh copies the latest values of next into cur, keeping its place.
func refresh(cur *Conflict, next Conflict) {
	if next.Local != nil {
		cur.Local = next.Local
	}
	if next.Remote != nil {
		cur.Remote = next.Remote
	}
	if next.Suggested != nil {
		cur.Suggested = next.Suggested
	}
	if next.RemoteID != "" {
		cur.RemoteID = next.RemoteID
	}
}

// Current returns the conflict shown for kind.
func (c *Coordinator) Current(kind Kind) (Conflict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[kind]
	if !ok || s.current == nil {
		return Conflict{}, false
	}
	return *s.current, true
}

// Pending returns the conflicts waiting behind the shown one.
func (c *Coordinator) Pending(kind Kind) []Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[kind]
	if !ok {
		return nil
	}
	return append([]Conflict(nil), s.queue...)
}

// State returns the state of kind.
func (c *Coordinator) State(kind Kind) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[kind]
	if !ok {
		return StateIdle
	}
	return s.state
}

// Len returns the number of shown plus queued conflicts of kind.
func (c *Coordinator) Len(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[kind]
	if !ok {
		return 0
	}
	n := len(s.queue)
	if s.current != nil {
		n++
	}
	return n
}

// Resolve applies choice to the shown conflict of kind through the
// Resolver. On failure the conflict stays shown and the error is returned.
func (c *Coordinator) Resolve(ctx context.Context, kind Kind, choice Choice) error {
	c.mu.Lock()
	s, ok := c.slots[kind]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("resolve: unknown kind %q", kind)
	}
	switch s.state {
	case StateIdle:
		c.mu.Unlock()
		return fmt.Errorf("resolve %s: %w", kind, ErrNothingShown)
	case StateResolving:
		c.mu.Unlock()
		return fmt.Errorf("resolve %s: %w", kind, ErrBusy)
	}
	if c.resolver == nil {
		c.mu.Unlock()
		return fmt.Errorf("resolve %s: %w", kind, ErrNoResolver)
	}
	conf := *s.current
	value, err := choice.value(conf)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("resolve %s: %w", kind, err)
	}
	s.state = StateResolving
	resolver := c.resolver
	c.mu.Unlock()

	if err := resolver.ResolveConflict(ctx, conf, *value); err != nil {
		c.mu.Lock()
		s.state = StateShowing
		c.mu.Unlock()
		c.logger.Warn("resolution failed", zap.Int("leg_id", conf.LegID), zap.Error(err))
		return fmt.Errorf("resolve %s: %w", kind, err)
	}

	c.bus.Publish(events.Event{
		Type:    events.ConflictResolved,
		LegID:   conf.LegID,
		Field:   conf.Field,
		Value:   value,
		Message: string(choice.Kind),
	})
	c.advance(s)
	return nil
}

// Dismiss drops the shown conflict of kind without writing anything.
func (c *Coordinator) Dismiss(kind Kind) error {
	c.mu.Lock()
	s, ok := c.slots[kind]
	if !ok || s.state != StateShowing {
		c.mu.Unlock()
		if ok && s.state == StateResolving {
			return fmt.Errorf("dismiss %s: %w", kind, ErrBusy)
		}
		return fmt.Errorf("dismiss %s: %w", kind, ErrNothingShown)
	}
	conf := *s.current
	c.mu.Unlock()

	c.bus.Publish(events.Event{
		Type:    events.ConflictDismissed,
		LegID:   conf.LegID,
		Field:   conf.Field,
		Message: string(kind),
	})
	c.advance(s)
	return nil
}

// Clear drops every shown and queued conflict whose leg and field match.
// Used when the disagreement disappeared on its own.
func (c *Coordinator) Clear(kind Kind, legID int, field race.TimeField) bool {
	c.mu.Lock()
	s, ok := c.slots[kind]
	if !ok {
		c.mu.Unlock()
		return false
	}
	key := Conflict{Kind: kind, LegID: legID, Field: field}.key()
	removed := false
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.key() == key {
			removed = true
			continue
		}
		kept = append(kept, q)
	}
	s.queue = kept
	shownCleared := s.state == StateShowing && s.current != nil && s.current.key() == key
	c.mu.Unlock()

	if shownCleared {
		c.advance(s)
		return true
	}
	return removed
}

// advance shows the next queued conflict of s, or goes idle.
func (c *Coordinator) advance(s *slot) {
	c.mu.Lock()
	var shown *Conflict
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.current = &next
		s.state = StateShowing
		shown = &next
	} else {
		s.current = nil
		s.state = StateIdle
	}
	c.mu.Unlock()

	if shown != nil {
		c.publishShown(*shown)
	}
}

func (c *Coordinator) publishShown(conf Conflict) {
	c.bus.Publish(events.Event{
		Type:    events.ConflictRaised,
		LegID:   conf.LegID,
		Field:   conf.Field,
		Value:   conf.Remote,
		Message: string(conf.Kind),
	})
}
