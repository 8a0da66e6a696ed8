// Package events is the in-process message bus shared by the store, the
// sync manager and the conflict coordinator of one device session.
//
// Publish never blocks: a subscriber whose buffer is full misses the event
// and its drop counter is incremented.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roach88/relaysync/internal/race"
)

// Type identifies what happened.
type Type string

const (
	LegStarted        Type = "leg_started"
	LegFinished       Type = "leg_finished"
	LegUpdated        Type = "leg_updated"
	RunnerUpdated     Type = "runner_updated"
	RaceLoaded        Type = "race_loaded"
	RepairApplied     Type = "repair_applied"
	Warning           Type = "warning"
	ConflictRaised    Type = "conflict_raised"
	ConflictResolved  Type = "conflict_resolved"
	ConflictDismissed Type = "conflict_dismissed"
	SyncStatus        Type = "sync_status"
	NeedsAttention    Type = "needs_attention"
)

// Origin says where a state change came from.
type Origin string

const (
	// OriginLocal is a user action on this device.
	OriginLocal Origin = "local"
	// OriginSync is a write made by the sync manager on the user's behalf
	// (safe updates, conflict resolutions).
	OriginSync Origin = "sync"
	// OriginRemote is a merge of another device's change.
	OriginRemote Origin = "remote"
	// OriginRepair is a change made by the repair passes.
	OriginRepair Origin = "repair"
)

// Event is a single bus message. Seq is assigned by the bus on publish.
type Event struct {
	Seq      uint64          `json:"seq"`
	Type     Type            `json:"type"`
	Origin   Origin          `json:"origin,omitempty"`
	LegID    int             `json:"leg_id,omitempty"`
	RunnerID int             `json:"runner_id,omitempty"`
	Field    race.TimeField  `json:"field,omitempty"`
	Value    *race.Timestamp `json:"value,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// String renders the event in a compact single-line form used by traces.
func (e Event) String() string {
	s := string(e.Type)
	if e.Origin != "" {
		s += " origin=" + string(e.Origin)
	}
	if e.LegID != 0 {
		s += fmt.Sprintf(" leg=%d", e.LegID)
	}
	if e.RunnerID != 0 {
		s += fmt.Sprintf(" runner=%d", e.RunnerID)
	}
	if e.Field != "" {
		s += " field=" + string(e.Field)
	}
	if e.Value != nil {
		s += fmt.Sprintf(" value=%d", int64(*e.Value))
	}
	if e.Message != "" {
		s += fmt.Sprintf(" msg=%q", e.Message)
	}
	return s
}

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 256

// Subscription receives events matching its type filter.
type Subscription struct {
	ID      uint64
	types   map[Type]bool
	ch      chan Event
	done    chan struct{}
	closed  bool
	dropped atomic.Int64
	mu      sync.Mutex
}

// C returns the channel for receiving events.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many events were lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

func (s *Subscription) send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// Bus fans events out to subscribers. A nil *Bus discards everything.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	seq        atomic.Uint64
	bufferSize int
}

// NewBus creates a bus whose subscriptions buffer bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a subscriber. With no types, every event is delivered.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		ID:   b.nextID,
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	delete(b.subs, sub.ID)
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish stamps e with the next sequence number and delivers it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	e.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.wants(e.Type) {
			sub.send(e)
		}
	}
}

// Count returns the number of active subscriptions.
func (b *Bus) Count() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Drain returns every event currently buffered on sub without blocking.
func Drain(sub *Subscription) []Event {
	out := []Event{}
	for {
		select {
		case e, ok := <-sub.ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}
