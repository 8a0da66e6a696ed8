// Package notify turns leg start/finish events into handoff notifications,
// de-duplicated across devices and restarts through a bounded history.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/race"
)

// Kind is the notification category.
type Kind string

const (
	KindLegStarted  Kind = "leg_started"
	KindLegFinished Kind = "leg_finished"
)

// History bounds.
const (
	MaxEntries = 100
	Retention  = 24 * time.Hour
)

// Entry records one delivered notification.
type Entry struct {
	Type       Kind           `json:"type"`
	LegID      int            `json:"leg_id"`
	RunnerName string         `json:"runner_name"`
	Timestamp  race.Timestamp `json:"timestamp"`
	DeviceID   string         `json:"device_id"`
}

// Persister stores the history durably. internal/store implements it.
type Persister interface {
	LoadNotifications(ctx context.Context) ([]Entry, error)
	AppendNotification(ctx context.Context, e Entry) error
	PruneNotifications(ctx context.Context, cutoff race.Timestamp, keep int) error
}

// History remembers which (kind, leg) pairs were already notified.
// Safe for concurrent use.
type History struct {
	mu        sync.Mutex
	entries   []Entry
	persister Persister
	clock     race.Clock
	logger    *zap.Logger
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// WithPersister makes the history durable.
func WithPersister(p Persister) HistoryOption {
	return func(h *History) { h.persister = p }
}

// WithHistoryClock sets the clock used for pruning.
func WithHistoryClock(c race.Clock) HistoryOption {
	return func(h *History) { h.clock = c }
}

// WithHistoryLogger sets the logger.
func WithHistoryLogger(l *zap.Logger) HistoryOption {
	return func(h *History) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHistory creates an empty history.
func NewHistory(opts ...HistoryOption) *History {
	h := &History{
		clock:  race.SystemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("history")
	return h
}

// Load replaces the in-memory history with the persisted one, pruned.
func (h *History) Load(ctx context.Context) error {
	if h.persister == nil {
		return nil
	}
	entries, err := h.persister.LoadNotifications(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	h.mu.Lock()
	h.entries = entries
	h.pruneLocked()
	n := len(h.entries)
	h.mu.Unlock()

	h.logger.Debug("history loaded", zap.Int("entries", n))
	return h.persist(ctx)
}

// Seen reports whether a notification of kind for legID is in the
// retained history.
func (h *History) Seen(kind Kind, legID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	return h.indexLocked(kind, legID) >= 0
}

// Record adds e unless a notification for the same kind and leg is already
// retained. added is false for duplicates.
func (h *History) Record(ctx context.Context, e Entry) (added bool, err error) {
	h.mu.Lock()
	h.pruneLocked()
	if h.indexLocked(e.Type, e.LegID) >= 0 {
		h.mu.Unlock()
		return false, nil
	}
	h.entries = append(h.entries, e)
	h.pruneLocked()
	h.mu.Unlock()

	if h.persister == nil {
		return true, nil
	}
	if err := h.persister.AppendNotification(ctx, e); err != nil {
		return true, fmt.Errorf("record notification: %w", err)
	}
	return true, h.persist(ctx)
}

// Entries returns the retained history, oldest first.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	return len(h.entries)
}

func (h *History) cutoff() race.Timestamp {
	return race.NowMillis(h.clock).Add(-Retention)
}

// pruneLocked drops entries older than Retention, then the oldest entries
// beyond MaxEntries.
func (h *History) pruneLocked() {
	cutoff := h.cutoff()
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.Timestamp >= cutoff {
			kept = append(kept, e)
		}
	}
	if len(kept) > MaxEntries {
		kept = kept[len(kept)-MaxEntries:]
	}
	h.entries = kept
}

func (h *History) indexLocked(kind Kind, legID int) int {
	for i, e := range h.entries {
		if e.Type == kind && e.LegID == legID {
			return i
		}
	}
	return -1
}

func (h *History) persist(ctx context.Context) error {
	if h.persister == nil {
		return nil
	}
	if err := h.persister.PruneNotifications(ctx, h.cutoff(), MaxEntries); err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}
