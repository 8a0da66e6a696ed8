package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/race"
)

const (
	// DefaultMaxRetries is the attempt budget of an entry before it needs
	// attention.
	DefaultMaxRetries = 3

	// DedupWindow is how close two identical changes must be to collapse.
	DedupWindow = time.Second
)

// Sender delivers one change to the remote store.
type Sender interface {
	Send(ctx context.Context, teamID string, c Change) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, teamID string, c Change) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, teamID string, c Change) error {
	return f(ctx, teamID, c)
}

// Persister stores the entry list durably.
type Persister interface {
	LoadQueue(ctx context.Context) ([]Change, error)
	SaveQueue(ctx context.Context, entries []Change) error
}

// ConflictHandler receives entries whose send was answered with a conflict.
// The entry has already been removed from the queue.
type ConflictHandler func(c Change, conflict *race.ConflictError)

// ProcessResult summarizes one Process run.
type ProcessResult struct {
	Sent           int
	Failed         int
	Conflicts      int
	Dropped        int
	Deferred       int
	NeedsAttention int
	// Shared is true when the caller joined a run already in flight.
	Shared bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries sets the attempt budget per entry.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithBackoff sets the retry backoff policy.
func WithBackoff(b BackoffPolicy) Option {
	return func(q *Queue) {
		if b != nil {
			q.backoff = b
		}
	}
}

// WithPersister sets the durable backing store.
func WithPersister(p Persister) Option {
	return func(q *Queue) { q.persister = p }
}

// WithConflictHandler sets the receiver of conflicting entries.
func WithConflictHandler(h ConflictHandler) Option {
	return func(q *Queue) { q.onConflict = h }
}

// WithIDGenerator sets the entry id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithClock sets the clock.
func WithClock(c race.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l.Named("queue")
		}
	}
}

// WithBus sets the event bus used to report entries that need attention.
func WithBus(b *events.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// Queue is the offline outbox of one device.
type Queue struct {
	mu         sync.Mutex
	entries    []Change
	deviceID   string
	maxRetries int
	backoff    BackoffPolicy
	persister  Persister
	onConflict ConflictHandler
	ids        IDGenerator
	clock      race.Clock
	logger     *zap.Logger
	bus        *events.Bus
	group      singleflight.Group
}

// New creates an empty queue for the given device.
func New(deviceID string, opts ...Option) *Queue {
	q := &Queue{
		entries:    []Change{},
		deviceID:   deviceID,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff(),
		ids:        UUIDv7Generator{},
		clock:      race.SystemClock{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetConflictHandler replaces the conflict handler.
func (q *Queue) SetConflictHandler(h ConflictHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onConflict = h
}

// MaxRetries returns the attempt budget per entry.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Load replaces the in-memory entries with the persisted ones. Entries that
// fail structural validation are dropped with a warning; the number dropped
// is returned.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.persister == nil {
		return 0, nil
	}
	stored, err := q.persister.LoadQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}

	kept := make([]Change, 0, len(stored))
	for _, c := range stored {
		if err := c.Validate(); err != nil {
			q.logger.Warn("dropping malformed queue entry", zap.String("id", c.ID), zap.Error(err))
			continue
		}
		kept = append(kept, c)
	}
	dropped := len(stored) - len(kept)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = kept
	if dropped > 0 {
		if err := q.persistLocked(); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// Enqueue appends a change. Missing ids, device ids and timestamps are
// filled in. A change identical to a queued one (same table, remote id and
// canonical payload) within DedupWindow is dropped and false is returned.
func (q *Queue) Enqueue(c Change) (bool, error) {
	c = c.Clone()
	if c.ID == "" {
		c.ID = q.ids.Generate()
	}
	if c.DeviceID == "" {
		c.DeviceID = q.deviceID
	}
	if c.Timestamp == 0 {
		c.Timestamp = race.NowMillis(q.clock)
	}
	if err := c.Validate(); err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	key, keyErr := race.MarshalCanonical(c.Payload)

	q.mu.Lock()
	defer q.mu.Unlock()

	if keyErr == nil {
		for _, e := range q.entries {
			if isDuplicate(e, c, key) {
				q.logger.Debug("duplicate change dropped",
					zap.String("table", string(c.Table)),
					zap.String("remote_id", c.RemoteID))
				return false, nil
			}
		}
	}

	q.entries = append(q.entries, c)
	q.logger.Debug("change queued",
		zap.String("id", c.ID),
		zap.String("table", string(c.Table)),
		zap.String("remote_id", c.RemoteID),
		zap.String("fields", c.Payload.Key()),
		zap.Bool("priority", c.Priority))
	if err := q.persistLocked(); err != nil {
		return true, err
	}
	return true, nil
}

func isDuplicate(e, c Change, key []byte) bool {
	if e.Table != c.Table || e.RemoteID != c.RemoteID {
		return false
	}
	if d := c.Timestamp.Sub(e.Timestamp); d > DedupWindow || d < -DedupWindow {
		return false
	}
	ek, err := race.MarshalCanonical(e.Payload)
	return err == nil && string(ek) == string(key)
}

// Process sends every eligible entry through sender. Concurrent calls share
// a single run. Entries that exhausted their retries or are inside their
// backoff window are skipped. Entries for an entity whose earlier entry
// failed or is waiting out its backoff are deferred, so one entity's
// changes always reach the remote in order.
func (q *Queue) Process(ctx context.Context, teamID string, sender Sender) (ProcessResult, error) {
	v, err, shared := q.group.Do("process", func() (any, error) {
		return q.process(ctx, teamID, sender)
	})
	res, _ := v.(ProcessResult)
	res.Shared = shared
	return res, err
}

func (q *Queue) process(ctx context.Context, teamID string, sender Sender) (ProcessResult, error) {
	var res ProcessResult
	blocked := make(map[string]bool)

	for _, c := range q.ordered() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entity := string(c.Table) + "/" + c.RemoteID

		if c.RetryCount >= q.maxRetries {
			res.NeedsAttention++
			continue
		}
		if blocked[entity] {
			res.Deferred++
			continue
		}
		now := race.NowMillis(q.clock)
		if c.LastAttempt != nil && now.Sub(*c.LastAttempt) < q.backoff.Delay(c.RetryCount) {
			blocked[entity] = true
			res.Deferred++
			continue
		}
		// Re-read: the entry may have been removed or trimmed by a merge
		// since the run started.
		cur, ok := q.get(c.ID)
		if !ok {
			continue
		}
		c = cur

		err := sender.Send(ctx, teamID, c)

		var conflict *race.ConflictError
		switch {
		case err == nil:
			q.Remove(c.ID)
			res.Sent++
		case errors.As(err, &conflict):
			q.Remove(c.ID)
			res.Conflicts++
			q.logger.Info("queued change conflicts with remote",
				zap.String("id", c.ID),
				zap.Int("leg_id", conflict.LegID),
				zap.String("field", string(conflict.Field)))
			q.mu.Lock()
			h := q.onConflict
			q.mu.Unlock()
			if h != nil {
				h(c, conflict)
			}
		case race.IsValidation(err) || race.IsStructural(err):
			q.Remove(c.ID)
			res.Dropped++
			q.logger.Warn("dropping unsendable change", zap.String("id", c.ID), zap.Error(err))
		default:
			blocked[entity] = true
			res.Failed++
			if exhausted := q.markFailed(c.ID, race.NowMillis(q.clock)); exhausted {
				res.NeedsAttention++
				q.bus.Publish(events.Event{
					Type:    events.NeedsAttention,
					LegID:   legID(c),
					Message: fmt.Sprintf("%s %s: %v", c.Table, c.Payload.Key(), err),
				})
			}
			q.logger.Warn("change send failed",
				zap.String("id", c.ID),
				zap.Int("retry_count", c.RetryCount+1),
				zap.Error(err))
		}
	}
	return res, nil
}

func legID(c Change) int {
	if c.Table == race.TableLegs {
		return c.LocalID
	}
	return 0
}

// ordered returns a copy of the entries in processing order: priority
// entries first, then by timestamp, then by insertion order.
func (q *Queue) ordered() []Change {
	q.mu.Lock()
	out := make([]Change, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Clone()
	}
	q.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Change) int {
		if a.Priority != b.Priority {
			if a.Priority {
				return -1
			}
			return 1
		}
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return out
}

func (q *Queue) get(id string) (Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return Change{}, false
	}
	return q.entries[i].Clone(), true
}

// markFailed bumps the retry count of id and reports whether it is now
// exhausted.
func (q *Queue) markFailed(id string, at race.Timestamp) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return false
	}
	q.entries[i].RetryCount++
	q.entries[i].LastAttempt = race.TimePtr(at)
	if err := q.persistLocked(); err != nil {
		q.logger.Error("persist queue", zap.Error(err))
	}
	return q.entries[i].RetryCount >= q.maxRetries
}

// Remove deletes the entry with the given id.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return false
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	if err := q.persistLocked(); err != nil {
		q.logger.Error("persist queue", zap.Error(err))
	}
	return true
}

// Retry clears the retry state of an entry so it is attempted again.
func (q *Queue) Retry(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return false
	}
	q.entries[i].RetryCount = 0
	q.entries[i].LastAttempt = nil
	if err := q.persistLocked(); err != nil {
		q.logger.Error("persist queue", zap.Error(err))
	}
	return true
}

// Clear removes every entry.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = []Change{}
	return q.persistLocked()
}

// TakeField strips column from every queued change for the entity and
// returns copies of the affected changes as they were. Changes left with an
// empty payload are removed.
func (q *Queue) TakeField(table race.Table, remoteID, column string) []Change {
	q.mu.Lock()
	defer q.mu.Unlock()

	var taken []Change
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Table == table && e.RemoteID == remoteID && e.HasField(column) {
			taken = append(taken, e.Clone())
			delete(e.Payload, column)
			if len(e.Payload) == 0 {
				continue
			}
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if len(taken) > 0 {
		if err := q.persistLocked(); err != nil {
			q.logger.Error("persist queue", zap.Error(err))
		}
	}
	return taken
}

// Pending returns copies of all entries in insertion order.
func (q *Queue) Pending() []Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Change, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Clone()
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// NeedsAttention returns the entries that exhausted their retries.
func (q *Queue) NeedsAttention() []Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []Change{}
	for _, e := range q.entries {
		if e.RetryCount >= q.maxRetries {
			out = append(out, e.Clone())
		}
	}
	return out
}

// HasPendingField reports whether a queued change writes column on the
// given entity.
func (q *Queue) HasPendingField(table race.Table, remoteID, column string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Table == table && e.RemoteID == remoteID && e.HasField(column) {
			return true
		}
	}
	return false
}

// Status is a summary of the queue for display.
type Status struct {
	Pending        int `json:"pending"`
	NeedsAttention int `json:"needs_attention"`
}

// String renders the summary, e.g. "3 changes pending, 1 needs attention".
func (s Status) String() string {
	if s.Pending == 0 {
		return "all changes synced"
	}
	out := fmt.Sprintf("%d %s pending", s.Pending, plural(s.Pending, "change", "changes"))
	if s.NeedsAttention > 0 {
		out += fmt.Sprintf(", %d %s attention", s.NeedsAttention, plural(s.NeedsAttention, "needs", "need"))
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// Status returns the current queue summary.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{Pending: len(q.entries)}
	for _, e := range q.entries {
		if e.RetryCount >= q.maxRetries {
			st.NeedsAttention++
		}
	}
	return st
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.entries {
		if q.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) persistLocked() error {
	if q.persister == nil {
		return nil
	}
	snapshot := make([]Change, len(q.entries))
	for i, e := range q.entries {
		snapshot[i] = e.Clone()
	}
	if err := q.persister.SaveQueue(context.Background(), snapshot); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}
