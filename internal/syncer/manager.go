package syncer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
	"github.com/roach88/relaysync/internal/state"
)

// Defaults for the manager's timing knobs.
const (
	DefaultRemoteTimeout     = 10 * time.Second
	DefaultReconcileInterval = 60 * time.Second
	DefaultRepairInterval    = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithBus sets the event bus.
func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithClock sets the clock.
func WithClock(c race.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCoordinator sets the conflict coordinator. Without one the manager
// creates its own.
func WithCoordinator(c *conflict.Coordinator) Option {
	return func(m *Manager) { m.conflicts = c }
}

// WithRemoteTimeout bounds every remote call.
func WithRemoteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithIntervals sets the reconcile and repair periods of Run.
func WithIntervals(reconcile, repair time.Duration) Option {
	return func(m *Manager) {
		if reconcile > 0 {
			m.reconcileEvery = reconcile
		}
		if repair > 0 {
			m.repairEvery = repair
		}
	}
}

// WithIDGenerator sets the generator of remote ids assigned at bootstrap.
func WithIDGenerator(g queue.IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithOnline sets the initial connectivity. Managers start online.
func WithOnline(online bool) Option {
	return func(m *Manager) { m.online.Store(online) }
}

// Manager is the sync engine of one device.
type Manager struct {
	id        Identity
	store     *state.Store
	remote    remote.Store
	queue     *queue.Queue
	conflicts *conflict.Coordinator
	bus       *events.Bus
	clock     race.Clock
	logger    *zap.Logger
	ids       queue.IDGenerator

	timeout        time.Duration
	reconcileEvery time.Duration
	repairEvery    time.Duration

	online    atomic.Bool
	kick      chan struct{}
	reconcile chan struct{}
	inflight  singleflight.Group
}

// New creates a manager and registers it as the store's notifier, the
// queue's conflict handler and the coordinator's resolver.
func New(id Identity, st *state.Store, rs remote.Store, q *queue.Queue, opts ...Option) (*Manager, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if st == nil || rs == nil || q == nil {
		return nil, fmt.Errorf("syncer: store, remote and queue are required")
	}
	m := &Manager{
		id:             id,
		store:          st,
		remote:         rs,
		queue:          q,
		clock:          race.SystemClock{},
		logger:         zap.NewNop(),
		ids:            queue.UUIDv7Generator{},
		timeout:        DefaultRemoteTimeout,
		reconcileEvery: DefaultReconcileInterval,
		repairEvery:    DefaultRepairInterval,
		kick:           make(chan struct{}, 1),
		reconcile:      make(chan struct{}, 1),
	}
	m.online.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("syncer").With(zap.String("device", id.DeviceID))
	if m.conflicts == nil {
		m.conflicts = conflict.New(conflict.WithBus(m.bus), conflict.WithClock(m.clock), conflict.WithLogger(m.logger))
	}

	st.SetNotifier(m)
	q.SetConflictHandler(func(c queue.Change, ce *race.ConflictError) {
		m.conflicts.Raise(conflict.FromError(ce))
	})
	m.conflicts.SetResolver(m)
	return m, nil
}

// Identity returns the session identity.
func (m *Manager) Identity() Identity {
	return m.id
}

// Conflicts returns the coordinator.
func (m *Manager) Conflicts() *conflict.Coordinator {
	return m.conflicts
}

// Queue returns the offline queue.
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// Online reports the last known connectivity.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// SetOnline records a connectivity change. Coming back online triggers a
// queue run and a reconciliation from Run.
func (m *Manager) SetOnline(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}
	if online {
		m.logger.Info("back online")
		m.Kick()
		m.RequestReconcile()
	} else {
		m.logger.Info("working offline")
	}
	m.publishStatus()
}

// Kick asks Run to process the queue. It never blocks.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// RequestReconcile asks Run for a reconciliation. It never blocks.
func (m *Manager) RequestReconcile() {
	select {
	case m.reconcile <- struct{}{}:
	default:
	}
}

// OnLocalChange implements state.Notifier: the change is written to the
// queue first and the processor is kicked.
func (m *Manager) OnLocalChange(mut state.Mutation) {
	if mut.RemoteID == "" {
		m.logger.Debug("local change on unlinked entity",
			zap.String("table", string(mut.Table)),
			zap.Int("local_id", mut.LocalID))
		return
	}
	_, err := m.queue.Enqueue(queue.Change{
		Table:     mut.Table,
		RemoteID:  mut.RemoteID,
		LocalID:   mut.LocalID,
		Payload:   mut.Payload,
		Timestamp: mut.At,
	})
	if err != nil {
		m.logger.Error("enqueue local change", zap.Error(err))
	}
	m.Kick()
}

// ProcessQueue sends queued changes. Offline it does nothing.
func (m *Manager) ProcessQueue(ctx context.Context) (queue.ProcessResult, error) {
	if !m.Online() {
		return queue.ProcessResult{}, nil
	}
	res, err := m.queue.Process(ctx, m.id.TeamID, queue.SenderFunc(m.push))
	if err != nil {
		return res, fmt.Errorf("process queue: %w", err)
	}
	if res.Sent+res.Failed+res.Conflicts+res.Dropped > 0 {
		m.logger.Debug("queue processed",
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("conflicts", res.Conflicts),
			zap.Int("dropped", res.Dropped),
			zap.Int("deferred", res.Deferred))
	}
	m.publishStatus()
	return res, nil
}

// Status is the sync summary shown to the user.
type Status struct {
	Online         bool   `json:"online"`
	Pending        int    `json:"pending"`
	NeedsAttention int    `json:"needs_attention"`
	Summary        string `json:"summary"`
}

// Status returns the current sync summary.
func (m *Manager) Status() Status {
	qs := m.queue.Status()
	st := Status{Online: m.Online(), Pending: qs.Pending, NeedsAttention: qs.NeedsAttention}
	if !st.Online {
		noun := "changes"
		if qs.Pending == 1 {
			noun = "change"
		}
		st.Summary = fmt.Sprintf("working offline, %d %s pending", qs.Pending, noun)
	} else {
		st.Summary = qs.String()
	}
	return st
}

func (m *Manager) publishStatus() {
	m.bus.Publish(events.Event{Type: events.SyncStatus, Message: m.Status().Summary})
}

// Repair runs the repair passes and the missing-time scan.
func (m *Manager) Repair() error {
	if _, err := m.store.Repair(race.NowMillis(m.clock)); err != nil {
		return err
	}
	m.conflicts.ScanMissingTimes(m.store.Get())
	return nil
}

// Run drives queue processing, reconciliation and repair until ctx is
// done.
func (m *Manager) Run(ctx context.Context) error {
	reconcile := time.NewTicker(m.reconcileEvery)
	defer reconcile.Stop()
	repair := time.NewTicker(m.repairEvery)
	defer repair.Stop()

	m.logger.Info("sync manager started", zap.String("team", m.id.TeamID))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sync manager stopped")
			return nil
		case <-m.kick:
			if _, err := m.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("queue run failed", zap.Error(err))
			}
		case <-m.reconcile:
			m.runReconcile(ctx)
		case <-reconcile.C:
			m.runReconcile(ctx)
		case <-repair.C:
			if err := m.Repair(); err != nil {
				m.logger.Warn("repair failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) runReconcile(ctx context.Context) {
	if !m.Online() {
		return
	}
	if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("reconcile failed", zap.Error(err))
	}
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// locate finds the local entity carrying remoteID.
func locate(snap race.Snapshot, table race.Table, remoteID string) (localID int, lastModified *race.Timestamp, ok bool) {
	switch table {
	case race.TableLegs:
		if l, found := snap.LegByRemoteID(remoteID); found {
			return l.ID, l.LastModified, true
		}
	case race.TableRunners:
		if r, found := snap.RunnerByRemoteID(remoteID); found {
			return r.ID, r.LastModified, true
		}
	}
	return 0, nil, false
}
