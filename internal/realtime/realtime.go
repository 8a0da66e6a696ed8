// Package realtime keeps one change subscription per table open against the
// remote store, reconnecting with jittered exponential backoff.
package realtime

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// MaxGrowth caps the exponent of the backoff.
const MaxGrowth = 10

// Policy shapes the reconnect delay.
type Policy struct {
	Min  time.Duration
	Max  time.Duration
	Base time.Duration
}

// DefaultPolicy waits between one second and half a minute.
func DefaultPolicy() Policy {
	return Policy{Min: time.Second, Max: 30 * time.Second, Base: time.Second}
}

// Ceiling returns min(Max, Base * 2^min(attempt, MaxGrowth)), never below Min.
func (p Policy) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > MaxGrowth {
		attempt = MaxGrowth
	}
	d := p.Base << attempt
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d < p.Min {
		d = p.Min
	}
	return d
}

// Delay returns a random duration in [Min, Ceiling(attempt)].
func (p Policy) Delay(attempt int) time.Duration {
	ceil := p.Ceiling(attempt)
	if ceil <= p.Min {
		return p.Min
	}
	return p.Min + rand.N(ceil-p.Min+1)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithPolicy sets the reconnect policy.
func WithPolicy(p Policy) Option {
	return func(a *Adapter) { a.policy = p }
}

// WithTables sets the tables to follow. Both tables are followed by default.
func WithTables(tables ...race.Table) Option {
	return func(a *Adapter) { a.tables = tables }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// OnReconnect registers a hook run when a table subscribes again after a
// failure.
func OnReconnect(fn func(table race.Table)) Option {
	return func(a *Adapter) { a.onReconnect = fn }
}

// OnDisconnect registers a hook run when a table's subscription fails.
func OnDisconnect(fn func(table race.Table, status remote.Status)) Option {
	return func(a *Adapter) { a.onDisconnect = fn }
}

// Adapter supervises the subscriptions of one team.
type Adapter struct {
	source       remote.Store
	teamID       string
	handler      remote.Handler
	tables       []race.Table
	policy       Policy
	logger       *zap.Logger
	onReconnect  func(race.Table)
	onDisconnect func(race.Table, remote.Status)

	mu     sync.Mutex
	status map[race.Table]remote.Status
}

// New creates an adapter delivering changes for teamID to handler.
func New(source remote.Store, teamID string, handler remote.Handler, opts ...Option) *Adapter {
	a := &Adapter{
		source:  source,
		teamID:  teamID,
		handler: handler,
		tables:  []race.Table{race.TableRunners, race.TableLegs},
		policy:  DefaultPolicy(),
		logger:  zap.NewNop(),
		status:  make(map[race.Table]remote.Status),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("realtime")
	return a
}

// Run keeps every table subscribed until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, table := range a.tables {
		g.Go(func() error {
			a.supervise(ctx, table)
			return nil
		})
	}
	return g.Wait()
}

// Status returns the last status seen per table.
func (a *Adapter) Status() map[race.Table]remote.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[race.Table]remote.Status, len(a.status))
	for k, v := range a.status {
		out[k] = v
	}
	return out
}

// Connected reports whether every table is subscribed.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tables {
		if a.status[t] != remote.StatusSubscribed {
			return false
		}
	}
	return true
}

func (a *Adapter) setStatus(table race.Table, s remote.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status[table] = s
}

func (a *Adapter) supervise(ctx context.Context, table race.Table) {
	log := a.logger.With(zap.String("table", string(table)))
	attempt := 0
	failed := false

	for ctx.Err() == nil {
		sub, err := a.source.Subscribe(ctx, table, a.teamID, a.handler)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.setStatus(table, remote.StatusChannelError)
			if !failed && a.onDisconnect != nil {
				a.onDisconnect(table, remote.StatusChannelError)
			}
			failed = true
			log.Debug("subscribe failed", zap.Int("attempt", attempt), zap.Error(err))
			if !a.wait(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		status := a.follow(ctx, table, sub, func() {
			if failed {
				log.Info("resubscribed", zap.Int("attempts", attempt))
				if a.onReconnect != nil {
					a.onReconnect(table)
				}
			}
			failed = false
			attempt = 0
		})
		_ = sub.Close()
		if ctx.Err() != nil {
			a.setStatus(table, remote.StatusClosed)
			return
		}

		a.setStatus(table, status)
		log.Warn("subscription lost", zap.String("status", string(status)))
		if !failed && a.onDisconnect != nil {
			a.onDisconnect(table, status)
		}
		failed = true
		if !a.wait(ctx, attempt) {
			return
		}
		attempt++
	}
}

// follow watches sub until it fails or ctx is done and returns the final
// status.
func (a *Adapter) follow(ctx context.Context, table race.Table, sub remote.Subscription, subscribed func()) remote.Status {
	for {
		select {
		case <-ctx.Done():
			return remote.StatusClosed
		case s, ok := <-sub.Status():
			if !ok {
				return remote.StatusClosed
			}
			a.setStatus(table, s)
			if s == remote.StatusSubscribed {
				subscribed()
				continue
			}
			if s.Failed() {
				return s
			}
		}
	}
}

func (a *Adapter) wait(ctx context.Context, attempt int) bool {
	t := time.NewTimer(a.policy.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
