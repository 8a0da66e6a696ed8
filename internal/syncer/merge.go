package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// MergeMode selects how records without a local counterpart are treated.
type MergeMode int

const (
	// MergeLive ignores records whose remote id is not linked locally.
	MergeLive MergeMode = iota
	// MergeBulk links such records to the local entity with the same
	// local id, as done once when a device loads the team's race.
	MergeBulk
)

// MergeResult counts what happened to a batch of incoming records.
type MergeResult struct {
	Applied   int `json:"applied"`
	Stale     int `json:"stale"`
	Unknown   int `json:"unknown"`
	Linked    int `json:"linked"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

func (r *MergeResult) add(o MergeResult) {
	r.Applied += o.Applied
	r.Stale += o.Stale
	r.Unknown += o.Unknown
	r.Linked += o.Linked
	r.Conflicts += o.Conflicts
	r.Failed += o.Failed
}

// Merge folds incoming records of one table into the local state, field by
// field. Only records strictly newer than the local copy are applied, and
// only the columns they carry are written.
func (m *Manager) Merge(ctx context.Context, table race.Table, incoming []remote.Record, mode MergeMode) MergeResult {
	var total MergeResult
	for _, rec := range incoming {
		if ctx.Err() != nil {
			break
		}
		if rec.Table == "" {
			rec.Table = table
		}
		total.add(m.mergeRecord(rec, mode, nil))
	}
	return total
}

// HandleChange ingests one realtime notification.
func (m *Manager) HandleChange(c remote.Change) {
	rec := c.Record
	if rec.TeamID != "" && rec.TeamID != m.id.TeamID {
		m.logger.Debug("change for another team ignored", zap.String("team", rec.TeamID))
		return
	}
	if c.Type == remote.EventDelete {
		m.logger.Info("remote delete ignored",
			zap.String("table", string(rec.Table)),
			zap.String("remote_id", rec.ID))
		return
	}
	m.mergeRecord(rec, MergeLive, nil)
	m.Kick()
}

// mergeRecord merges one record, leaving out the columns in exclude.
func (m *Manager) mergeRecord(rec remote.Record, mode MergeMode, exclude race.Payload) MergeResult {
	var res MergeResult
	log := m.logger.With(zap.String("table", string(rec.Table)), zap.String("remote_id", rec.ID))

	snap := m.store.Get()
	localID, lastModified, found := locate(snap, rec.Table, rec.ID)
	if !found {
		if mode != MergeBulk {
			log.Debug("unknown remote id ignored")
			res.Unknown++
			return res
		}
		localID = rec.LocalID()
		if err := m.link(snap, rec, localID); err != nil {
			log.Warn("cannot link remote record", zap.Error(err))
			res.Unknown++
			return res
		}
		res.Linked++
		lastModified = nil
	}
	if lastModified != nil && !race.NewerThan(&rec.LastModified, lastModified) {
		res.Stale++
		return res
	}

	p := rec.Payload.Clone()
	delete(p, race.ColLocalID)
	for k := range exclude {
		delete(p, k)
	}

	if rec.Table == race.TableLegs {
		leg, _ := snap.Leg(localID)
		for _, f := range p.TimeFields() {
			if !m.queue.HasPendingField(rec.Table, rec.ID, string(f)) {
				continue
			}
			incoming, _, err := p.Time(f)
			if err != nil {
				log.Warn("malformed remote time", zap.Error(err))
				delete(p, string(f))
				continue
			}
			local := leg.Time(f)
			switch {
			case race.EqualTime(incoming, local):
			case incoming == nil, rec.UpdatedBy == m.id.DeviceID:
				// Our unsent edit is newer than what the remote holds.
				delete(p, string(f))
			default:
				delete(p, string(f))
				m.queue.TakeField(rec.Table, rec.ID, string(f))
				m.conflicts.Raise(conflict.Conflict{
					Kind:     conflict.KindTiming,
					LegID:    localID,
					RemoteID: rec.ID,
					Field:    f,
					Local:    local,
					Remote:   incoming,
				})
				res.Conflicts++
				log.Info("timing conflict", zap.Int("leg_id", localID), zap.String("field", string(f)))
			}
		}
	}
	for _, k := range p.Keys() {
		if !race.TimeField(k).Valid() && m.queue.HasPendingField(rec.Table, rec.ID, k) {
			delete(p, k)
		}
	}

	lm := rec.LastModified
	applied, err := m.store.ApplyRemote(rec.Table, rec.ID, p, &lm)
	switch {
	case err != nil:
		log.Warn("remote record not applied", zap.Error(err))
		res.Failed++
	case applied.Stale:
		res.Stale++
	case applied.Applied:
		res.Applied++
		if len(applied.Repairs) > 0 {
			log.Info("merge triggered repair", zap.Int("repairs", len(applied.Repairs)))
		}
	}
	return res
}

// link attaches rec to the local entity with the given local id, unless
// that entity is already linked elsewhere.
func (m *Manager) link(snap race.Snapshot, rec remote.Record, localID int) error {
	if localID == 0 {
		return fmt.Errorf("record carries no local id")
	}
	switch rec.Table {
	case race.TableLegs:
		l, ok := snap.Leg(localID)
		if !ok {
			return fmt.Errorf("no leg %d", localID)
		}
		if l.RemoteID != "" {
			return fmt.Errorf("leg %d already linked to %s", localID, l.RemoteID)
		}
	case race.TableRunners:
		r, ok := snap.Runner(localID)
		if !ok {
			return fmt.Errorf("no runner %d", localID)
		}
		if r.RemoteID != "" {
			return fmt.Errorf("runner %d already linked to %s", localID, r.RemoteID)
		}
	default:
		return fmt.Errorf("unknown table %q", rec.Table)
	}
	return m.store.LinkRemote(rec.Table, localID, rec.ID, nil)
}

// Reconcile fetches every record of the team, merges them, repairs the
// result, scans for missing times and processes the queue.
func (m *Manager) Reconcile(ctx context.Context) (MergeResult, error) {
	var total MergeResult
	if !m.Online() {
		return total, &race.NetworkError{Op: "reconcile", Err: remote.ErrUnavailable}
	}
	for _, table := range []race.Table{race.TableRunners, race.TableLegs} {
		recs, err := m.selectAll(ctx, table)
		if err != nil {
			return total, err
		}
		total.add(m.Merge(ctx, table, recs, MergeLive))
	}
	if err := m.Repair(); err != nil {
		return total, fmt.Errorf("reconcile: %w", err)
	}
	if _, err := m.ProcessQueue(ctx); err != nil {
		return total, fmt.Errorf("reconcile: %w", err)
	}
	m.logger.Debug("reconciled",
		zap.Int("applied", total.Applied),
		zap.Int("stale", total.Stale),
		zap.Int("conflicts", total.Conflicts))
	return total, nil
}

func (m *Manager) selectAll(ctx context.Context, table race.Table) ([]remote.Record, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	recs, err := m.remote.Select(ctx, table, m.id.TeamID)
	if err != nil {
		return nil, classify("select "+string(table), err)
	}
	return recs, nil
}
