package syncer

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// Bootstrap installs a new race locally and bulk-inserts it for the team,
// linking every runner and leg to its new remote id. It needs a connection.
func (m *Manager) Bootstrap(ctx context.Context, runners []race.Runner, legs []race.Leg) error {
	if !m.Online() {
		return &race.NetworkError{Op: "bootstrap", Err: remote.ErrUnavailable}
	}
	if err := m.store.SetRunners(runners); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := m.store.SetLegs(legs); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	snap := m.store.Get()
	runnerRecs := make([]remote.Record, len(snap.Runners))
	for i, r := range snap.Runners {
		runnerRecs[i] = m.newRecord(race.TableRunners, race.RunnerPayload(r))
	}
	legRecs := make([]remote.Record, len(snap.Legs))
	for i, l := range snap.Legs {
		legRecs[i] = m.newRecord(race.TableLegs, race.LegPayload(l))
	}

	for _, batch := range []struct {
		table race.Table
		recs  []remote.Record
	}{
		{race.TableRunners, runnerRecs},
		{race.TableLegs, legRecs},
	} {
		if err := m.insert(ctx, batch.table, batch.recs); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	m.logger.Info("race bootstrapped",
		zap.Int("runners", len(runnerRecs)),
		zap.Int("legs", len(legRecs)))
	return nil
}

func (m *Manager) newRecord(table race.Table, p race.Payload) remote.Record {
	return remote.Record{Table: table, ID: m.ids.Generate(), TeamID: m.id.TeamID, Payload: p}
}

func (m *Manager) insert(ctx context.Context, table race.Table, recs []remote.Record) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	stored, err := m.remote.Upsert(ctx, table, recs)
	if err != nil {
		return classify("insert "+string(table), err)
	}
	for _, rec := range stored {
		lm := rec.LastModified
		if err := m.store.LinkRemote(table, rec.LocalID(), rec.ID, &lm); err != nil {
			return err
		}
	}
	return nil
}

// LoadFromRemote installs the team's race from the remote store, as done by
// a device that joins an existing team. When the local state already holds
// the race (restored from the local cache) the remote records are merged
// into it instead, linking unlinked entities by local id. Impossible leg
// states in the remote data are repaired by the store and the fixes reach
// the queue through OnLocalChange; anything repair cannot fix is kept and
// reported as a warning.
func (m *Manager) LoadFromRemote(ctx context.Context, startTime race.Timestamp) (MergeResult, error) {
	var res MergeResult
	if !m.Online() {
		return res, &race.NetworkError{Op: "load", Err: remote.ErrUnavailable}
	}
	runnerRecs, err := m.selectAll(ctx, race.TableRunners)
	if err != nil {
		return res, err
	}
	legRecs, err := m.selectAll(ctx, race.TableLegs)
	if err != nil {
		return res, err
	}

	if local := m.store.Get(); len(local.Legs) > 0 {
		res.add(m.Merge(ctx, race.TableRunners, runnerRecs, MergeBulk))
		res.add(m.Merge(ctx, race.TableLegs, legRecs, MergeBulk))
		return res, m.Repair()
	}

	snap, err := buildSnapshot(startTime, runnerRecs, legRecs)
	if err != nil {
		return res, fmt.Errorf("load: %w", err)
	}
	report, err := m.store.Replace(snap)
	if err != nil {
		return res, fmt.Errorf("load: %w", err)
	}
	res.Applied = len(runnerRecs) + len(legRecs)
	m.conflicts.ScanMissingTimes(m.store.Get())

	m.logger.Info("race loaded from remote",
		zap.Int("runners", len(snap.Runners)),
		zap.Int("legs", len(snap.Legs)),
		zap.Int("repairs", len(report.Changes)))
	m.Kick()
	return res, nil
}

// buildSnapshot turns remote rows into a snapshot ordered by local id.
func buildSnapshot(startTime race.Timestamp, runnerRecs, legRecs []remote.Record) (race.Snapshot, error) {
	snap := race.Snapshot{StartTime: startTime, Runners: []race.Runner{}, Legs: []race.Leg{}}
	for _, rec := range runnerRecs {
		r := race.Runner{ID: rec.LocalID(), RemoteID: rec.ID, LastModified: race.TimePtr(rec.LastModified)}
		if err := race.ApplyRunner(&r, rec.Payload); err != nil {
			return snap, fmt.Errorf("runner %s: %w", rec.ID, err)
		}
		snap.Runners = append(snap.Runners, r)
	}
	for _, rec := range legRecs {
		l := race.Leg{ID: rec.LocalID(), RemoteID: rec.ID, LastModified: race.TimePtr(rec.LastModified)}
		if err := race.ApplyLeg(&l, rec.Payload); err != nil {
			return snap, fmt.Errorf("leg %s: %w", rec.ID, err)
		}
		snap.Legs = append(snap.Legs, l)
	}
	sort.Slice(snap.Runners, func(i, j int) bool { return snap.Runners[i].ID < snap.Runners[j].ID })
	sort.Slice(snap.Legs, func(i, j int) bool { return snap.Legs[i].ID < snap.Legs[j].ID })
	return snap, nil
}
