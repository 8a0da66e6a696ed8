package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// UpdateResult reports how a safe update was delivered.
type UpdateResult struct {
	// Sent is true when the remote accepted the write.
	Sent bool
	// Queued is true when the write waits in the offline queue.
	Queued bool
	// Record is the remote record after a sent write.
	Record *remote.Record
}

// SafeUpdate applies payload to the entity carrying remoteID locally and
// then delivers it. Offline, or on a network failure, the change is queued.
// A timing disagreement with another device is raised on the coordinator
// and returned as a *race.ConflictError. Validation errors reject the
// update before anything is written.
func (m *Manager) SafeUpdate(ctx context.Context, table race.Table, remoteID string, payload race.Payload) (UpdateResult, error) {
	var res UpdateResult
	localID, _, ok := locate(m.store.Get(), table, remoteID)
	if !ok {
		return res, &race.ValidationError{Op: "safe update", Issues: []race.Issue{{
			Code:    race.ErrCodeUnknownEntity,
			Message: fmt.Sprintf("no %s with remote id %s", table, remoteID),
		}}}
	}
	if err := m.store.Patch(events.OriginSync, table, localID, payload); err != nil {
		return res, err
	}

	c := queue.Change{Table: table, RemoteID: remoteID, LocalID: localID, Payload: payload.Clone()}
	if !m.Online() {
		return m.enqueue(c)
	}

	rec, err := m.deliver(ctx, m.id.TeamID, c)
	var ce *race.ConflictError
	switch {
	case err == nil:
		res.Sent = true
		res.Record = &rec
		return res, nil
	case errors.As(err, &ce):
		m.conflicts.Raise(conflict.FromError(ce))
		return res, err
	case race.IsStructural(err) || race.IsValidation(err):
		return res, err
	default:
		m.logger.Warn("update not delivered, queued", zap.String("remote_id", remoteID), zap.Error(err))
		return m.enqueue(c)
	}
}

func (m *Manager) enqueue(c queue.Change) (UpdateResult, error) {
	if _, err := m.queue.Enqueue(c); err != nil {
		return UpdateResult{}, err
	}
	m.publishStatus()
	return UpdateResult{Queued: true}, nil
}

// push is the queue's Sender.
func (m *Manager) push(ctx context.Context, teamID string, c queue.Change) error {
	_, err := m.deliver(ctx, teamID, c)
	return err
}

// deliver sends one change, collapsing concurrent sends of the same change
// into a single remote call.
func (m *Manager) deliver(ctx context.Context, teamID string, c queue.Change) (remote.Record, error) {
	key, err := race.MarshalCanonical(c.Payload)
	if err != nil {
		return remote.Record{}, &race.StructuralError{Message: fmt.Sprintf("change %s: %v", c.ID, err)}
	}
	flight := string(c.Table) + "/" + c.RemoteID + "/" + string(key)
	v, err, shared := m.inflight.Do(flight, func() (any, error) {
		return m.send(ctx, teamID, c.Table, c.RemoteID, c.Payload)
	})
	if shared {
		m.logger.Debug("joined in-flight update", zap.String("remote_id", c.RemoteID))
	}
	rec, _ := v.(remote.Record)
	return rec, err
}

// send performs the conditional update. A lost race is answered by
// refetching, merging the other fields and retrying once.
func (m *Manager) send(ctx context.Context, teamID string, table race.Table, remoteID string, p race.Payload) (remote.Record, error) {
	_, expected, _ := locate(m.store.Get(), table, remoteID)

	rec, err := m.update(ctx, teamID, table, remoteID, p, expected)
	if err == nil {
		m.store.SetLastModified(table, remoteID, rec.LastModified)
		return rec, nil
	}
	if !errors.Is(err, remote.ErrVersionConflict) {
		return rec, classify("update", err)
	}

	current, err := m.fetch(ctx, table, remoteID)
	if err != nil {
		return rec, classify("refetch", err)
	}
	ce, err := m.checkTiming(current, p)
	if err != nil {
		return rec, err
	}
	// Bring in the rest of the record either way, so the local
	// lastModified matches what a resolution will have to beat.
	m.mergeRecord(current, MergeLive, p)
	if ce != nil {
		return rec, ce
	}

	m.logger.Debug("retrying after version conflict",
		zap.String("remote_id", remoteID),
		zap.Int64("last_modified", int64(current.LastModified)))
	rec, err = m.update(ctx, teamID, table, remoteID, p, &current.LastModified)
	switch {
	case err == nil:
		m.store.SetLastModified(table, remoteID, rec.LastModified)
		return rec, nil
	case errors.Is(err, remote.ErrVersionConflict):
		if fields := p.TimeFields(); len(fields) > 0 {
			return rec, m.conflictFor(current, p, fields[0])
		}
		return rec, fmt.Errorf("update %s %s: lost the race twice: %w", table, remoteID, err)
	default:
		return rec, classify("retry", err)
	}
}

func (m *Manager) update(ctx context.Context, teamID string, table race.Table, remoteID string, p race.Payload, expected *race.Timestamp) (remote.Record, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.remote.Update(ctx, remote.UpdateRequest{
		Table:                table,
		ID:                   remoteID,
		TeamID:               teamID,
		Payload:              p,
		DeviceID:             m.id.DeviceID,
		ExpectedLastModified: expected,
	})
}

func (m *Manager) fetch(ctx context.Context, table race.Table, remoteID string) (remote.Record, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.remote.Fetch(ctx, table, remoteID)
}

// checkTiming reports a conflict when the refetched record holds a timing
// value, written by another device, that differs from the one being sent.
func (m *Manager) checkTiming(current remote.Record, p race.Payload) (*race.ConflictError, error) {
	if current.Table != race.TableLegs || current.UpdatedBy == m.id.DeviceID {
		return nil, nil
	}
	for _, f := range p.TimeFields() {
		theirs, _, err := current.Payload.Time(f)
		if err != nil {
			return nil, err
		}
		ours, _, err := p.Time(f)
		if err != nil {
			return nil, err
		}
		if theirs != nil && !race.EqualTime(theirs, ours) {
			return m.conflictFor(current, p, f), nil
		}
	}
	return nil, nil
}

func (m *Manager) conflictFor(current remote.Record, p race.Payload, f race.TimeField) *race.ConflictError {
	ours, _, _ := p.Time(f)
	theirs, _, _ := current.Payload.Time(f)
	legID, _, _ := locate(m.store.Get(), current.Table, current.ID)
	return &race.ConflictError{
		Table:    current.Table,
		RemoteID: current.ID,
		LegID:    legID,
		Field:    f,
		Local:    ours,
		Remote:   theirs,
	}
}

// classify maps remote failures onto the error taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return &race.StructuralError{Message: fmt.Sprintf("%s: %v", op, err)}
	case remote.IsUnavailable(err), errors.Is(err, context.Canceled):
		return &race.NetworkError{Op: op, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
