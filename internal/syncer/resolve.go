package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/events"
	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/race"
)

// ResolveConflict implements conflict.Resolver: the chosen value is written
// locally and queued ahead of everything else.
//
// Filling the missing start of a leg the race has already moved past also
// closes the leg at the next leg's start, since the leg cannot be active.
func (m *Manager) ResolveConflict(_ context.Context, c conflict.Conflict, value race.Timestamp) error {
	leg, ok := m.store.Leg(c.LegID)
	if !ok {
		return fmt.Errorf("resolve: unknown leg %d", c.LegID)
	}
	p := race.TimePayload(c.Field, &value)
	closes := false
	if c.Kind == conflict.KindMissingTime && c.Field == race.FieldActualStart && leg.ActualFinish == nil {
		if next, ok := m.store.Leg(c.LegID + 1); ok && next.ActualStart != nil && *next.ActualStart > value {
			p[race.ColActualFinish] = int64(*next.ActualStart)
			closes = true
		}
	}
	if err := m.store.Patch(events.OriginSync, race.TableLegs, c.LegID, p); err != nil {
		return fmt.Errorf("resolve leg %d: %w", c.LegID, err)
	}
	if closes {
		m.conflicts.Clear(conflict.KindMissingTime, c.LegID, race.FieldActualFinish)
	}

	remoteID := leg.RemoteID
	if remoteID == "" {
		remoteID = c.RemoteID
	}
	if remoteID == "" {
		return nil
	}
	if _, err := m.queue.Enqueue(queue.Change{
		Table:    race.TableLegs,
		RemoteID: remoteID,
		LocalID:  c.LegID,
		Payload:  p,
		Priority: true,
	}); err != nil {
		return fmt.Errorf("resolve leg %d: %w", c.LegID, err)
	}
	m.logger.Info("conflict resolved",
		zap.Int("leg_id", c.LegID),
		zap.String("field", string(c.Field)),
		zap.Int64("value", int64(value)))
	m.Kick()
	return nil
}
