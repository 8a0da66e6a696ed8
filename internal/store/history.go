package store

import (
	"context"
	"fmt"

	"github.com/roach88/relaysync/internal/notify"
	"github.com/roach88/relaysync/internal/race"
)

// AppendNotification records a delivered notification.
// Implements notify.Persister.
func (s *Store) AppendNotification(ctx context.Context, e notify.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_history (type, leg_id, runner_name, timestamp, device_id)
		VALUES (?, ?, ?, ?, ?)
	`, string(e.Type), e.LegID, e.RunnerName, int64(e.Timestamp), e.DeviceID)
	if err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// LoadNotifications returns the stored history, oldest first.
// Implements notify.Persister.
func (s *Store) LoadNotifications(ctx context.Context) ([]notify.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, leg_id, runner_name, timestamp, device_id
		FROM notification_history
		ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	defer rows.Close()

	entries := []notify.Entry{}
	for rows.Next() {
		var (
			e  notify.Entry
			ty string
			ts int64
		)
		if err := rows.Scan(&ty, &e.LegID, &e.RunnerName, &ts, &e.DeviceID); err != nil {
			return nil, fmt.Errorf("load notifications: %w", err)
		}
		e.Type = notify.Kind(ty)
		e.Timestamp = race.Timestamp(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	return entries, nil
}

// PruneNotifications deletes entries older than cutoff and then trims the
// history to the newest keep entries.
// Implements notify.Persister.
func (s *Store) PruneNotifications(ctx context.Context, cutoff race.Timestamp, keep int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notification_history WHERE timestamp < ?`, int64(cutoff)); err != nil {
		return fmt.Errorf("prune notifications: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_history
		WHERE id NOT IN (
			SELECT id FROM notification_history
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("prune notifications: %w", err)
	}
	return nil
}
