package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/race"
)

// SaveQueue replaces the persisted offline queue with entries.
// Implements queue.Persister.
func (s *Store) SaveQueue(ctx context.Context, entries []queue.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue`); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO offline_queue
		(id, position, table_name, remote_id, local_id, payload, timestamp, device_id, retry_count, last_attempt, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	defer stmt.Close()

	for i, c := range entries {
		payload, err := json.Marshal(c.Payload)
		if err != nil {
			return fmt.Errorf("save queue: entry %s: %w", c.ID, err)
		}
		var lastAttempt sql.NullInt64
		if c.LastAttempt != nil {
			lastAttempt = sql.NullInt64{Int64: int64(*c.LastAttempt), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID,
			i,
			string(c.Table),
			c.RemoteID,
			c.LocalID,
			string(payload),
			int64(c.Timestamp),
			c.DeviceID,
			c.RetryCount,
			lastAttempt,
			boolToInt(c.Priority),
		); err != nil {
			return fmt.Errorf("save queue: entry %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// LoadQueue reads the persisted offline queue in insertion order.
// Rows whose payload cannot be decoded come back with a nil payload so the
// queue's structural validation drops them.
// Implements queue.Persister.
func (s *Store) LoadQueue(ctx context.Context) ([]queue.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, remote_id, local_id, payload, timestamp, device_id, retry_count, last_attempt, priority
		FROM offline_queue
		ORDER BY position ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()

	entries := []queue.Change{}
	for rows.Next() {
		var (
			c           queue.Change
			table       string
			payload     string
			timestamp   int64
			lastAttempt sql.NullInt64
			priority    int
		)
		if err := rows.Scan(&c.ID, &table, &c.RemoteID, &c.LocalID, &payload, &timestamp,
			&c.DeviceID, &c.RetryCount, &lastAttempt, &priority); err != nil {
			return nil, fmt.Errorf("load queue: %w", err)
		}
		c.Table = race.Table(table)
		c.Timestamp = race.Timestamp(timestamp)
		c.Priority = priority != 0
		if lastAttempt.Valid {
			c.LastAttempt = race.TimePtr(race.Timestamp(lastAttempt.Int64))
		}
		if p, err := race.DecodePayload([]byte(payload)); err == nil {
			c.Payload = p
		}
		entries = append(entries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
