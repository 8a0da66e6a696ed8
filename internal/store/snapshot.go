package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/relaysync/internal/race"
)

// SaveSnapshot caches the race state for offline restart.
func (s *Store) SaveSnapshot(ctx context.Context, snap race.Snapshot, savedAt race.Timestamp) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO race_snapshot (singleton, data, saved_at)
		VALUES (1, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at
	`, string(data), int64(savedAt))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached race state. ok is false when nothing has
// been cached yet. A cache that cannot be decoded is a structural error.
func (s *Store) LoadSnapshot(ctx context.Context) (snap race.Snapshot, ok bool, err error) {
	var data string
	err = s.db.QueryRowContext(ctx, `SELECT data FROM race_snapshot WHERE singleton = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return race.Snapshot{}, false, nil
	}
	if err != nil {
		return race.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return race.Snapshot{}, false, &race.StructuralError{Message: fmt.Sprintf("cached snapshot: %v", err)}
	}
	return snap, true, nil
}

// ClearSnapshot removes the cached race state.
func (s *Store) ClearSnapshot(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM race_snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
