package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/relaysync/internal/race"
)

// ErrNoIdentity is returned by LoadIdentity before a device has joined a team.
var ErrNoIdentity = errors.New("no device identity stored")

// Identity is the persisted team membership of this device plus cached team
// metadata.
type Identity struct {
	TeamID    string
	DeviceID  string
	Role      string
	TeamName  string
	StartTime race.Timestamp
	JoinCode  string
}

// SaveIdentity stores the device identity, replacing any previous one.
func (s *Store) SaveIdentity(ctx context.Context, id Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity (singleton, team_id, device_id, role, team_name, start_time, join_code)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET
			team_id = excluded.team_id,
			device_id = excluded.device_id,
			role = excluded.role,
			team_name = excluded.team_name,
			start_time = excluded.start_time,
			join_code = excluded.join_code
	`, id.TeamID, id.DeviceID, id.Role, id.TeamName, int64(id.StartTime), id.JoinCode)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// LoadIdentity returns the stored identity or ErrNoIdentity.
func (s *Store) LoadIdentity(ctx context.Context) (Identity, error) {
	var (
		id    Identity
		start int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT team_id, device_id, role, team_name, start_time, join_code
		FROM identity WHERE singleton = 1
	`).Scan(&id.TeamID, &id.DeviceID, &id.Role, &id.TeamName, &start, &id.JoinCode)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNoIdentity
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load identity: %w", err)
	}
	id.StartTime = race.Timestamp(start)
	return id, nil
}

// ClearIdentity forgets the team membership (team left or deleted).
func (s *Store) ClearIdentity(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identity`); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	return nil
}
