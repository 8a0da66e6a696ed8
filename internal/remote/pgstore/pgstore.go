// Package pgstore is the Postgres implementation of the remote store.
//
// Records live in a single jsonb-backed table; conditional updates compare
// last_modified in the WHERE clause so a stale writer updates zero rows.
// Every write is announced with NOTIFY on a per-table channel, which
// Subscribe consumes through a pgdriver listener.
package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// Option configures a Store.
type Option func(*Store)

// WithDebug logs every query through bundebug.
func WithDebug(debug bool) Option {
	return func(s *Store) { s.debug = debug }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock used to stamp last_modified.
func WithClock(c race.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithDeviceID sets the device recorded as updated_by on writes.
func WithDeviceID(id string) Option {
	return func(s *Store) { s.deviceID = id }
}

// Store is a remote.Store and remote.Teams backed by Postgres.
type Store struct {
	db       *bun.DB
	debug    bool
	clock    race.Clock
	deviceID string
	logger   *zap.Logger
}

var (
	_ remote.Store = (*Store)(nil)
	_ remote.Teams = (*Store)(nil)
)

// Open connects to Postgres at dsn.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	s := New(bun.NewDB(sqldb, pgdialect.New()), opts...)

	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return nil, mapErr("connect", err)
	}
	return s, nil
}

// New wraps an existing bun database.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		clock:  race.SystemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("pgstore")
	if s.debug {
		s.db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return s
}

// DB returns the underlying bun database.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema creates the tables if they do not exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	models := []interface{}{
		(*teamModel)(nil),
		(*recordModel)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("creating table for %T: %w", model, err)
		}
	}
	if _, err := s.db.NewCreateIndex().
		Model((*recordModel)(nil)).
		Index("relay_records_team_idx").
		Column("team_id", "table_name").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	return nil
}

// Channel returns the NOTIFY channel for a table.
func Channel(table race.Table) string {
	return "relay_" + string(table)
}

func (s *Store) now() int64 {
	return int64(race.NowMillis(s.clock))
}

func (s *Store) writer(deviceID string) string {
	if deviceID != "" {
		return deviceID
	}
	return s.deviceID
}

// updateQuery builds the conditional partial update.
func (s *Store) updateQuery(req remote.UpdateRequest, patch []byte, now int64) *bun.UpdateQuery {
	m := &recordModel{}
	q := s.db.NewUpdate().
		Model(m).
		Set("payload = ?TableAlias.payload || ?::jsonb", string(patch)).
		Set("last_modified = GREATEST(?, ?TableAlias.last_modified + 1)", now).
		Set("updated_by = ?", s.writer(req.DeviceID)).
		Where("?TableAlias.table_name = ?", string(req.Table)).
		Where("?TableAlias.id = ?", req.ID)
	if req.ExpectedLastModified != nil {
		q = q.Where("?TableAlias.last_modified = ?", int64(*req.ExpectedLastModified))
	}
	return q.Returning("*")
}

// Update implements remote.Store.
func (s *Store) Update(ctx context.Context, req remote.UpdateRequest) (remote.Record, error) {
	patch, err := json.Marshal(req.Payload)
	if err != nil {
		return remote.Record{}, fmt.Errorf("update %s/%s: encode payload: %w", req.Table, req.ID, err)
	}

	m := &recordModel{}
	q := s.updateQuery(req, patch, s.now())
	if err := q.Scan(ctx, m); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return remote.Record{}, mapErr(fmt.Sprintf("update %s/%s", req.Table, req.ID), err)
		}
		// Zero rows: either the record is gone or the caller is stale.
		exists, err := s.db.NewSelect().
			Model((*recordModel)(nil)).
			Where("table_name = ? AND id = ?", string(req.Table), req.ID).
			Exists(ctx)
		if err != nil {
			return remote.Record{}, mapErr(fmt.Sprintf("update %s/%s", req.Table, req.ID), err)
		}
		if exists {
			return remote.Record{}, fmt.Errorf("update %s/%s: %w", req.Table, req.ID, remote.ErrVersionConflict)
		}
		return remote.Record{}, fmt.Errorf("update %s/%s: %w", req.Table, req.ID, remote.ErrNotFound)
	}

	rec, err := m.record()
	if err != nil {
		return remote.Record{}, err
	}
	s.notify(ctx, remote.Change{Type: remote.EventUpdate, Record: rec})
	return rec, nil
}

// Upsert implements remote.Store. Existing rows get the incoming columns
// merged into their payload.
func (s *Store) Upsert(ctx context.Context, table race.Table, records []remote.Record) ([]remote.Record, error) {
	out := make([]remote.Record, 0, len(records))
	var changes []remote.Change

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, r := range records {
			if r.ID == "" {
				return fmt.Errorf("upsert %s: record without id", table)
			}
			r.LastModified = race.Timestamp(s.now())
			r.UpdatedBy = s.writer(r.UpdatedBy)
			m, err := toModel(table, r)
			if err != nil {
				return err
			}
			err = tx.NewInsert().
				Model(m).
				On("CONFLICT (table_name, id) DO UPDATE").
				Set("payload = ?TableAlias.payload || EXCLUDED.payload").
				Set("last_modified = GREATEST(EXCLUDED.last_modified, ?TableAlias.last_modified + 1)").
				Set("updated_by = EXCLUDED.updated_by").
				Returning("*, (xmax = 0) AS inserted").
				Scan(ctx, m)
			if err != nil {
				return err
			}
			rec, err := m.record()
			if err != nil {
				return err
			}
			typ := remote.EventUpdate
			if m.Inserted {
				typ = remote.EventInsert
			}
			out = append(out, rec)
			changes = append(changes, remote.Change{Type: typ, Record: rec})
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(fmt.Sprintf("upsert %s", table), err)
	}

	for _, c := range changes {
		s.notify(ctx, c)
	}
	return out, nil
}

// Select implements remote.Store.
func (s *Store) Select(ctx context.Context, table race.Table, teamID string) ([]remote.Record, error) {
	var rows []recordModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("table_name = ?", string(table)).
		Where("team_id = ?", teamID).
		OrderExpr("(payload->>'local_id')::int ASC NULLS LAST, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("select %s", table), err)
	}

	out := make([]remote.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Fetch implements remote.Store.
func (s *Store) Fetch(ctx context.Context, table race.Table, id string) (remote.Record, error) {
	m := &recordModel{}
	err := s.db.NewSelect().
		Model(m).
		Where("table_name = ? AND id = ?", string(table), id).
		Scan(ctx)
	if err != nil {
		return remote.Record{}, mapErr(fmt.Sprintf("fetch %s/%s", table, id), err)
	}
	return m.record()
}

func (s *Store) notify(ctx context.Context, c remote.Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		s.logger.Warn("encode change notification", zap.Error(err))
		return
	}
	if err := pgdriver.Notify(ctx, s.db, Channel(c.Record.Table), string(payload)); err != nil {
		s.logger.Warn("notify failed",
			zap.String("table", string(c.Record.Table)),
			zap.String("id", c.Record.ID),
			zap.Error(err))
	}
}

// CreateTeam implements remote.Teams.
func (s *Store) CreateTeam(ctx context.Context, name string, startTime race.Timestamp, deviceID string) (remote.Session, error) {
	id := uuid.NewString()
	m := &teamModel{
		ID:        id,
		Name:      strings.TrimSpace(name),
		JoinCode:  strings.ToUpper(strings.ReplaceAll(id, "-", ""))[:6],
		StartTime: int64(startTime),
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return remote.Session{}, mapErr("create team", err)
	}
	return remote.Session{TeamID: id, DeviceID: deviceID, Role: remote.RoleCaptain, Team: m.team()}, nil
}

// JoinTeam implements remote.Teams.
func (s *Store) JoinTeam(ctx context.Context, code, deviceID string) (remote.Session, error) {
	m := &teamModel{}
	err := s.db.NewSelect().
		Model(m).
		Where("join_code = ?", strings.ToUpper(strings.TrimSpace(code))).
		Scan(ctx)
	if err != nil {
		return remote.Session{}, mapErr(fmt.Sprintf("join team %q", code), err)
	}
	return remote.Session{TeamID: m.ID, DeviceID: deviceID, Role: remote.RoleMember, Team: m.team()}, nil
}

// UpdateTeam implements remote.Teams.
func (s *Store) UpdateTeam(ctx context.Context, team remote.Team) (remote.Team, error) {
	m := &teamModel{}
	q := s.db.NewUpdate().
		Model(m).
		Set("start_time = ?", int64(team.StartTime)).
		Where("id = ?", team.ID).
		Returning("*")
	if name := strings.TrimSpace(team.Name); name != "" {
		q = q.Set("name = ?", name)
	}
	if err := q.Scan(ctx, m); err != nil {
		return remote.Team{}, mapErr(fmt.Sprintf("update team %s", team.ID), err)
	}
	return m.team(), nil
}

// mapErr translates driver failures onto the remote error contract.
// Server-reported errors keep their identity; everything else is treated
// as the remote being unreachable.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && !errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, remote.ErrUnavailable, err)
}
