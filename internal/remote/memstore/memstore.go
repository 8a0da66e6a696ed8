// Package memstore is an in-process remote store shared by simulated
// devices. Each device talks to the shared Server through its own Link,
// which can be taken offline to simulate lost connectivity.
//
// Change notifications are delivered synchronously, after the server lock
// is released, to every live subscription of the record's table and team,
// including the writer's own.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// IDGenerator produces team ids and join codes.
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used to stamp lastModified.
func WithClock(c race.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithIDGenerator sets the team id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Server) { s.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server holds the authoritative records.
type Server struct {
	mu      sync.Mutex
	clock   race.Clock
	ids     IDGenerator
	logger  *zap.Logger
	records map[race.Table]map[string]remote.Record
	teams   map[string]remote.Team
	subs    map[uint64]*subscriber
	nextSub uint64
	lastLM  race.Timestamp
	writes  int
}

type subscriber struct {
	id      uint64
	table   race.Table
	teamID  string
	handler remote.Handler
	feed    *remote.Feed
	link    *Link
}

type delivery struct {
	sub    *subscriber
	change remote.Change
}

// NewServer creates an empty server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		clock:   race.SystemClock{},
		ids:     uuidGenerator{},
		logger:  zap.NewNop(),
		records: make(map[race.Table]map[string]remote.Record),
		teams:   make(map[string]remote.Team),
		subs:    make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("memstore")
	return s
}

// Link returns a new connection for deviceID. Links start online.
func (s *Server) Link(deviceID string) *Link {
	return &Link{server: s, deviceID: deviceID, online: true}
}

// Records returns a copy of every record of table, ordered by local id.
func (s *Server) Records(table race.Table) []remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(table, "")
}

// Record returns a copy of one record.
func (s *Server) Record(table race.Table, id string) (remote.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[table][id]
	if !ok {
		return remote.Record{}, false
	}
	return rec.Clone(), true
}

// Writes returns the number of successful record writes.
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Subscribers returns the number of live subscriptions.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// nextLastModifiedLocked returns a strictly increasing lastModified.
func (s *Server) nextLastModifiedLocked() race.Timestamp {
	now := race.NowMillis(s.clock)
	if now <= s.lastLM {
		now = s.lastLM + 1
	}
	s.lastLM = now
	return now
}

func (s *Server) tableLocked(table race.Table) map[string]remote.Record {
	m, ok := s.records[table]
	if !ok {
		m = make(map[string]remote.Record)
		s.records[table] = m
	}
	return m
}

func (s *Server) selectLocked(table race.Table, teamID string) []remote.Record {
	out := []remote.Record{}
	for _, rec := range s.records[table] {
		if teamID == "" || rec.TeamID == teamID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LocalID() != out[j].LocalID() {
			return out[i].LocalID() < out[j].LocalID()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Server) fanoutLocked(c remote.Change) []delivery {
	var out []delivery
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sub := s.subs[id]
		if sub.table == c.Record.Table && sub.teamID == c.Record.TeamID {
			out = append(out, delivery{sub: sub, change: remote.Change{Type: c.Type, Record: c.Record.Clone()}})
		}
	}
	return out
}

func deliver(ds []delivery) {
	for _, d := range ds {
		if d.sub.feed.Closed() {
			continue
		}
		d.sub.handler(d.change)
	}
}

func (s *Server) removeSub(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Link is one device's connection to the server.
// Implements remote.Store and remote.Teams.
type Link struct {
	server   *Server
	deviceID string

	mu     sync.Mutex
	online bool
	subs   []*subscriber
}

var (
	_ remote.Store = (*Link)(nil)
	_ remote.Teams = (*Link)(nil)
)

// DeviceID returns the device this link belongs to.
func (l *Link) DeviceID() string {
	return l.deviceID
}

// Online reports whether the link can reach the server.
func (l *Link) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

// SetOnline connects or disconnects the link. Going offline ends every
// subscription of the link with CHANNEL_ERROR.
func (l *Link) SetOnline(online bool) {
	l.mu.Lock()
	l.online = online
	var dropped []*subscriber
	if !online {
		dropped = l.subs
		l.subs = nil
	}
	l.mu.Unlock()

	for _, sub := range dropped {
		l.server.removeSub(sub.id)
		sub.feed.End(remote.StatusChannelError)
	}
}

func (l *Link) check(op string) error {
	if !l.Online() {
		return fmt.Errorf("%s: %w", op, remote.ErrUnavailable)
	}
	return nil
}

// Update implements remote.Store.
func (l *Link) Update(ctx context.Context, req remote.UpdateRequest) (remote.Record, error) {
	if err := ctx.Err(); err != nil {
		return remote.Record{}, err
	}
	if err := l.check("update"); err != nil {
		return remote.Record{}, err
	}

	s := l.server
	s.mu.Lock()
	rec, ok := s.records[req.Table][req.ID]
	if !ok {
		s.mu.Unlock()
		return remote.Record{}, fmt.Errorf("update %s/%s: %w", req.Table, req.ID, remote.ErrNotFound)
	}
	if req.ExpectedLastModified != nil && *req.ExpectedLastModified != rec.LastModified {
		s.mu.Unlock()
		return remote.Record{}, fmt.Errorf("update %s/%s: %w", req.Table, req.ID, remote.ErrVersionConflict)
	}
	if rec.Payload == nil {
		rec.Payload = race.Payload{}
	}
	for k, v := range req.Payload {
		rec.Payload[k] = v
	}
	rec.LastModified = s.nextLastModifiedLocked()
	rec.UpdatedBy = l.deviceID
	s.tableLocked(req.Table)[req.ID] = rec
	s.writes++
	ds := s.fanoutLocked(remote.Change{Type: remote.EventUpdate, Record: rec})
	out := rec.Clone()
	s.mu.Unlock()

	s.logger.Debug("update",
		zap.String("table", string(req.Table)),
		zap.String("id", req.ID),
		zap.String("device", l.deviceID),
		zap.Int64("last_modified", int64(out.LastModified)))
	deliver(ds)
	return out, nil
}

// Upsert implements remote.Store.
func (l *Link) Upsert(ctx context.Context, table race.Table, records []remote.Record) ([]remote.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.check("upsert"); err != nil {
		return nil, err
	}

	s := l.server
	s.mu.Lock()
	m := s.tableLocked(table)
	out := make([]remote.Record, 0, len(records))
	var ds []delivery
	for _, in := range records {
		if in.ID == "" {
			s.mu.Unlock()
			return nil, fmt.Errorf("upsert %s: record without id", table)
		}
		rec, exists := m[in.ID]
		typ := remote.EventUpdate
		if !exists {
			rec = remote.Record{Table: table, ID: in.ID, TeamID: in.TeamID, Payload: race.Payload{}}
			typ = remote.EventInsert
		}
		for k, v := range in.Payload {
			rec.Payload[k] = v
		}
		rec.LastModified = s.nextLastModifiedLocked()
		rec.UpdatedBy = l.deviceID
		m[in.ID] = rec
		s.writes++
		ds = append(ds, s.fanoutLocked(remote.Change{Type: typ, Record: rec})...)
		out = append(out, rec.Clone())
	}
	s.mu.Unlock()

	deliver(ds)
	return out, nil
}

// Select implements remote.Store.
func (l *Link) Select(ctx context.Context, table race.Table, teamID string) ([]remote.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.check("select"); err != nil {
		return nil, err
	}
	l.server.mu.Lock()
	defer l.server.mu.Unlock()
	return l.server.selectLocked(table, teamID), nil
}

// Fetch implements remote.Store.
func (l *Link) Fetch(ctx context.Context, table race.Table, id string) (remote.Record, error) {
	if err := ctx.Err(); err != nil {
		return remote.Record{}, err
	}
	if err := l.check("fetch"); err != nil {
		return remote.Record{}, err
	}
	rec, ok := l.server.Record(table, id)
	if !ok {
		return remote.Record{}, fmt.Errorf("fetch %s/%s: %w", table, id, remote.ErrNotFound)
	}
	return rec, nil
}

// Subscribe implements remote.Store. The returned subscription reports
// SUBSCRIBED immediately.
func (l *Link) Subscribe(ctx context.Context, table race.Table, teamID string, h remote.Handler) (remote.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.check("subscribe"); err != nil {
		return nil, err
	}

	s := l.server
	s.mu.Lock()
	s.nextSub++
	sub := &subscriber{id: s.nextSub, table: table, teamID: teamID, handler: h, link: l}
	sub.feed = remote.NewFeed(func() {
		s.removeSub(sub.id)
		l.forget(sub)
	})
	s.subs[sub.id] = sub
	s.mu.Unlock()

	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()

	sub.feed.Push(remote.StatusSubscribed)
	return sub.feed, nil
}

func (l *Link) forget(sub *subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s == sub {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

// CreateTeam implements remote.Teams. The creator becomes captain.
func (l *Link) CreateTeam(ctx context.Context, name string, startTime race.Timestamp, deviceID string) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return remote.Session{}, err
	}
	if err := l.check("create team"); err != nil {
		return remote.Session{}, err
	}

	s := l.server
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids.Generate()
	team := remote.Team{
		ID:        id,
		Name:      strings.TrimSpace(name),
		JoinCode:  joinCode(id),
		StartTime: startTime,
	}
	s.teams[id] = team
	return remote.Session{TeamID: id, DeviceID: deviceID, Role: remote.RoleCaptain, Team: team}, nil
}

// JoinTeam implements remote.Teams.
func (l *Link) JoinTeam(ctx context.Context, code, deviceID string) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return remote.Session{}, err
	}
	if err := l.check("join team"); err != nil {
		return remote.Session{}, err
	}

	s := l.server
	s.mu.Lock()
	defer s.mu.Unlock()
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, team := range s.teams {
		if team.JoinCode == code {
			return remote.Session{TeamID: team.ID, DeviceID: deviceID, Role: remote.RoleMember, Team: team}, nil
		}
	}
	return remote.Session{}, fmt.Errorf("join team %q: %w", code, remote.ErrNotFound)
}

// UpdateTeam implements remote.Teams.
func (l *Link) UpdateTeam(ctx context.Context, team remote.Team) (remote.Team, error) {
	if err := ctx.Err(); err != nil {
		return remote.Team{}, err
	}
	if err := l.check("update team"); err != nil {
		return remote.Team{}, err
	}

	s := l.server
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.teams[team.ID]
	if !ok {
		return remote.Team{}, fmt.Errorf("update team %s: %w", team.ID, remote.ErrNotFound)
	}
	if name := strings.TrimSpace(team.Name); name != "" {
		cur.Name = name
	}
	cur.StartTime = team.StartTime
	s.teams[team.ID] = cur
	return cur, nil
}

// joinCode derives a short uppercase join code from a team id.
func joinCode(id string) string {
	code := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(code) > 6 {
		code = code[:6]
	}
	return code
}
