// Package remote defines the contract of the authoritative remote store
// shared by every device of a team.
//
// The remote arbitrates concurrent writes with a per-record lastModified
// timestamp: Update succeeds only when the caller's expected lastModified
// matches the stored one, otherwise ErrVersionConflict is returned and the
// caller must refetch. Adapters map transport failures onto ErrUnavailable.
//
// Implementations: memstore (in-process, tests and local simulation),
// pgstore (Postgres through bun), wsfeed (websocket change feed).
package remote

import (
	"context"
	"errors"

	"github.com/roach88/relaysync/internal/race"
)

var (
	// ErrVersionConflict means the record changed since the caller's
	// expected lastModified (zero rows updated).
	ErrVersionConflict = errors.New("remote: version conflict")

	// ErrNotFound means no record has the requested id.
	ErrNotFound = errors.New("remote: not found")

	// ErrUnavailable means the remote could not be reached.
	ErrUnavailable = errors.New("remote: unavailable")
)

// Record is one runner or leg row as stored remotely.
type Record struct {
	Table        race.Table     `json:"table"`
	ID           string         `json:"id"`
	TeamID       string         `json:"team_id"`
	Payload      race.Payload   `json:"payload"`
	LastModified race.Timestamp `json:"last_modified"`
	UpdatedBy    string         `json:"updated_by,omitempty"`
}

// Clone returns a copy of r with its own payload map.
func (r Record) Clone() Record {
	r.Payload = r.Payload.Clone()
	return r
}

// LocalID returns the local_id column, or 0 when absent.
func (r Record) LocalID() int {
	v, ok := r.Payload[race.ColLocalID]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// UpdateRequest is a conditional partial update of one record.
type UpdateRequest struct {
	Table    race.Table
	ID       string
	TeamID   string
	Payload  race.Payload
	DeviceID string
	// ExpectedLastModified guards the write. Nil writes unconditionally.
	ExpectedLastModified *race.Timestamp
}

// EventType is the kind of row change delivered by a subscription.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Change is a realtime row change notification.
type Change struct {
	Type   EventType `json:"type"`
	Record Record    `json:"record"`
}

// Status is the lifecycle state of a realtime subscription.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusClosed       Status = "CLOSED"
)

// Failed reports whether the status ends the subscription.
func (s Status) Failed() bool {
	return s == StatusTimedOut || s == StatusChannelError || s == StatusClosed
}

// Handler receives realtime changes. Handlers must not block for long.
type Handler func(Change)

// Subscription is a live change feed for one table.
type Subscription interface {
	// Status delivers lifecycle transitions. It is closed after the
	// subscription ends.
	Status() <-chan Status
	Close() error
}

// Store is the remote record store.
type Store interface {
	Update(ctx context.Context, req UpdateRequest) (Record, error)
	Upsert(ctx context.Context, table race.Table, records []Record) ([]Record, error)
	Select(ctx context.Context, table race.Table, teamID string) ([]Record, error)
	Fetch(ctx context.Context, table race.Table, id string) (Record, error)
	Subscribe(ctx context.Context, table race.Table, teamID string, h Handler) (Subscription, error)
}

// Roles.
const (
	RoleCaptain = "captain"
	RoleMember  = "member"
)

// Team is the remote team metadata.
type Team struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	JoinCode  string         `json:"join_code"`
	StartTime race.Timestamp `json:"start_time"`
}

// Session is the result of creating or joining a team.
type Session struct {
	TeamID   string `json:"team_id"`
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	Team     Team   `json:"team"`
}

// Teams manages team membership.
type Teams interface {
	CreateTeam(ctx context.Context, name string, startTime race.Timestamp, deviceID string) (Session, error)
	JoinTeam(ctx context.Context, joinCode, deviceID string) (Session, error)
	UpdateTeam(ctx context.Context, team Team) (Team, error)
}

// IsUnavailable reports whether err is (or wraps) ErrUnavailable or a
// context deadline.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
