package queue

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/relaysync/internal/race"
)

// Change is one pending remote mutation.
type Change struct {
	ID          string          `json:"id"`
	Table       race.Table      `json:"table"`
	RemoteID    string          `json:"remote_id"`
	LocalID     int             `json:"local_id,omitempty"`
	Payload     race.Payload    `json:"payload"`
	Timestamp   race.Timestamp  `json:"timestamp"`
	DeviceID    string          `json:"device_id"`
	RetryCount  int             `json:"retry_count"`
	LastAttempt *race.Timestamp `json:"last_attempt,omitempty"`
	Priority    bool            `json:"priority,omitempty"`
}

// Validate checks the structural soundness of a change, as read back from
// durable storage.
func (c Change) Validate() error {
	switch {
	case c.ID == "":
		return &race.StructuralError{Message: "queue entry without id"}
	case !c.Table.Valid():
		return &race.StructuralError{Message: fmt.Sprintf("queue entry %s: unknown table %q", c.ID, c.Table)}
	case c.RemoteID == "":
		return &race.StructuralError{Message: fmt.Sprintf("queue entry %s: missing remote id", c.ID)}
	case len(c.Payload) == 0:
		return &race.StructuralError{Message: fmt.Sprintf("queue entry %s: empty payload", c.ID)}
	case c.RetryCount < 0:
		return &race.StructuralError{Message: fmt.Sprintf("queue entry %s: negative retry count", c.ID)}
	}
	for _, f := range c.Payload.TimeFields() {
		if _, _, err := c.Payload.Time(f); err != nil {
			return fmt.Errorf("queue entry %s: %w", c.ID, err)
		}
	}
	return nil
}

// Clone returns a copy of c with its own payload map.
func (c Change) Clone() Change {
	c.Payload = c.Payload.Clone()
	if c.LastAttempt != nil {
		c.LastAttempt = race.TimePtr(*c.LastAttempt)
	}
	return c
}

// HasField reports whether the change writes the given column.
func (c Change) HasField(column string) bool {
	return c.Payload.Has(column)
}

// IDGenerator generates unique queue entry ids.
// Implemented by UUIDv7Generator (production) and testutil.SequenceIDs (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 entry ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
