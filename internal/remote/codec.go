package remote

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/relaysync/internal/race"
)

// DecodeChange parses a JSON change notification, keeping integer payload
// columns as int64.
func DecodeChange(data []byte) (Change, error) {
	var raw struct {
		Type   EventType `json:"type"`
		Record struct {
			Table        race.Table      `json:"table"`
			ID           string          `json:"id"`
			TeamID       string          `json:"team_id"`
			Payload      json.RawMessage `json:"payload"`
			LastModified race.Timestamp  `json:"last_modified"`
			UpdatedBy    string          `json:"updated_by"`
		} `json:"record"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Change{}, &race.StructuralError{Message: fmt.Sprintf("decode change: %v", err)}
	}
	if raw.Record.ID == "" {
		return Change{}, &race.StructuralError{Message: "decode change: record without id"}
	}
	if !raw.Record.Table.Valid() {
		return Change{}, &race.StructuralError{Message: fmt.Sprintf("decode change: unknown table %q", raw.Record.Table)}
	}
	p := race.Payload{}
	if len(raw.Record.Payload) > 0 && string(raw.Record.Payload) != "null" {
		var err error
		if p, err = race.DecodePayload(raw.Record.Payload); err != nil {
			return Change{}, err
		}
	}
	return Change{
		Type: raw.Type,
		Record: Record{
			Table:        raw.Record.Table,
			ID:           raw.Record.ID,
			TeamID:       raw.Record.TeamID,
			Payload:      p,
			LastModified: raw.Record.LastModified,
			UpdatedBy:    raw.Record.UpdatedBy,
		},
	}, nil
}
