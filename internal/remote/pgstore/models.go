package pgstore

import (
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// recordModel stores runners and legs in one table keyed by (table_name, id).
type recordModel struct {
	bun.BaseModel `bun:"table:relay_records,alias:rr"`

	TableName    string          `bun:"table_name,pk" json:"table_name"`
	ID           string          `bun:"id,pk" json:"id"`
	TeamID       string          `bun:"team_id,notnull" json:"team_id"`
	Payload      json.RawMessage `bun:"payload,type:jsonb,notnull" json:"payload"`
	LastModified int64           `bun:"last_modified,notnull" json:"last_modified"`
	UpdatedBy    string          `bun:"updated_by,notnull,default:''" json:"updated_by"`

	Inserted bool `bun:"inserted,scanonly" json:"-"`
}

// teamModel stores team metadata.
type teamModel struct {
	bun.BaseModel `bun:"table:relay_teams,alias:tm"`

	ID        string `bun:"id,pk" json:"id"`
	Name      string `bun:"name,notnull" json:"name"`
	JoinCode  string `bun:"join_code,notnull,unique" json:"join_code"`
	StartTime int64  `bun:"start_time,notnull,default:0" json:"start_time"`
}

func toModel(table race.Table, r remote.Record) (*recordModel, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload %s/%s: %w", table, r.ID, err)
	}
	return &recordModel{
		TableName:    string(table),
		ID:           r.ID,
		TeamID:       r.TeamID,
		Payload:      payload,
		LastModified: int64(r.LastModified),
		UpdatedBy:    r.UpdatedBy,
	}, nil
}

func (m *recordModel) record() (remote.Record, error) {
	p, err := race.DecodePayload(m.Payload)
	if err != nil {
		return remote.Record{}, fmt.Errorf("record %s/%s: %w", m.TableName, m.ID, err)
	}
	return remote.Record{
		Table:        race.Table(m.TableName),
		ID:           m.ID,
		TeamID:       m.TeamID,
		Payload:      p,
		LastModified: race.Timestamp(m.LastModified),
		UpdatedBy:    m.UpdatedBy,
	}, nil
}

func (m *teamModel) team() remote.Team {
	return remote.Team{
		ID:        m.ID,
		Name:      m.Name,
		JoinCode:  m.JoinCode,
		StartTime: race.Timestamp(m.StartTime),
	}
}
