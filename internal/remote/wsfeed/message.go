// Package wsfeed relays remote change notifications over websockets.
//
// Hub runs next to the remote store and fans its subscriptions out to
// websocket clients; Subscriber is the client side and satisfies the
// Subscribe half of remote.Store, so devices can follow a team's changes
// without holding a database connection each.
package wsfeed

import (
	"encoding/json"

	"github.com/roach88/relaysync/internal/race"
	"github.com/roach88/relaysync/internal/remote"
)

// Message types.
const (
	TypeSubscribe  = "subscribe"
	TypeSubscribed = "subscribed"
	TypeChange     = "change"
	TypeStatus     = "status"
	TypeError      = "error"
)

// Message is the JSON envelope exchanged over the socket.
type Message struct {
	Type   string          `json:"type"`
	Table  race.Table      `json:"table,omitempty"`
	TeamID string          `json:"team_id,omitempty"`
	Change json.RawMessage `json:"change,omitempty"`
	Status remote.Status   `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func changeMessage(c remote.Change) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: TypeChange, Change: data})
}
