package syncer

import (
	"errors"
	"fmt"

	"github.com/roach88/relaysync/internal/remote"
)

// Identity scopes a sync session to one device of one team.
type Identity struct {
	TeamID   string `json:"team_id"`
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
}

// Validate checks that the identity can scope remote calls.
func (id Identity) Validate() error {
	if id.TeamID == "" {
		return errors.New("identity: team id is required")
	}
	if id.DeviceID == "" {
		return errors.New("identity: device id is required")
	}
	switch id.Role {
	case "", remote.RoleCaptain, remote.RoleMember:
		return nil
	default:
		return fmt.Errorf("identity: unknown role %q", id.Role)
	}
}

// IdentityFromSession builds the identity returned by a create or join.
func IdentityFromSession(s remote.Session) Identity {
	return Identity{TeamID: s.TeamID, DeviceID: s.DeviceID, Role: s.Role}
}
