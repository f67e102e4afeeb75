// Package collab is the realtime collaboration core for codehive
// workspaces: one multiplexed connection to the realtime hub, logical
// channels for row-change feeds, presence, per-file collaboration
// broadcasts and chat, and a local reconciliation store that both
// optimistic local actions and remote events funnel through.
package collab

import (
	"github.com/oklog/ulid/v2"
)

// comparable
// instance identity for client-side objects, used to tell sessions
// apart in logs. Persisted entities use the uuid strings assigned by
// the workspace api.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
