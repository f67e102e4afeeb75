package collab

import (
	"time"

	"github.com/google/uuid"

	"codehive.dev/collab/protocol"
)

// PresenceTracker maintains the live roster of participants in one
// project. The hub synchronizes the full current roster to every
// subscriber on any join or leave - never incremental deltas - so a
// missed event after a reconnect cannot leave the roster drifted. The
// O(n) roster re-send per change is acceptable at project-collaborator
// scale.
type PresenceTracker struct {
	channel        *Channel
	onRosterChange func(roster []*protocol.PresenceInfo)
}

func TrackPresence(
	client *RealtimeClient,
	projectId uuid.UUID,
	session *Session,
	onRosterChange func(roster []*protocol.PresenceInfo),
) *PresenceTracker {
	tracker := &PresenceTracker{
		onRosterChange: onRosterChange,
	}
	tracker.channel = client.OpenChannel(protocol.PresenceChannel(projectId), &ChannelHandlers{
		OnPresenceSync: func(roster []*protocol.PresenceInfo) {
			if tracker.onRosterChange != nil {
				tracker.onRosterChange(roster)
			}
		},
	})
	// announced once the channel reaches subscribed, and re-announced
	// after every rejoin
	tracker.channel.Track(&protocol.PresenceInfo{
		UserId:    session.UserId,
		Username:  session.Username,
		AvatarUrl: session.AvatarUrl,
		OnlineAt:  time.Now().UnixMilli(),
	})
	return tracker
}

// Close clears the local roster view immediately rather than waiting
// for the transport to confirm the leave. A disconnecting client must
// not show stale self-presence.
func (self *PresenceTracker) Close() {
	if self.onRosterChange != nil {
		self.onRosterChange([]*protocol.PresenceInfo{})
	}
	self.channel.Close()
}
