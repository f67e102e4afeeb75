package collab

import (
	"encoding/json"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"codehive.dev/collab/protocol"
)

// row-change feeds translate the transport's generic insert/update/
// delete notifications, scoped to one project, into typed domain
// events. Delete notifications must carry the full prior row (replica
// identity full on the backing table); when the prior row is missing
// the feed asks the consumer for a full authoritative re-fetch instead
// of applying a partial event.

type NodeFeedHandlers struct {
	// selfChange is true when the acting user is the local session.
	// Consumers suppress notifications for self changes - the actor
	// already saw their own optimistic result.
	OnInsert func(node *protocol.NodeRow, selfChange bool)
	// old is the prior row so the consumer can diff, e.g. a rename
	// versus a content edit
	OnUpdate func(node *protocol.NodeRow, old *protocol.NodeRow, selfChange bool)
	OnDelete func(old *protocol.NodeRow, selfChange bool)
	// payload integrity fallback
	OnRefetch func()
}

type NodeFeed struct {
	channel *Channel
	session *Session
}

func OpenNodeFeed(
	client *RealtimeClient,
	projectId uuid.UUID,
	session *Session,
	handlers *NodeFeedHandlers,
) *NodeFeed {
	feed := &NodeFeed{
		session: session,
	}
	feed.channel = client.OpenChannel(protocol.NodesChannel(projectId), &ChannelHandlers{
		OnRowChange: func(change *protocol.RowChange) {
			feed.handleChange(change, handlers)
		},
	})
	return feed
}

func (self *NodeFeed) handleChange(change *protocol.RowChange, handlers *NodeFeedHandlers) {
	refetch := func() {
		glog.Infof("[feed]nodes %s missing row payload, refetch\n", change.Type)
		if handlers.OnRefetch != nil {
			handlers.OnRefetch()
		}
	}

	switch change.Type {
	case protocol.ChangeInsert:
		node := &protocol.NodeRow{}
		if err := json.Unmarshal(change.New, node); err != nil || len(change.New) == 0 {
			refetch()
			return
		}
		if handlers.OnInsert != nil {
			handlers.OnInsert(node, node.CreatedBy == self.session.UserId)
		}
	case protocol.ChangeUpdate:
		node := &protocol.NodeRow{}
		if err := json.Unmarshal(change.New, node); err != nil || len(change.New) == 0 {
			refetch()
			return
		}
		old := &protocol.NodeRow{}
		if err := json.Unmarshal(change.Old, old); err != nil || len(change.Old) == 0 {
			refetch()
			return
		}
		if handlers.OnUpdate != nil {
			handlers.OnUpdate(node, old, node.UpdatedBy == self.session.UserId)
		}
	case protocol.ChangeDelete:
		old := &protocol.NodeRow{}
		if err := json.Unmarshal(change.Old, old); err != nil || len(change.Old) == 0 {
			refetch()
			return
		}
		selfChange := old.DeletedBy != nil && *old.DeletedBy == self.session.UserId
		if handlers.OnDelete != nil {
			handlers.OnDelete(old, selfChange)
		}
	default:
		glog.V(1).Infof("[feed]nodes unknown change type %s\n", change.Type)
	}
}

func (self *NodeFeed) Close() {
	self.channel.Close()
}

type MemberFeedHandlers struct {
	OnInsert func(member *protocol.MemberRow, selfChange bool)
	OnUpdate func(member *protocol.MemberRow, old *protocol.MemberRow)
	OnDelete func(old *protocol.MemberRow)
	// the deleted member is the local session. The local client has
	// just lost authorization: the consumer must stop realtime
	// participation for the project, clear state, and present the
	// terminal removed ui. Called instead of OnDelete.
	OnSelfRemoved func()
	OnRefetch     func()
}

type MemberFeed struct {
	channel *Channel
	session *Session
}

func OpenMemberFeed(
	client *RealtimeClient,
	projectId uuid.UUID,
	session *Session,
	handlers *MemberFeedHandlers,
) *MemberFeed {
	feed := &MemberFeed{
		session: session,
	}
	feed.channel = client.OpenChannel(protocol.MembersChannel(projectId), &ChannelHandlers{
		OnRowChange: func(change *protocol.RowChange) {
			feed.handleChange(change, handlers)
		},
	})
	return feed
}

func (self *MemberFeed) handleChange(change *protocol.RowChange, handlers *MemberFeedHandlers) {
	refetch := func() {
		glog.Infof("[feed]members %s missing row payload, refetch\n", change.Type)
		if handlers.OnRefetch != nil {
			handlers.OnRefetch()
		}
	}

	switch change.Type {
	case protocol.ChangeInsert:
		member := &protocol.MemberRow{}
		if err := json.Unmarshal(change.New, member); err != nil || len(change.New) == 0 {
			refetch()
			return
		}
		if handlers.OnInsert != nil {
			handlers.OnInsert(member, member.UserId == self.session.UserId)
		}
	case protocol.ChangeUpdate:
		member := &protocol.MemberRow{}
		if err := json.Unmarshal(change.New, member); err != nil || len(change.New) == 0 {
			refetch()
			return
		}
		old := &protocol.MemberRow{}
		if err := json.Unmarshal(change.Old, old); err != nil || len(change.Old) == 0 {
			refetch()
			return
		}
		if handlers.OnUpdate != nil {
			handlers.OnUpdate(member, old)
		}
	case protocol.ChangeDelete:
		old := &protocol.MemberRow{}
		if err := json.Unmarshal(change.Old, old); err != nil || len(change.Old) == 0 {
			refetch()
			return
		}
		if old.UserId == self.session.UserId {
			if handlers.OnSelfRemoved != nil {
				handlers.OnSelfRemoved()
			}
			return
		}
		if handlers.OnDelete != nil {
			handlers.OnDelete(old)
		}
	default:
		glog.V(1).Infof("[feed]members unknown change type %s\n", change.Type)
	}
}

func (self *MemberFeed) Close() {
	self.channel.Close()
}
