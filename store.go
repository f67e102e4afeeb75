package collab

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"codehive.dev/collab/protocol"
)

// WorkspaceStore is the single in-memory source of truth for the
// project, its node tree and its member list. Local optimistic actions
// and remote feed events funnel through the same apply entry points,
// so convergence does not depend on where an event originated.
//
// Conflict policy is last-writer-wins on the row update timestamp: an
// update replaces the entity wholesale, no field-level merge. That is
// appropriate for low-conflict file trees; concurrent same-file text
// editing is handled by the file collaboration channel instead.
type WorkspaceStore struct {
	mutex sync.Mutex

	project *protocol.ProjectRow
	nodes   map[uuid.UUID]*protocol.NodeRow
	members map[uuid.UUID]*protocol.MemberRow

	removed   bool
	onRemoved func()

	changeMonitor *Monitor
}

// onRemoved fires exactly once, when the local session is removed from
// the project. May be nil.
func NewWorkspaceStore(onRemoved func()) *WorkspaceStore {
	return &WorkspaceStore{
		nodes:         map[uuid.UUID]*protocol.NodeRow{},
		members:       map[uuid.UUID]*protocol.MemberRow{},
		onRemoved:     onRemoved,
		changeMonitor: NewMonitor(),
	}
}

// ChangeMonitor notifies on every applied mutation. The ui re-renders
// from the store when signaled.
func (self *WorkspaceStore) ChangeMonitor() *Monitor {
	return self.changeMonitor
}

func (self *WorkspaceStore) SetProject(project *protocol.ProjectRow) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	self.project = project
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

func (self *WorkspaceStore) Project() *protocol.ProjectRow {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.project
}

// ReconcileNodes replaces the node list with a full authoritative
// fetch. This is the fallback for missing delete payloads and the
// resolution for children orphaned by a remote folder delete.
func (self *WorkspaceStore) ReconcileNodes(nodes []*protocol.NodeRow) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	maps.Clear(self.nodes)
	for _, node := range nodes {
		self.nodes[node.NodeId] = node
	}
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

// ApplyNodeInserted is idempotent: an optimistic local insert and the
// remote confirmation for the same id can race, and the second arrival
// is ignored rather than appended twice.
func (self *WorkspaceStore) ApplyNodeInserted(node *protocol.NodeRow) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	if _, ok := self.nodes[node.NodeId]; ok {
		// duplicate id
		self.mutex.Unlock()
		return
	}
	self.nodes[node.NodeId] = node
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

// ApplyNodeUpdated replaces the node wholesale. A row older than the
// locally held one (by update timestamp) is stale and ignored; an
// unknown id upserts.
func (self *WorkspaceStore) ApplyNodeUpdated(node *protocol.NodeRow) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	if existing, ok := self.nodes[node.NodeId]; ok {
		if node.UpdateTime.Before(existing.UpdateTime) {
			self.mutex.Unlock()
			return
		}
	}
	self.nodes[node.NodeId] = node
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

// ApplyNodeDeleted removes only the announced node. Children of a
// remotely deleted folder are left orphaned until `ReconcileNodes`
// runs - the authoritative feed announces one delete per removed node,
// and a re-fetch covers the case where it does not.
func (self *WorkspaceStore) ApplyNodeDeleted(nodeId uuid.UUID) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	if _, ok := self.nodes[nodeId]; !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.nodes, nodeId)
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

// DeleteNodeSubtree is the optimistic local delete: the actor removes
// the node and all descendants immediately without waiting for the
// cascade events.
func (self *WorkspaceStore) DeleteNodeSubtree(nodeId uuid.UUID) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	if _, ok := self.nodes[nodeId]; !ok {
		self.mutex.Unlock()
		return
	}
	removeIds := map[uuid.UUID]bool{
		nodeId: true,
	}
	// walk until no new descendants are found
	for {
		grew := false
		for _, node := range self.nodes {
			if node.ParentId == nil || removeIds[node.NodeId] {
				continue
			}
			if removeIds[*node.ParentId] {
				removeIds[node.NodeId] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}
	for removeId := range removeIds {
		delete(self.nodes, removeId)
	}
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

func (self *WorkspaceStore) Node(nodeId uuid.UUID) *protocol.NodeRow {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.nodes[nodeId]
}

// Nodes returns the node list ordered folders first, then by name
func (self *WorkspaceStore) Nodes() []*protocol.NodeRow {
	self.mutex.Lock()
	nodes := maps.Values(self.nodes)
	self.mutex.Unlock()

	slices.SortFunc(nodes, func(a *protocol.NodeRow, b *protocol.NodeRow) int {
		if a.Type != b.Type {
			if a.Type == protocol.NodeTypeFolder {
				return -1
			}
			return 1
		}
		if a.Name < b.Name {
			return -1
		} else if b.Name < a.Name {
			return 1
		}
		return 0
	})
	return nodes
}

func (self *WorkspaceStore) ReconcileMembers(members []*protocol.MemberRow) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	maps.Clear(self.members)
	for _, member := range members {
		self.members[member.UserId] = member
	}
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

func (self *WorkspaceStore) ApplyMemberInserted(member *protocol.MemberRow) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	if _, ok := self.members[member.UserId]; ok {
		self.mutex.Unlock()
		return
	}
	self.members[member.UserId] = member
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

func (self *WorkspaceStore) ApplyMemberUpdated(member *protocol.MemberRow) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	self.members[member.UserId] = member
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

func (self *WorkspaceStore) ApplyMemberDeleted(userId uuid.UUID) {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	if _, ok := self.members[userId]; !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.members, userId)
	self.mutex.Unlock()
	self.changeMonitor.NotifyAll()
}

func (self *WorkspaceStore) Members() []*protocol.MemberRow {
	self.mutex.Lock()
	members := maps.Values(self.members)
	self.mutex.Unlock()

	slices.SortFunc(members, func(a *protocol.MemberRow, b *protocol.MemberRow) int {
		// owner first, then join order
		if a.Role != b.Role {
			if a.Role == protocol.RoleOwner {
				return -1
			}
			return 1
		}
		return a.JoinTime.Compare(b.JoinTime)
	})
	return members
}

// RemoveSelf transitions the store to the terminal removed state: all
// local state is cleared, every later apply is a no-op, and the
// removed signal fires exactly once.
func (self *WorkspaceStore) RemoveSelf() {
	self.mutex.Lock()
	if self.removed {
		self.mutex.Unlock()
		return
	}
	self.removed = true
	self.project = nil
	maps.Clear(self.nodes)
	maps.Clear(self.members)
	onRemoved := self.onRemoved
	self.mutex.Unlock()

	if onRemoved != nil {
		onRemoved()
	}
	self.changeMonitor.NotifyAll()
}

func (self *WorkspaceStore) Removed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.removed
}
