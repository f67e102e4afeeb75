package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"codehive.dev/collab/protocol"
)

// Notifier receives transient user-visible notifications for non-fatal
// remote events (someone created a file, a send failed). Access-loss
// conditions do not go through the notifier; they surface as the
// terminal removed signal.
type Notifier interface {
	Notify(message string)
}

type WorkspaceSettings struct {
	// quiet period between a local edit and the persisted content save
	ContentSaveDebounce time.Duration
}

func DefaultWorkspaceSettings() *WorkspaceSettings {
	return &WorkspaceSettings{
		ContentSaveDebounce: 2 * time.Second,
	}
}

type contentSave struct {
	nodeId  uuid.UUID
	content string
}

// Workspace composes the realtime core for one entered project: the
// authoritative snapshot fetches, the row-change feeds, presence, and
// the reconciliation store. One instance per entered project, created
// at workspace start and closed at teardown.
type Workspace struct {
	ctx    context.Context
	cancel context.CancelFunc

	client  *RealtimeClient
	api     *WorkspaceApi
	session *Session

	projectId uuid.UUID

	store    *WorkspaceStore
	notifier Notifier

	settings *WorkspaceSettings

	nodeFeed   *NodeFeed
	memberFeed *MemberFeed
	presence   *PresenceTracker

	saveCoalescer *Coalescer[*contentSave]

	mutex         sync.Mutex
	roster        []*protocol.PresenceInfo
	rosterMonitor *Monitor
}

// EnterWorkspace fetches the authoritative snapshots (project, node
// tree, member list) and then enables the realtime feeds and presence.
// onRemoved fires exactly once if the local session is removed from
// the project; notifier may be nil.
func EnterWorkspace(
	ctx context.Context,
	client *RealtimeClient,
	api *WorkspaceApi,
	session *Session,
	projectId uuid.UUID,
	notifier Notifier,
	onRemoved func(),
	settings *WorkspaceSettings,
) (*Workspace, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	workspace := &Workspace{
		ctx:           cancelCtx,
		cancel:        cancel,
		client:        client,
		api:           api,
		session:       session,
		projectId:     projectId,
		notifier:      notifier,
		settings:      settings,
		rosterMonitor: NewMonitor(),
	}
	workspace.store = NewWorkspaceStore(func() {
		workspace.teardownRealtime()
		if onRemoved != nil {
			onRemoved()
		}
	})
	workspace.saveCoalescer = NewCoalescer(settings.ContentSaveDebounce, workspace.persistContent)

	// snapshots before subscriptions. The feeds reconcile anything
	// that lands in between via idempotent applies and re-fetch.
	if err := workspace.fetchProject(); err != nil {
		cancel()
		return nil, err
	}
	if err := workspace.refetchNodes(); err != nil {
		cancel()
		return nil, err
	}
	if err := workspace.refetchMembers(); err != nil {
		cancel()
		return nil, err
	}

	workspace.nodeFeed = OpenNodeFeed(client, projectId, session, &NodeFeedHandlers{
		OnInsert: workspace.handleNodeInsert,
		OnUpdate: workspace.handleNodeUpdate,
		OnDelete: workspace.handleNodeDelete,
		OnRefetch: func() {
			workspace.refetchNodes()
		},
	})
	workspace.memberFeed = OpenMemberFeed(client, projectId, session, &MemberFeedHandlers{
		OnInsert: workspace.handleMemberInsert,
		OnUpdate: func(member *protocol.MemberRow, old *protocol.MemberRow) {
			workspace.store.ApplyMemberUpdated(member)
		},
		OnDelete: workspace.handleMemberDelete,
		OnSelfRemoved: func() {
			workspace.store.RemoveSelf()
		},
		OnRefetch: func() {
			workspace.refetchMembers()
		},
	})
	workspace.presence = TrackPresence(client, projectId, session, workspace.handleRoster)

	return workspace, nil
}

func EnterWorkspaceWithDefaults(
	ctx context.Context,
	client *RealtimeClient,
	api *WorkspaceApi,
	session *Session,
	projectId uuid.UUID,
	notifier Notifier,
	onRemoved func(),
) (*Workspace, error) {
	return EnterWorkspace(ctx, client, api, session, projectId, notifier, onRemoved, DefaultWorkspaceSettings())
}

func (self *Workspace) Store() *WorkspaceStore {
	return self.store
}

func (self *Workspace) fetchProject() error {
	callback, result := NewBlockingApiCallback[*GetProjectResult](self.ctx)
	self.api.GetProject(self.projectId, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			return r.Error
		}
		self.store.SetProject(r.Result.Project)
		return nil
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *Workspace) refetchNodes() error {
	callback, result := NewBlockingApiCallback[*ListNodesResult](self.ctx)
	self.api.ListNodes(self.projectId, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			glog.Infof("[ws]node refetch error = %s\n", r.Error)
			return r.Error
		}
		self.store.ReconcileNodes(r.Result.Nodes)
		return nil
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *Workspace) refetchMembers() error {
	callback, result := NewBlockingApiCallback[*ListMembersResult](self.ctx)
	self.api.ListMembers(self.projectId, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			glog.Infof("[ws]member refetch error = %s\n", r.Error)
			return r.Error
		}
		self.store.ReconcileMembers(r.Result.Members)
		return nil
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *Workspace) notify(format string, a ...any) {
	if self.notifier != nil {
		self.notifier.Notify(fmt.Sprintf(format, a...))
	}
}

func (self *Workspace) handleNodeInsert(node *protocol.NodeRow, selfChange bool) {
	self.store.ApplyNodeInserted(node)
	if !selfChange {
		// the actor already saw their own optimistic result
		actor := self.memberName(node.CreatedBy)
		self.notify("%s created %s \"%s\"", actor, node.Type, node.Name)
	}
}

func (self *Workspace) handleNodeUpdate(node *protocol.NodeRow, old *protocol.NodeRow, selfChange bool) {
	self.store.ApplyNodeUpdated(node)
	if selfChange {
		return
	}
	// a rename is worth a distinct notification; content edits are
	// continuous and would spam
	if old.Name != node.Name {
		actor := self.memberName(node.UpdatedBy)
		self.notify("%s renamed \"%s\" to \"%s\"", actor, old.Name, node.Name)
	}
}

func (self *Workspace) handleNodeDelete(old *protocol.NodeRow, selfChange bool) {
	self.store.ApplyNodeDeleted(old.NodeId)
	if !selfChange {
		self.notify("%s \"%s\" was deleted", old.Type, old.Name)
	}
}

func (self *Workspace) handleMemberInsert(member *protocol.MemberRow, selfChange bool) {
	self.store.ApplyMemberInserted(member)
	if !selfChange {
		self.notify("%s joined the project", member.Username)
	}
}

func (self *Workspace) handleMemberDelete(old *protocol.MemberRow) {
	self.store.ApplyMemberDeleted(old.UserId)
	self.notify("%s left the project", old.Username)
}

func (self *Workspace) memberName(userId uuid.UUID) string {
	for _, member := range self.store.Members() {
		if member.UserId == userId {
			return member.Username
		}
	}
	return "someone"
}

func (self *Workspace) handleRoster(roster []*protocol.PresenceInfo) {
	self.mutex.Lock()
	self.roster = roster
	self.mutex.Unlock()
	self.rosterMonitor.NotifyAll()
}

// Roster is the live presence roster, full snapshot as of the last sync
func (self *Workspace) Roster() []*protocol.PresenceInfo {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.roster)
}

func (self *Workspace) RosterMonitor() *Monitor {
	return self.rosterMonitor
}

// CreateNode persists the node and applies it optimistically. The feed
// echo for the same id is dropped by the idempotent insert.
func (self *Workspace) CreateNode(ctx context.Context, args *CreateNodeArgs) (*protocol.NodeRow, error) {
	if self.store.Removed() {
		return nil, ErrRemoved
	}
	callback, result := NewBlockingApiCallback[*CreateNodeResult](ctx)
	self.api.CreateNode(self.projectId, args, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			return nil, r.Error
		}
		self.store.ApplyNodeInserted(r.Result.Node)
		return r.Result.Node, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *Workspace) RenameNode(ctx context.Context, nodeId uuid.UUID, name string) (*protocol.NodeRow, error) {
	if self.store.Removed() {
		return nil, ErrRemoved
	}
	callback, result := NewBlockingApiCallback[*RenameNodeResult](ctx)
	self.api.RenameNode(nodeId, &RenameNodeArgs{
		Name: name,
	}, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			return nil, r.Error
		}
		self.store.ApplyNodeUpdated(r.Result.Node)
		return r.Result.Node, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ScheduleContentSave coalesces rapid local edits into one persisted
// save per quiet period. The newest content wins.
func (self *Workspace) ScheduleContentSave(nodeId uuid.UUID, content string) {
	self.saveCoalescer.Set(&contentSave{
		nodeId:  nodeId,
		content: content,
	})
}

func (self *Workspace) persistContent(save *contentSave) {
	callback, result := NewBlockingApiCallback[*SaveNodeContentResult](self.ctx)
	self.api.SaveNodeContent(save.nodeId, &SaveNodeContentArgs{
		Content: save.content,
	}, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			glog.Infof("[ws]content save error = %s\n", r.Error)
			self.notify("failed to save file")
			return
		}
		self.store.ApplyNodeUpdated(r.Result.Node)
	case <-self.ctx.Done():
	}
}

// DeleteNode removes the subtree optimistically and persists the
// delete; the server cascades and the feed announces each removed
// node, which the store then no-ops.
func (self *Workspace) DeleteNode(ctx context.Context, nodeId uuid.UUID) error {
	if self.store.Removed() {
		return ErrRemoved
	}
	self.store.DeleteNodeSubtree(nodeId)

	callback, result := NewBlockingApiCallback[*DeleteNodeResult](ctx)
	self.api.DeleteNode(nodeId, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			// the optimistic removal was wrong; restore from the
			// authoritative list
			self.refetchNodes()
			return r.Error
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *Workspace) RemoveMember(ctx context.Context, userId uuid.UUID) error {
	if self.store.Removed() {
		return ErrRemoved
	}
	callback, result := NewBlockingApiCallback[*RemoveMemberResult](ctx)
	self.api.RemoveMember(self.projectId, userId, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			return r.Error
		}
		self.store.ApplyMemberDeleted(userId)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenFile opens the collaboration session for one file. Opening the
// same file twice reuses the underlying channel.
func (self *Workspace) OpenFile(
	fileId uuid.UUID,
	canBroadcast bool,
	handlers *FileSessionHandlers,
) *FileSession {
	return OpenFileSessionWithDefaults(self.client, self.projectId, fileId, self.session, canBroadcast, handlers)
}

func (self *Workspace) OpenChat(ctx context.Context, handlers *ChatPanelHandlers) (*ChatPanel, error) {
	return OpenChatPanel(ctx, self.client, self.api, self.projectId, self.session, handlers)
}

func (self *Workspace) teardownRealtime() {
	if self.presence != nil {
		self.presence.Close()
	}
	if self.nodeFeed != nil {
		self.nodeFeed.Close()
	}
	if self.memberFeed != nil {
		self.memberFeed.Close()
	}
	self.client.CloseChannel(protocol.ChatChannel(self.projectId))
	self.saveCoalescer.Close()
}

// Close disposes the workspace. The realtime client is owned by the
// caller and stays up for other workspaces.
func (self *Workspace) Close() {
	self.teardownRealtime()
	self.cancel()
}
