package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"

	"codehive.dev/collab/protocol"
)

func testNode(projectId uuid.UUID, parentId *uuid.UUID, name string, nodeType protocol.NodeType) *protocol.NodeRow {
	now := time.Now().UTC()
	return &protocol.NodeRow{
		NodeId:     uuid.New(),
		ProjectId:  projectId,
		ParentId:   parentId,
		Name:       name,
		Type:       nodeType,
		CreateTime: now,
		UpdateTime: now,
	}
}

func TestStoreInsertIdempotent(t *testing.T) {
	store := NewWorkspaceStore(nil)
	projectId := uuid.New()

	node := testNode(projectId, nil, "main.go", protocol.NodeTypeFile)
	store.ApplyNodeInserted(node)
	// the optimistic apply and the feed echo carry the same id
	store.ApplyNodeInserted(node)

	assert.Equal(t, 1, len(store.Nodes()))
}

func TestStoreUpdateLastWriterWins(t *testing.T) {
	store := NewWorkspaceStore(nil)
	projectId := uuid.New()

	node := testNode(projectId, nil, "main.go", protocol.NodeTypeFile)
	store.ApplyNodeInserted(node)

	newer := *node
	newer.Content = "package main"
	newer.UpdateTime = node.UpdateTime.Add(time.Second)
	store.ApplyNodeUpdated(&newer)
	assert.Equal(t, "package main", store.Node(node.NodeId).Content)

	// a stale row must not roll the content back
	stale := *node
	stale.Content = "old"
	stale.UpdateTime = node.UpdateTime.Add(-time.Second)
	store.ApplyNodeUpdated(&stale)
	assert.Equal(t, "package main", store.Node(node.NodeId).Content)

	// an unknown id upserts
	other := testNode(projectId, nil, "util.go", protocol.NodeTypeFile)
	store.ApplyNodeUpdated(other)
	assert.Equal(t, 2, len(store.Nodes()))
}

func TestStoreRemoteDeleteLeavesOrphans(t *testing.T) {
	store := NewWorkspaceStore(nil)
	projectId := uuid.New()

	folder := testNode(projectId, nil, "src", protocol.NodeTypeFolder)
	file := testNode(projectId, &folder.NodeId, "main.go", protocol.NodeTypeFile)
	store.ApplyNodeInserted(folder)
	store.ApplyNodeInserted(file)

	// a remote delete removes only the announced node. The cascade
	// events for descendants, or a reconcile, clean up the rest.
	store.ApplyNodeDeleted(folder.NodeId)
	assert.Equal(t, nil, store.Node(folder.NodeId))
	assert.NotEqual(t, nil, store.Node(file.NodeId))

	store.ReconcileNodes([]*protocol.NodeRow{})
	assert.Equal(t, 0, len(store.Nodes()))
}

func TestStoreDeleteSubtree(t *testing.T) {
	store := NewWorkspaceStore(nil)
	projectId := uuid.New()

	folder := testNode(projectId, nil, "src", protocol.NodeTypeFolder)
	nested := testNode(projectId, &folder.NodeId, "nested", protocol.NodeTypeFolder)
	file := testNode(projectId, &nested.NodeId, "main.go", protocol.NodeTypeFile)
	sibling := testNode(projectId, nil, "readme.md", protocol.NodeTypeFile)
	store.ApplyNodeInserted(folder)
	store.ApplyNodeInserted(nested)
	store.ApplyNodeInserted(file)
	store.ApplyNodeInserted(sibling)

	store.DeleteNodeSubtree(folder.NodeId)

	nodes := store.Nodes()
	assert.Equal(t, 1, len(nodes))
	assert.Equal(t, sibling.NodeId, nodes[0].NodeId)
}

func TestStoreNodesOrderedFoldersFirst(t *testing.T) {
	store := NewWorkspaceStore(nil)
	projectId := uuid.New()

	store.ApplyNodeInserted(testNode(projectId, nil, "zz.go", protocol.NodeTypeFile))
	store.ApplyNodeInserted(testNode(projectId, nil, "aa.go", protocol.NodeTypeFile))
	store.ApplyNodeInserted(testNode(projectId, nil, "src", protocol.NodeTypeFolder))

	nodes := store.Nodes()
	assert.Equal(t, "src", nodes[0].Name)
	assert.Equal(t, "aa.go", nodes[1].Name)
	assert.Equal(t, "zz.go", nodes[2].Name)
}

func TestStoreRemoveSelfTerminal(t *testing.T) {
	removedCount := 0
	store := NewWorkspaceStore(func() {
		removedCount += 1
	})
	projectId := uuid.New()

	store.SetProject(&protocol.ProjectRow{
		ProjectId: projectId,
		Name:      "demo",
	})
	store.ApplyNodeInserted(testNode(projectId, nil, "main.go", protocol.NodeTypeFile))
	store.ApplyMemberInserted(&protocol.MemberRow{
		ProjectId: projectId,
		UserId:    uuid.New(),
		Role:      protocol.RoleOwner,
	})

	store.RemoveSelf()
	assert.Equal(t, true, store.Removed())
	assert.Equal(t, 1, removedCount)
	assert.Equal(t, nil, store.Project())
	assert.Equal(t, 0, len(store.Nodes()))
	assert.Equal(t, 0, len(store.Members()))

	// the removed state is terminal: the signal fires once and every
	// later apply is a no-op
	store.RemoveSelf()
	assert.Equal(t, 1, removedCount)

	store.ApplyNodeInserted(testNode(projectId, nil, "late.go", protocol.NodeTypeFile))
	store.ReconcileNodes([]*protocol.NodeRow{
		testNode(projectId, nil, "late2.go", protocol.NodeTypeFile),
	})
	store.ApplyMemberInserted(&protocol.MemberRow{
		ProjectId: projectId,
		UserId:    uuid.New(),
	})
	assert.Equal(t, 0, len(store.Nodes()))
	assert.Equal(t, 0, len(store.Members()))
}

func TestStoreMembersOwnerFirst(t *testing.T) {
	store := NewWorkspaceStore(nil)
	projectId := uuid.New()
	now := time.Now().UTC()

	store.ApplyMemberInserted(&protocol.MemberRow{
		ProjectId: projectId,
		UserId:    uuid.New(),
		Username:  "bob",
		Role:      protocol.RoleCollaborator,
		JoinTime:  now.Add(time.Minute),
	})
	store.ApplyMemberInserted(&protocol.MemberRow{
		ProjectId: projectId,
		UserId:    uuid.New(),
		Username:  "carol",
		Role:      protocol.RoleCollaborator,
		JoinTime:  now.Add(2 * time.Minute),
	})
	store.ApplyMemberInserted(&protocol.MemberRow{
		ProjectId: projectId,
		UserId:    uuid.New(),
		Username:  "alice",
		Role:      protocol.RoleOwner,
		JoinTime:  now,
	})

	members := store.Members()
	assert.Equal(t, "alice", members[0].Username)
	assert.Equal(t, "bob", members[1].Username)
	assert.Equal(t, "carol", members[2].Username)
}
