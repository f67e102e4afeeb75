package hub

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"

	"codehive.dev/collab/protocol"
)

func TestLoginRegistersThenVerifies(t *testing.T) {
	state := NewState()

	alice, err := state.Login("alice", "secret")
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice", alice.Username)

	again, err := state.Login("alice", "secret")
	assert.Equal(t, nil, err)
	assert.Equal(t, alice.UserId, again.UserId)

	_, err = state.Login("alice", "wrong")
	assert.NotEqual(t, nil, err)

	_, err = state.Login("   ", "secret")
	assert.NotEqual(t, nil, err)
}

func TestCreateProjectJoinCode(t *testing.T) {
	state := NewState()
	alice, _ := state.Login("alice", "secret")

	project, member, err := state.CreateProject(alice, "demo", protocol.VisibilityPrivate)
	assert.Equal(t, nil, err)
	assert.MatchRegex(t, project.JoinCode, "^[0-9a-f]{8}$")
	assert.Equal(t, protocol.RoleOwner, member.Role)
	assert.Equal(t, alice.UserId, project.OwnerId)

	_, _, err = state.CreateProject(alice, "", protocol.VisibilityPrivate)
	assert.NotEqual(t, nil, err)
	_, _, err = state.CreateProject(alice, "demo", protocol.ProjectVisibility("secret"))
	assert.NotEqual(t, nil, err)
}

func TestJoinProjectAtMostOnce(t *testing.T) {
	state := NewState()
	alice, _ := state.Login("alice", "secret")
	bob, _ := state.Login("bob", "secret")
	project, _, _ := state.CreateProject(alice, "demo", protocol.VisibilityPrivate)

	_, member, inserted, err := state.JoinProject(bob, project.JoinCode)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, inserted)
	assert.Equal(t, protocol.RoleCollaborator, member.Role)

	// rejoining returns the existing membership
	_, again, inserted, err := state.JoinProject(bob, project.JoinCode)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, inserted)
	assert.Equal(t, member.JoinTime, again.JoinTime)
	assert.Equal(t, 2, len(state.Members(project.ProjectId)))

	_, _, _, err = state.JoinProject(bob, "00000000")
	assert.NotEqual(t, nil, err)
}

func TestRemoveMemberPermissions(t *testing.T) {
	state := NewState()
	alice, _ := state.Login("alice", "secret")
	bob, _ := state.Login("bob", "secret")
	carol, _ := state.Login("carol", "secret")
	project, _, _ := state.CreateProject(alice, "demo", protocol.VisibilityPrivate)
	state.JoinProject(bob, project.JoinCode)
	state.JoinProject(carol, project.JoinCode)

	// a collaborator cannot remove another collaborator
	_, err := state.RemoveMember(bob, project.ProjectId, carol.UserId)
	assert.Equal(t, ErrForbidden, err)

	// the owner cannot be removed, not even by themselves
	_, err = state.RemoveMember(alice, project.ProjectId, alice.UserId)
	assert.Equal(t, ErrForbidden, err)

	// a collaborator can leave
	removed, err := state.RemoveMember(bob, project.ProjectId, bob.UserId)
	assert.Equal(t, nil, err)
	assert.Equal(t, bob.UserId, removed.UserId)

	// the owner can remove any collaborator
	removed, err = state.RemoveMember(alice, project.ProjectId, carol.UserId)
	assert.Equal(t, nil, err)
	assert.Equal(t, carol.UserId, removed.UserId)

	assert.Equal(t, 1, len(state.Members(project.ProjectId)))
}

func TestNodeNameValidation(t *testing.T) {
	state := NewState()
	alice, _ := state.Login("alice", "secret")
	project, _, _ := state.CreateProject(alice, "demo", protocol.VisibilityPrivate)

	// files need an extension
	_, err := state.CreateNode(alice, project.ProjectId, nil, "main", protocol.NodeTypeFile, "go")
	assert.NotEqual(t, nil, err)
	// no path separators
	_, err = state.CreateNode(alice, project.ProjectId, nil, "a/b.go", protocol.NodeTypeFile, "go")
	assert.NotEqual(t, nil, err)
	// reserved folder names
	_, err = state.CreateNode(alice, project.ProjectId, nil, "node_modules", protocol.NodeTypeFolder, "")
	assert.NotEqual(t, nil, err)
	_, err = state.CreateNode(alice, project.ProjectId, nil, "..", protocol.NodeTypeFolder, "")
	assert.NotEqual(t, nil, err)

	node, err := state.CreateNode(alice, project.ProjectId, nil, "main.go", protocol.NodeTypeFile, "go")
	assert.Equal(t, nil, err)
	assert.Equal(t, alice.UserId, node.CreatedBy)

	// a rename is validated against the node's own type
	_, _, err = state.RenameNode(alice, node.NodeId, "main")
	assert.NotEqual(t, nil, err)
	renamed, old, err := state.RenameNode(alice, node.NodeId, "app.go")
	assert.Equal(t, nil, err)
	assert.Equal(t, "main.go", old.Name)
	assert.Equal(t, "app.go", renamed.Name)
}

func TestCreateNodeParentMustBeFolder(t *testing.T) {
	state := NewState()
	alice, _ := state.Login("alice", "secret")
	project, _, _ := state.CreateProject(alice, "demo", protocol.VisibilityPrivate)
	other, _, _ := state.CreateProject(alice, "other", protocol.VisibilityPrivate)

	file, err := state.CreateNode(alice, project.ProjectId, nil, "main.go", protocol.NodeTypeFile, "go")
	assert.Equal(t, nil, err)
	folder, err := state.CreateNode(alice, project.ProjectId, nil, "src", protocol.NodeTypeFolder, "")
	assert.Equal(t, nil, err)

	// a file cannot be a parent
	_, err = state.CreateNode(alice, project.ProjectId, &file.NodeId, "x.go", protocol.NodeTypeFile, "go")
	assert.NotEqual(t, nil, err)
	// the parent must live in the same project
	_, err = state.CreateNode(alice, other.ProjectId, &folder.NodeId, "x.go", protocol.NodeTypeFile, "go")
	assert.NotEqual(t, nil, err)
	// a missing parent is rejected
	missing := uuid.New()
	_, err = state.CreateNode(alice, project.ProjectId, &missing, "x.go", protocol.NodeTypeFile, "go")
	assert.NotEqual(t, nil, err)

	nested, err := state.CreateNode(alice, project.ProjectId, &folder.NodeId, "util.go", protocol.NodeTypeFile, "go")
	assert.Equal(t, nil, err)
	assert.Equal(t, folder.NodeId, *nested.ParentId)
}

func TestDeleteNodeCascades(t *testing.T) {
	state := NewState()
	alice, _ := state.Login("alice", "secret")
	project, _, _ := state.CreateProject(alice, "demo", protocol.VisibilityPrivate)

	folder, _ := state.CreateNode(alice, project.ProjectId, nil, "src", protocol.NodeTypeFolder, "")
	nested, _ := state.CreateNode(alice, project.ProjectId, &folder.NodeId, "deep", protocol.NodeTypeFolder, "")
	file, _ := state.CreateNode(alice, project.ProjectId, &nested.NodeId, "main.go", protocol.NodeTypeFile, "go")
	sibling, _ := state.CreateNode(alice, project.ProjectId, nil, "readme.md", protocol.NodeTypeFile, "")

	removed, err := state.DeleteNode(alice, folder.NodeId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(removed))

	// children before parents, each with the deleting user stamped
	assert.Equal(t, file.NodeId, removed[0].NodeId)
	assert.Equal(t, nested.NodeId, removed[1].NodeId)
	assert.Equal(t, folder.NodeId, removed[2].NodeId)
	for _, old := range removed {
		assert.Equal(t, alice.UserId, *old.DeletedBy)
	}

	nodes := state.Nodes(project.ProjectId)
	assert.Equal(t, 1, len(nodes))
	assert.Equal(t, sibling.NodeId, nodes[0].NodeId)

	_, err = state.DeleteNode(alice, folder.NodeId)
	assert.Equal(t, ErrNotFound, err)
}

func TestSaveNodeContentFilesOnly(t *testing.T) {
	state := NewState()
	alice, _ := state.Login("alice", "secret")
	bob, _ := state.Login("bob", "secret")
	project, _, _ := state.CreateProject(alice, "demo", protocol.VisibilityPrivate)
	state.JoinProject(bob, project.JoinCode)

	folder, _ := state.CreateNode(alice, project.ProjectId, nil, "src", protocol.NodeTypeFolder, "")
	_, _, err := state.SaveNodeContent(alice, folder.NodeId, "nope")
	assert.NotEqual(t, nil, err)

	file, _ := state.CreateNode(alice, project.ProjectId, nil, "main.go", protocol.NodeTypeFile, "go")
	saved, old, err := state.SaveNodeContent(bob, file.NodeId, "package main")
	assert.Equal(t, nil, err)
	assert.Equal(t, "", old.Content)
	assert.Equal(t, "package main", saved.Content)
	// the edit is attributed to the editor, not the creator
	assert.Equal(t, bob.UserId, saved.UpdatedBy)
	assert.Equal(t, alice.UserId, saved.CreatedBy)
}

func TestChatAuthorOnlyDelete(t *testing.T) {
	state := NewState()
	alice, _ := state.Login("alice", "secret")
	bob, _ := state.Login("bob", "secret")
	project, _, _ := state.CreateProject(alice, "demo", protocol.VisibilityPrivate)
	state.JoinProject(bob, project.JoinCode)

	message, err := state.AppendChatMessage(alice, project.ProjectId, "hello", "alice", "")
	assert.Equal(t, nil, err)
	_, err = state.AppendChatMessage(alice, project.ProjectId, "   ", "alice", "")
	assert.NotEqual(t, nil, err)

	_, err = state.DeleteChatMessage(bob, message.MessageId)
	assert.Equal(t, ErrForbidden, err)

	deleted, err := state.DeleteChatMessage(alice, message.MessageId)
	assert.Equal(t, nil, err)
	assert.Equal(t, message.MessageId, deleted.MessageId)
	assert.Equal(t, 0, len(state.ChatHistory(project.ProjectId)))

	_, err = state.DeleteChatMessage(alice, uuid.New())
	assert.Equal(t, ErrNotFound, err)
}
