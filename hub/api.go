package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"codehive.dev/collab/protocol"
)

// rest handlers. Mutations publish row-change frames after the state
// commit; delete frames always carry the full prior row.

func marshalRow(row any) json.RawMessage {
	rowJson, err := json.Marshal(row)
	if err != nil {
		return nil
	}
	return rowJson
}

func (self *Hub) handleLogin(w http.ResponseWriter, r *http.Request) {
	args := &struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{}
	if !decodeBody(w, r, args) {
		return
	}

	user, err := self.state.Login(args.Username, args.Password)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, http.StatusBadRequest, validationErr.Message)
		} else {
			writeError(w, http.StatusUnauthorized, "bad credentials")
		}
		return
	}

	byJwt, err := self.signJwt(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJson(w, http.StatusOK, map[string]any{
		"by_jwt":     byJwt,
		"user_id":    user.UserId,
		"username":   user.Username,
		"avatar_url": user.AvatarUrl,
	})
}

func (self *Hub) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	args := &struct {
		Name       string                     `json:"name"`
		Visibility protocol.ProjectVisibility `json:"visibility"`
	}{}
	if !decodeBody(w, r, args) {
		return
	}

	project, member, err := self.state.CreateProject(user, args.Name, args.Visibility)
	if err != nil {
		writeStateError(w, err)
		return
	}
	self.rt.publishRowChange(protocol.MembersChannel(project.ProjectId), &protocol.RowChange{
		Table: protocol.TableMembers,
		Type:  protocol.ChangeInsert,
		New:   marshalRow(member),
	})
	writeJson(w, http.StatusCreated, map[string]any{
		"project": project,
	})
}

func (self *Hub) handleGetProject(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	projectId, ok := urlUuid(w, r, "projectId")
	if !ok {
		return
	}
	project, err := self.state.Project(projectId)
	if err != nil {
		writeStateError(w, err)
		return
	}
	if project.Visibility == protocol.VisibilityPrivate {
		if self.requireMember(w, user, projectId) == nil {
			return
		}
	}
	writeJson(w, http.StatusOK, map[string]any{
		"project": project,
	})
}

func (self *Hub) handleJoinProject(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	args := &struct {
		JoinCode string `json:"join_code"`
	}{}
	if !decodeBody(w, r, args) {
		return
	}

	project, member, inserted, err := self.state.JoinProject(user, args.JoinCode)
	if err != nil {
		writeStateError(w, err)
		return
	}
	if inserted {
		self.rt.publishRowChange(protocol.MembersChannel(project.ProjectId), &protocol.RowChange{
			Table: protocol.TableMembers,
			Type:  protocol.ChangeInsert,
			New:   marshalRow(member),
		})
	}
	writeJson(w, http.StatusOK, map[string]any{
		"project": project,
	})
}

func (self *Hub) handleListNodes(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	projectId, ok := urlUuid(w, r, "projectId")
	if !ok {
		return
	}
	if self.requireMember(w, user, projectId) == nil {
		return
	}
	writeJson(w, http.StatusOK, map[string]any{
		"nodes": self.state.Nodes(projectId),
	})
}

func (self *Hub) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	projectId, ok := urlUuid(w, r, "projectId")
	if !ok {
		return
	}
	if self.requireMember(w, user, projectId) == nil {
		return
	}
	args := &struct {
		ParentId *uuid.UUID        `json:"parent_id,omitempty"`
		Name     string            `json:"name"`
		Type     protocol.NodeType `json:"type"`
		Language string            `json:"language,omitempty"`
	}{}
	if !decodeBody(w, r, args) {
		return
	}

	node, err := self.state.CreateNode(user, projectId, args.ParentId, args.Name, args.Type, args.Language)
	if err != nil {
		writeStateError(w, err)
		return
	}
	self.rt.publishRowChange(protocol.NodesChannel(projectId), &protocol.RowChange{
		Table: protocol.TableNodes,
		Type:  protocol.ChangeInsert,
		New:   marshalRow(node),
	})
	writeJson(w, http.StatusCreated, map[string]any{
		"node": node,
	})
}

func (self *Hub) handleRenameNode(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	nodeId, ok := urlUuid(w, r, "nodeId")
	if !ok {
		return
	}
	existing, err := self.state.Node(nodeId)
	if err != nil {
		writeStateError(w, err)
		return
	}
	if self.requireMember(w, user, existing.ProjectId) == nil {
		return
	}
	args := &struct {
		Name string `json:"name"`
	}{}
	if !decodeBody(w, r, args) {
		return
	}

	node, old, err := self.state.RenameNode(user, nodeId, args.Name)
	if err != nil {
		writeStateError(w, err)
		return
	}
	self.rt.publishRowChange(protocol.NodesChannel(node.ProjectId), &protocol.RowChange{
		Table: protocol.TableNodes,
		Type:  protocol.ChangeUpdate,
		New:   marshalRow(node),
		Old:   marshalRow(old),
	})
	writeJson(w, http.StatusOK, map[string]any{
		"node": node,
	})
}

func (self *Hub) handleSaveNodeContent(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	nodeId, ok := urlUuid(w, r, "nodeId")
	if !ok {
		return
	}
	existing, err := self.state.Node(nodeId)
	if err != nil {
		writeStateError(w, err)
		return
	}
	if self.requireMember(w, user, existing.ProjectId) == nil {
		return
	}
	args := &struct {
		Content string `json:"content"`
	}{}
	if !decodeBody(w, r, args) {
		return
	}

	node, old, err := self.state.SaveNodeContent(user, nodeId, args.Content)
	if err != nil {
		writeStateError(w, err)
		return
	}
	self.rt.publishRowChange(protocol.NodesChannel(node.ProjectId), &protocol.RowChange{
		Table: protocol.TableNodes,
		Type:  protocol.ChangeUpdate,
		New:   marshalRow(node),
		Old:   marshalRow(old),
	})
	writeJson(w, http.StatusOK, map[string]any{
		"node": node,
	})
}

func (self *Hub) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	nodeId, ok := urlUuid(w, r, "nodeId")
	if !ok {
		return
	}
	existing, err := self.state.Node(nodeId)
	if err != nil {
		writeStateError(w, err)
		return
	}
	if self.requireMember(w, user, existing.ProjectId) == nil {
		return
	}

	removed, err := self.state.DeleteNode(user, nodeId)
	if err != nil {
		writeStateError(w, err)
		return
	}
	// one delete event per removed node, full prior row on each
	for _, old := range removed {
		self.rt.publishRowChange(protocol.NodesChannel(existing.ProjectId), &protocol.RowChange{
			Table: protocol.TableNodes,
			Type:  protocol.ChangeDelete,
			Old:   marshalRow(old),
		})
	}
	writeJson(w, http.StatusOK, map[string]any{})
}

func (self *Hub) handleListMembers(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	projectId, ok := urlUuid(w, r, "projectId")
	if !ok {
		return
	}
	if self.requireMember(w, user, projectId) == nil {
		return
	}
	writeJson(w, http.StatusOK, map[string]any{
		"members": self.state.Members(projectId),
	})
}

func (self *Hub) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	projectId, ok := urlUuid(w, r, "projectId")
	if !ok {
		return
	}
	userId, ok := urlUuid(w, r, "userId")
	if !ok {
		return
	}
	if self.requireMember(w, user, projectId) == nil {
		return
	}

	member, err := self.state.RemoveMember(user, projectId, userId)
	if err != nil {
		writeStateError(w, err)
		return
	}
	self.rt.publishRowChange(protocol.MembersChannel(projectId), &protocol.RowChange{
		Table: protocol.TableMembers,
		Type:  protocol.ChangeDelete,
		Old:   marshalRow(member),
	})
	writeJson(w, http.StatusOK, map[string]any{})
}

func (self *Hub) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	projectId, ok := urlUuid(w, r, "projectId")
	if !ok {
		return
	}
	if self.requireMember(w, user, projectId) == nil {
		return
	}
	writeJson(w, http.StatusOK, map[string]any{
		"messages": self.state.ChatHistory(projectId),
	})
}

func (self *Hub) handleSendChatMessage(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	projectId, ok := urlUuid(w, r, "projectId")
	if !ok {
		return
	}
	if self.requireMember(w, user, projectId) == nil {
		return
	}
	args := &struct {
		Message   string `json:"message"`
		Username  string `json:"username"`
		AvatarUrl string `json:"avatar_url,omitempty"`
	}{}
	if !decodeBody(w, r, args) {
		return
	}

	message, err := self.state.AppendChatMessage(user, projectId, args.Message, args.Username, args.AvatarUrl)
	if err != nil {
		writeStateError(w, err)
		return
	}
	self.rt.publishRowChange(protocol.ChatChannel(projectId), &protocol.RowChange{
		Table: protocol.TableChatMessages,
		Type:  protocol.ChangeInsert,
		New:   marshalRow(message),
	})
	writeJson(w, http.StatusCreated, map[string]any{
		"message": message,
	})
}

func (self *Hub) handleDeleteChatMessage(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	messageId, ok := urlUuid(w, r, "messageId")
	if !ok {
		return
	}

	message, err := self.state.DeleteChatMessage(user, messageId)
	if err != nil {
		writeStateError(w, err)
		return
	}
	self.rt.publishRowChange(protocol.ChatChannel(message.ProjectId), &protocol.RowChange{
		Table: protocol.TableChatMessages,
		Type:  protocol.ChangeDelete,
		Old:   marshalRow(message),
	})
	writeJson(w, http.StatusOK, map[string]any{})
}
