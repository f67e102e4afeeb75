package hub

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"codehive.dev/collab/protocol"
)

// in-memory authoritative state. The hosted deployment keeps this in
// postgres; the reference hub holds it in process, which is all the
// integration tests and local development need.

var ErrNotFound = errors.New("not found")
var ErrForbidden = errors.New("permission denied")

type ValidationError struct {
	Message string
}

func (self *ValidationError) Error() string {
	return self.Message
}

func validationErrorf(format string, a ...any) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf(format, a...),
	}
}

type User struct {
	UserId       uuid.UUID
	Username     string
	AvatarUrl    string
	PasswordHash [32]byte
}

type State struct {
	mutex sync.Mutex

	users       map[uuid.UUID]*User
	usersByName map[string]uuid.UUID

	projects map[uuid.UUID]*protocol.ProjectRow
	nodes    map[uuid.UUID]*protocol.NodeRow
	// project id -> user id -> member
	members map[uuid.UUID]map[uuid.UUID]*protocol.MemberRow
	chat    map[uuid.UUID][]*protocol.ChatMessageRow
}

func NewState() *State {
	return &State{
		users:       map[uuid.UUID]*User{},
		usersByName: map[string]uuid.UUID{},
		projects:    map[uuid.UUID]*protocol.ProjectRow{},
		nodes:       map[uuid.UUID]*protocol.NodeRow{},
		members:     map[uuid.UUID]map[uuid.UUID]*protocol.MemberRow{},
		chat:        map[uuid.UUID][]*protocol.ChatMessageRow{},
	}
}

// Login registers the username on first use and verifies the password
// afterwards
func (self *State) Login(username string, password string) (*User, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	username = strings.TrimSpace(username)
	if username == "" {
		return nil, validationErrorf("username required")
	}

	passwordHash := sha256.Sum256([]byte(password))
	if userId, ok := self.usersByName[username]; ok {
		user := self.users[userId]
		if subtle.ConstantTimeCompare(user.PasswordHash[:], passwordHash[:]) != 1 {
			return nil, errors.New("bad credentials")
		}
		return user, nil
	}

	user := &User{
		UserId:       uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
	}
	self.users[user.UserId] = user
	self.usersByName[username] = user.UserId
	return user, nil
}

func newJoinCode() string {
	codeBytes := make([]byte, 4)
	rand.Read(codeBytes)
	// 8 lowercase hex characters
	return hex.EncodeToString(codeBytes)
}

func (self *State) CreateProject(owner *User, name string, visibility protocol.ProjectVisibility) (*protocol.ProjectRow, *protocol.MemberRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, validationErrorf("project name required")
	}
	if visibility != protocol.VisibilityPublic && visibility != protocol.VisibilityPrivate {
		return nil, nil, validationErrorf("bad visibility %q", visibility)
	}

	now := time.Now().UTC()
	project := &protocol.ProjectRow{
		ProjectId:  uuid.New(),
		Name:       name,
		Visibility: visibility,
		JoinCode:   newJoinCode(),
		OwnerId:    owner.UserId,
		CreateTime: now,
	}
	member := &protocol.MemberRow{
		ProjectId: project.ProjectId,
		UserId:    owner.UserId,
		Role:      protocol.RoleOwner,
		JoinTime:  now,
		Username:  owner.Username,
		AvatarUrl: owner.AvatarUrl,
	}
	self.projects[project.ProjectId] = project
	self.members[project.ProjectId] = map[uuid.UUID]*protocol.MemberRow{
		owner.UserId: member,
	}
	return project, member, nil
}

func (self *State) Project(projectId uuid.UUID) (*protocol.ProjectRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return nil, ErrNotFound
	}
	return project, nil
}

func (self *State) Member(projectId uuid.UUID, userId uuid.UUID) *protocol.MemberRow {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.members[projectId][userId]
}

// JoinProject adds the user as a collaborator. A user appears at most
// once per project; rejoining returns the existing member row.
func (self *State) JoinProject(user *User, joinCode string) (*protocol.ProjectRow, *protocol.MemberRow, bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, project := range self.projects {
		if project.JoinCode == joinCode {
			if member, ok := self.members[project.ProjectId][user.UserId]; ok {
				return project, member, false, nil
			}
			member := &protocol.MemberRow{
				ProjectId: project.ProjectId,
				UserId:    user.UserId,
				Role:      protocol.RoleCollaborator,
				JoinTime:  time.Now().UTC(),
				Username:  user.Username,
				AvatarUrl: user.AvatarUrl,
			}
			self.members[project.ProjectId][user.UserId] = member
			return project, member, true, nil
		}
	}
	return nil, nil, false, validationErrorf("bad join code")
}

func (self *State) Members(projectId uuid.UUID) []*protocol.MemberRow {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	members := maps.Values(self.members[projectId])
	slices.SortFunc(members, func(a *protocol.MemberRow, b *protocol.MemberRow) int {
		return a.JoinTime.Compare(b.JoinTime)
	})
	return members
}

// RemoveMember enforces exactly one owner: the owner can remove any
// collaborator, a collaborator can only remove themselves (leave), and
// the owner cannot be removed.
func (self *State) RemoveMember(actor *User, projectId uuid.UUID, userId uuid.UUID) (*protocol.MemberRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return nil, ErrNotFound
	}
	member, ok := self.members[projectId][userId]
	if !ok {
		return nil, ErrNotFound
	}
	if member.Role == protocol.RoleOwner {
		return nil, ErrForbidden
	}
	if actor.UserId != project.OwnerId && actor.UserId != userId {
		return nil, ErrForbidden
	}
	delete(self.members[projectId], userId)
	return member, nil
}

var reservedFolderNames = map[string]bool{
	".":            true,
	"..":           true,
	"node_modules": true,
}

func validateNodeName(name string, nodeType protocol.NodeType) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return validationErrorf("name required")
	}
	if strings.ContainsAny(name, "/\\") {
		return validationErrorf("name must not contain path separators")
	}
	switch nodeType {
	case protocol.NodeTypeFile:
		if !strings.Contains(strings.Trim(name, "."), ".") {
			return validationErrorf("file name needs an extension")
		}
	case protocol.NodeTypeFolder:
		if reservedFolderNames[strings.ToLower(name)] {
			return validationErrorf("%q is a reserved folder name", name)
		}
	default:
		return validationErrorf("bad node type %q", nodeType)
	}
	return nil
}

func (self *State) CreateNode(
	actor *User,
	projectId uuid.UUID,
	parentId *uuid.UUID,
	name string,
	nodeType protocol.NodeType,
	language string,
) (*protocol.NodeRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.projects[projectId]; !ok {
		return nil, ErrNotFound
	}
	if err := validateNodeName(name, nodeType); err != nil {
		return nil, err
	}
	// parent must be a folder in the same project, or null for root
	if parentId != nil {
		parent, ok := self.nodes[*parentId]
		if !ok || parent.ProjectId != projectId {
			return nil, validationErrorf("parent not found")
		}
		if parent.Type != protocol.NodeTypeFolder {
			return nil, validationErrorf("parent must be a folder")
		}
	}

	now := time.Now().UTC()
	node := &protocol.NodeRow{
		NodeId:     uuid.New(),
		ProjectId:  projectId,
		ParentId:   parentId,
		Name:       strings.TrimSpace(name),
		Type:       nodeType,
		Language:   language,
		CreateTime: now,
		UpdateTime: now,
		CreatedBy:  actor.UserId,
		UpdatedBy:  actor.UserId,
	}
	self.nodes[node.NodeId] = node
	return node, nil
}

func (self *State) Node(nodeId uuid.UUID) (*protocol.NodeRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return nil, ErrNotFound
	}
	return node, nil
}

func (self *State) Nodes(projectId uuid.UUID) []*protocol.NodeRow {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nodes := []*protocol.NodeRow{}
	for _, node := range self.nodes {
		if node.ProjectId == projectId {
			nodes = append(nodes, node)
		}
	}
	slices.SortFunc(nodes, func(a *protocol.NodeRow, b *protocol.NodeRow) int {
		return a.CreateTime.Compare(b.CreateTime)
	})
	return nodes
}

// RenameNode returns the new row and the prior row
func (self *State) RenameNode(actor *User, nodeId uuid.UUID, name string) (*protocol.NodeRow, *protocol.NodeRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if err := validateNodeName(name, node.Type); err != nil {
		return nil, nil, err
	}

	old := *node
	next := old
	next.Name = strings.TrimSpace(name)
	next.UpdateTime = time.Now().UTC()
	next.UpdatedBy = actor.UserId
	self.nodes[nodeId] = &next
	return &next, &old, nil
}

func (self *State) SaveNodeContent(actor *User, nodeId uuid.UUID, content string) (*protocol.NodeRow, *protocol.NodeRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[nodeId]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if node.Type != protocol.NodeTypeFile {
		return nil, nil, validationErrorf("only files have content")
	}

	old := *node
	next := old
	next.Content = content
	next.UpdateTime = time.Now().UTC()
	next.UpdatedBy = actor.UserId
	self.nodes[nodeId] = &next
	return &next, &old, nil
}

// DeleteNode removes the node and its descendants, returning one prior
// row per removed node with deleted_by stamped. The change feed
// announces each of them.
func (self *State) DeleteNode(actor *User, nodeId uuid.UUID) ([]*protocol.NodeRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.nodes[nodeId]; !ok {
		return nil, ErrNotFound
	}

	removeIds := map[uuid.UUID]bool{
		nodeId: true,
	}
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

	removed := []*protocol.NodeRow{}
	for removeId := range removeIds {
		old := *self.nodes[removeId]
		old.DeletedBy = &actor.UserId
		removed = append(removed, &old)
		delete(self.nodes, removeId)
	}
	// children before parents so no event ever references a gone parent
	slices.SortFunc(removed, func(a *protocol.NodeRow, b *protocol.NodeRow) int {
		return b.CreateTime.Compare(a.CreateTime)
	})
	return removed, nil
}

func (self *State) ChatHistory(projectId uuid.UUID) []*protocol.ChatMessageRow {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	// already ordered by creation time ascending
	return slices.Clone(self.chat[projectId])
}

func (self *State) AppendChatMessage(
	actor *User,
	projectId uuid.UUID,
	message string,
	username string,
	avatarUrl string,
) (*protocol.ChatMessageRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.projects[projectId]; !ok {
		return nil, ErrNotFound
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, validationErrorf("message required")
	}
	if username == "" {
		username = actor.Username
	}

	row := &protocol.ChatMessageRow{
		MessageId:  uuid.New(),
		ProjectId:  projectId,
		UserId:     actor.UserId,
		Username:   username,
		AvatarUrl:  avatarUrl,
		Message:    message,
		CreateTime: time.Now().UTC(),
	}
	self.chat[projectId] = append(self.chat[projectId], row)
	return row, nil
}

// DeleteChatMessage is author-only
func (self *State) DeleteChatMessage(actor *User, messageId uuid.UUID) (*protocol.ChatMessageRow, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for projectId, messages := range self.chat {
		i := slices.IndexFunc(messages, func(message *protocol.ChatMessageRow) bool {
			return message.MessageId == messageId
		})
		if i < 0 {
			continue
		}
		message := messages[i]
		if message.UserId != actor.UserId {
			return nil, ErrForbidden
		}
		self.chat[projectId] = slices.Delete(slices.Clone(messages), i, i+1)
		return message, nil
	}
	return nil, ErrNotFound
}

func (self *State) User(userId uuid.UUID) *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.users[userId]
}
