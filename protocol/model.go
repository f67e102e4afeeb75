package protocol

import (
	"time"

	"github.com/google/uuid"
)

// persisted rows. The same shapes flow over the REST api and the
// row-change feed, so the client reconciliation layer consumes them
// directly as its domain model.

type ProjectVisibility string

const (
	VisibilityPublic  ProjectVisibility = "public"
	VisibilityPrivate ProjectVisibility = "private"
)

type ProjectRow struct {
	ProjectId  uuid.UUID         `json:"project_id"`
	Name       string            `json:"name"`
	Visibility ProjectVisibility `json:"visibility"`
	JoinCode   string            `json:"join_code"`
	OwnerId    uuid.UUID         `json:"owner_id"`
	CreateTime time.Time         `json:"create_time"`
}

type NodeType string

const (
	NodeTypeFile   NodeType = "file"
	NodeTypeFolder NodeType = "folder"
)

// NodeRow is a file or folder in a project tree. ParentId nil means root.
// Content and Language are only meaningful for files.
type NodeRow struct {
	NodeId     uuid.UUID  `json:"node_id"`
	ProjectId  uuid.UUID  `json:"project_id"`
	ParentId   *uuid.UUID `json:"parent_id,omitempty"`
	Name       string     `json:"name"`
	Type       NodeType   `json:"type"`
	Content    string     `json:"content,omitempty"`
	Language   string     `json:"language,omitempty"`
	CreateTime time.Time  `json:"create_time"`
	UpdateTime time.Time  `json:"update_time"`
	CreatedBy  uuid.UUID  `json:"created_by"`
	UpdatedBy  uuid.UUID  `json:"updated_by"`
	DeletedBy  *uuid.UUID `json:"deleted_by,omitempty"`
}

type MemberRole string

const (
	RoleOwner        MemberRole = "owner"
	RoleCollaborator MemberRole = "collaborator"
)

type MemberRow struct {
	ProjectId uuid.UUID  `json:"project_id"`
	UserId    uuid.UUID  `json:"user_id"`
	Role      MemberRole `json:"role"`
	JoinTime  time.Time  `json:"join_time"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	AvatarUrl string     `json:"avatar_url,omitempty"`
}

type ChatMessageRow struct {
	MessageId  uuid.UUID `json:"message_id"`
	ProjectId  uuid.UUID `json:"project_id"`
	UserId     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	AvatarUrl  string    `json:"avatar_url,omitempty"`
	Message    string    `json:"message"`
	CreateTime time.Time `json:"create_time"`
}
