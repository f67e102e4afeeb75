package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// wire envelope for the realtime transport. One websocket connection
// multiplexes every logical channel; frames are routed by channel name.

// client -> hub
const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventBroadcast = "broadcast"
	EventTrack     = "track"
	EventHeartbeat = "heartbeat"
)

// hub -> client
const (
	EventJoined       = "joined"
	EventRowChange    = "row_change"
	EventPresenceSync = "presence_sync"
	EventError        = "error"
)

type Frame struct {
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewFrame(channel string, event string, payload any) (*Frame, error) {
	frame := &Frame{
		Channel: channel,
		Event:   event,
	}
	if payload != nil {
		payloadJson, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		frame.Payload = payloadJson
	}
	return frame, nil
}

type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// RowChange mirrors the structured table feed of the backing store.
// Delete changes carry the full prior row, which requires replica
// identity full on the backing table. Consumers must tolerate a
// missing `old` anyway (see the feed fallback behavior).
type RowChange struct {
	Table string          `json:"table"`
	Type  ChangeType      `json:"type"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

type PresenceInfo struct {
	UserId    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	AvatarUrl string    `json:"avatar_url,omitempty"`
	OnlineAt  int64     `json:"online_at"`
}

// PresenceSync always carries the full current roster, never a delta
type PresenceSync struct {
	Roster []*PresenceInfo `json:"roster"`
}

const (
	TableNodes        = "nodes"
	TableMembers      = "project_members"
	TableChatMessages = "chat_messages"
)

// channel naming

func NodesChannel(projectId uuid.UUID) string {
	return fmt.Sprintf("project:%s:nodes", projectId)
}

func MembersChannel(projectId uuid.UUID) string {
	return fmt.Sprintf("project:%s:members", projectId)
}

func ChatChannel(projectId uuid.UUID) string {
	return fmt.Sprintf("project:%s:chat", projectId)
}

func PresenceChannel(projectId uuid.UUID) string {
	return fmt.Sprintf("project:%s:presence", projectId)
}

func FileCollabChannel(projectId uuid.UUID, fileId uuid.UUID) string {
	return fmt.Sprintf("project:%s:file:%s:collaboration", projectId, fileId)
}
