package protocol

import (
	"github.com/google/uuid"
)

// ephemeral collaboration events, broadcast per open file and never
// persisted. Every event carries the sender's user id so that receivers
// can drop self-echo (the hub redelivers to all channel members
// including the sender). Timestamps are unix milliseconds.

const (
	CollabContentChange = "content-change"
	CollabCursorChange  = "cursor-change"
	CollabLineLock      = "line-lock"
	CollabLineUnlock    = "line-unlock"
	CollabUserLeaveFile = "user-leave-file"
)

type ContentChange struct {
	UserId    uuid.UUID `json:"user_id"`
	FileId    uuid.UUID `json:"file_id"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	Timestamp int64     `json:"timestamp"`
}

type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type CursorChange struct {
	UserId    uuid.UUID      `json:"user_id"`
	Position  CursorPosition `json:"position"`
	Timestamp int64          `json:"timestamp"`
}

type LineLock struct {
	UserId     uuid.UUID `json:"user_id"`
	LineNumber int       `json:"line_number"`
	Timestamp  int64     `json:"timestamp"`
}

type LineUnlock struct {
	UserId     uuid.UUID `json:"user_id"`
	LineNumber int       `json:"line_number"`
	Timestamp  int64     `json:"timestamp"`
}

type UserLeaveFile struct {
	UserId    uuid.UUID `json:"user_id"`
	Timestamp int64     `json:"timestamp"`
}
