package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"codehive.dev/collab/protocol"
)

// FileSession is the ephemeral editing-awareness fan-out for one open
// file: content deltas, cursor positions, advisory line locks and
// leave notices between clients co-editing the same file. Nothing here
// is persisted and there is no operational-transform conflict
// resolution - the newest value supersedes.
//
// The hub redelivers broadcasts to every channel member including the
// sender, so inbound handling discards any event whose user id equals
// the local session id.

type FileSessionSettings struct {
	// one content send per this much local inactivity
	ContentDebounce time.Duration
	CursorDebounce  time.Duration
	// window during which editor change detection must not
	// re-broadcast a change that originated remotely
	ApplyingRemoteWindow time.Duration
}

func DefaultFileSessionSettings() *FileSessionSettings {
	return &FileSessionSettings{
		ContentDebounce:      300 * time.Millisecond,
		CursorDebounce:       100 * time.Millisecond,
		ApplyingRemoteWindow: 100 * time.Millisecond,
	}
}

type FileSessionHandlers struct {
	OnContentChange func(change *protocol.ContentChange)
	OnCursorChange  func(change *protocol.CursorChange)
	OnLineLock      func(lock *protocol.LineLock)
	OnLineUnlock    func(unlock *protocol.LineUnlock)
	OnUserLeaveFile func(leave *protocol.UserLeaveFile)
}

type FileSession struct {
	client  *RealtimeClient
	session *Session
	fileId  uuid.UUID

	channelName string
	channel     *Channel

	// a viewer without edit rights never broadcasts, though they
	// still receive and render others' events
	canBroadcast bool

	settings *FileSessionSettings

	contentCoalescer *Coalescer[*protocol.ContentChange]
	cursorCoalescer  *Coalescer[*protocol.CursorChange]

	mutex          sync.Mutex
	applyingRemote bool
	applyingGen    uint64
	closed         bool
}

func OpenFileSessionWithDefaults(
	client *RealtimeClient,
	projectId uuid.UUID,
	fileId uuid.UUID,
	session *Session,
	canBroadcast bool,
	handlers *FileSessionHandlers,
) *FileSession {
	return OpenFileSession(client, projectId, fileId, session, canBroadcast, handlers, DefaultFileSessionSettings())
}

func OpenFileSession(
	client *RealtimeClient,
	projectId uuid.UUID,
	fileId uuid.UUID,
	session *Session,
	canBroadcast bool,
	handlers *FileSessionHandlers,
	settings *FileSessionSettings,
) *FileSession {
	fileSession := &FileSession{
		client:       client,
		session:      session,
		fileId:       fileId,
		channelName:  protocol.FileCollabChannel(projectId, fileId),
		canBroadcast: canBroadcast,
		settings:     settings,
	}
	fileSession.contentCoalescer = NewCoalescer(settings.ContentDebounce, func(change *protocol.ContentChange) {
		fileSession.broadcast(protocol.CollabContentChange, change)
	})
	fileSession.cursorCoalescer = NewCoalescer(settings.CursorDebounce, func(change *protocol.CursorChange) {
		fileSession.broadcast(protocol.CollabCursorChange, change)
	})
	// opening the same file twice in one session reuses the channel
	// via registry idempotency rather than double-delivering
	fileSession.channel = client.OpenChannel(fileSession.channelName, &ChannelHandlers{
		OnBroadcast: func(event string, payload json.RawMessage) {
			fileSession.handleBroadcast(event, payload, handlers)
		},
	})
	return fileSession
}

func (self *FileSession) handleBroadcast(
	event string,
	payload json.RawMessage,
	handlers *FileSessionHandlers,
) {
	if handlers == nil {
		return
	}

	switch event {
	case protocol.CollabContentChange:
		change := &protocol.ContentChange{}
		if err := json.Unmarshal(payload, change); err != nil {
			glog.V(1).Infof("[collab]%s malformed %s = %s\n", self.channelName, event, err)
			return
		}
		if self.isSelf(change.UserId) {
			return
		}
		self.markApplyingRemote()
		if handlers.OnContentChange != nil {
			handlers.OnContentChange(change)
		}
	case protocol.CollabCursorChange:
		change := &protocol.CursorChange{}
		if err := json.Unmarshal(payload, change); err != nil {
			return
		}
		if self.isSelf(change.UserId) {
			return
		}
		if handlers.OnCursorChange != nil {
			handlers.OnCursorChange(change)
		}
	case protocol.CollabLineLock:
		lock := &protocol.LineLock{}
		if err := json.Unmarshal(payload, lock); err != nil {
			return
		}
		if self.isSelf(lock.UserId) {
			return
		}
		if handlers.OnLineLock != nil {
			handlers.OnLineLock(lock)
		}
	case protocol.CollabLineUnlock:
		unlock := &protocol.LineUnlock{}
		if err := json.Unmarshal(payload, unlock); err != nil {
			return
		}
		if self.isSelf(unlock.UserId) {
			return
		}
		if handlers.OnLineUnlock != nil {
			handlers.OnLineUnlock(unlock)
		}
	case protocol.CollabUserLeaveFile:
		leave := &protocol.UserLeaveFile{}
		if err := json.Unmarshal(payload, leave); err != nil {
			return
		}
		if self.isSelf(leave.UserId) {
			return
		}
		if handlers.OnUserLeaveFile != nil {
			handlers.OnUserLeaveFile(leave)
		}
	default:
		glog.V(1).Infof("[collab]%s unknown event %s\n", self.channelName, event)
	}
}

func (self *FileSession) isSelf(userId uuid.UUID) bool {
	if userId == self.session.UserId {
		// self-echo
		glog.V(2).Infof("[collab]%s discard self-echo\n", self.channelName)
		return true
	}
	return false
}

func (self *FileSession) markApplyingRemote() {
	self.mutex.Lock()
	self.applyingRemote = true
	self.applyingGen += 1
	gen := self.applyingGen
	self.mutex.Unlock()

	time.AfterFunc(self.settings.ApplyingRemoteWindow, func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if gen == self.applyingGen {
			self.applyingRemote = false
		}
	})
}

// IsApplyingRemote reports whether a remote content change is being
// applied to the local editor right now. Editor change detection must
// not re-broadcast while this is set, or two co-editors feed back to
// each other forever.
func (self *FileSession) IsApplyingRemote() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.applyingRemote
}

// SetContent schedules a content-change broadcast carrying the full
// newest content. Sends coalesce to one per debounce window of local
// inactivity.
func (self *FileSession) SetContent(content string, version int64) {
	if !self.canBroadcast {
		return
	}
	self.contentCoalescer.Set(&protocol.ContentChange{
		UserId:    self.session.UserId,
		FileId:    self.fileId,
		Content:   content,
		Version:   version,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (self *FileSession) SetCursor(position protocol.CursorPosition) {
	if !self.canBroadcast {
		return
	}
	self.cursorCoalescer.Set(&protocol.CursorChange{
		UserId:    self.session.UserId,
		Position:  position,
		Timestamp: time.Now().UnixMilli(),
	})
}

// LockLine broadcasts an advisory lock: a presentation hint that the
// line is being edited, never an enforced exclusion. Locks are lost on
// disconnect with no explicit release.
func (self *FileSession) LockLine(lineNumber int) {
	if !self.canBroadcast {
		return
	}
	self.broadcast(protocol.CollabLineLock, &protocol.LineLock{
		UserId:     self.session.UserId,
		LineNumber: lineNumber,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (self *FileSession) UnlockLine(lineNumber int) {
	if !self.canBroadcast {
		return
	}
	self.broadcast(protocol.CollabLineUnlock, &protocol.LineUnlock{
		UserId:     self.session.UserId,
		LineNumber: lineNumber,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (self *FileSession) broadcast(event string, payload any) {
	if err := self.client.Broadcast(self.channelName, event, payload); err != nil {
		glog.V(1).Infof("[collab]%s %s send error = %s\n", self.channelName, event, err)
	}
}

// Close cancels pending debounced sends, tells peers to clear this
// participant's cursor and lock indicators, and tears down the
// channel. Safe to call more than once.
func (self *FileSession) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.mutex.Unlock()

	self.contentCoalescer.Close()
	self.cursorCoalescer.Close()
	if self.canBroadcast {
		self.broadcast(protocol.CollabUserLeaveFile, &protocol.UserLeaveFile{
			UserId:    self.session.UserId,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	self.channel.Close()
}
