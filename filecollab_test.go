package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"

	"codehive.dev/collab/protocol"
)

type collabCapture struct {
	mutex          sync.Mutex
	contentChanges []*protocol.ContentChange
	cursorChanges  []*protocol.CursorChange
	lineLocks      []*protocol.LineLock
	lineUnlocks    []*protocol.LineUnlock
	leaves         []*protocol.UserLeaveFile
}

func (self *collabCapture) handlers() *FileSessionHandlers {
	return &FileSessionHandlers{
		OnContentChange: func(change *protocol.ContentChange) {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			self.contentChanges = append(self.contentChanges, change)
		},
		OnCursorChange: func(change *protocol.CursorChange) {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			self.cursorChanges = append(self.cursorChanges, change)
		},
		OnLineLock: func(lock *protocol.LineLock) {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			self.lineLocks = append(self.lineLocks, lock)
		},
		OnLineUnlock: func(unlock *protocol.LineUnlock) {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			self.lineUnlocks = append(self.lineUnlocks, unlock)
		},
		OnUserLeaveFile: func(leave *protocol.UserLeaveFile) {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			self.leaves = append(self.leaves, leave)
		},
	}
}

func (self *collabCapture) total() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.contentChanges) + len(self.cursorChanges) + len(self.lineLocks) + len(self.lineUnlocks) + len(self.leaves)
}

func testFileSessionSettings() *FileSessionSettings {
	return &FileSessionSettings{
		ContentDebounce:      50 * time.Millisecond,
		CursorDebounce:       20 * time.Millisecond,
		ApplyingRemoteWindow: 100 * time.Millisecond,
	}
}

// two co-editors on the same file: the sender never sees their own
// events back, the peer sees each event exactly once
func TestFileSessionSelfEchoSuppression(t *testing.T) {
	harness := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionA, _ := harness.login(ctx, "alice")
	sessionB, _ := harness.login(ctx, "bob")
	clientA := harness.client(ctx, sessionA)
	clientB := harness.client(ctx, sessionB)

	projectId := uuid.New()
	fileId := uuid.New()
	name := protocol.FileCollabChannel(projectId, fileId)

	// subscribe both ends before any send so nothing ephemeral is missed
	channelA := clientA.OpenChannel(name, nil)
	channelB := clientB.OpenChannel(name, nil)
	waitFor(t, 5*time.Second, func() bool {
		return channelA.Status() == ChannelStatusSubscribed && channelB.Status() == ChannelStatusSubscribed
	})

	captureA := &collabCapture{}
	captureB := &collabCapture{}
	fileA := OpenFileSession(clientA, projectId, fileId, sessionA, true, captureA.handlers(), testFileSessionSettings())
	fileB := OpenFileSession(clientB, projectId, fileId, sessionB, true, captureB.handlers(), testFileSessionSettings())
	defer fileB.Close()

	fileA.SetContent("package main", 1)
	fileA.SetCursor(protocol.CursorPosition{Line: 3, Column: 7})
	fileA.LockLine(3)
	fileA.UnlockLine(3)

	waitFor(t, 5*time.Second, func() bool {
		captureB.mutex.Lock()
		defer captureB.mutex.Unlock()
		return len(captureB.contentChanges) == 1 &&
			len(captureB.cursorChanges) == 1 &&
			len(captureB.lineLocks) == 1 &&
			len(captureB.lineUnlocks) == 1
	})

	fileA.Close()
	waitFor(t, 5*time.Second, func() bool {
		captureB.mutex.Lock()
		defer captureB.mutex.Unlock()
		return len(captureB.leaves) == 1
	})

	captureB.mutex.Lock()
	assert.Equal(t, sessionA.UserId, captureB.contentChanges[0].UserId)
	assert.Equal(t, "package main", captureB.contentChanges[0].Content)
	assert.Equal(t, 3, captureB.cursorChanges[0].Position.Line)
	assert.Equal(t, 7, captureB.cursorChanges[0].Position.Column)
	assert.Equal(t, 3, captureB.lineLocks[0].LineNumber)
	assert.Equal(t, sessionA.UserId, captureB.leaves[0].UserId)
	captureB.mutex.Unlock()

	// the hub redelivered everything to alice too; all of it must have
	// been discarded as self-echo
	holdFor(t, 300*time.Millisecond, func() bool {
		return captureA.total() == 0
	})
}

func TestFileSessionContentDebounce(t *testing.T) {
	harness := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionA, _ := harness.login(ctx, "alice")
	sessionB, _ := harness.login(ctx, "bob")
	clientA := harness.client(ctx, sessionA)
	clientB := harness.client(ctx, sessionB)

	projectId := uuid.New()
	fileId := uuid.New()
	name := protocol.FileCollabChannel(projectId, fileId)

	channelA := clientA.OpenChannel(name, nil)
	channelB := clientB.OpenChannel(name, nil)
	waitFor(t, 5*time.Second, func() bool {
		return channelA.Status() == ChannelStatusSubscribed && channelB.Status() == ChannelStatusSubscribed
	})

	captureB := &collabCapture{}
	settings := &FileSessionSettings{
		ContentDebounce:      100 * time.Millisecond,
		CursorDebounce:       20 * time.Millisecond,
		ApplyingRemoteWindow: 100 * time.Millisecond,
	}
	fileA := OpenFileSession(clientA, projectId, fileId, sessionA, true, nil, settings)
	defer fileA.Close()
	fileB := OpenFileSession(clientB, projectId, fileId, sessionB, true, captureB.handlers(), settings)
	defer fileB.Close()

	// a typing burst faster than the debounce window, then silence:
	// exactly one broadcast carrying the newest content
	for i := 0; i < 25; i += 1 {
		fileA.SetContent(fmt.Sprintf("draft %d", i), int64(i))
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, 5*time.Second, func() bool {
		captureB.mutex.Lock()
		defer captureB.mutex.Unlock()
		return 1 <= len(captureB.contentChanges)
	})
	holdFor(t, 400*time.Millisecond, func() bool {
		captureB.mutex.Lock()
		defer captureB.mutex.Unlock()
		return len(captureB.contentChanges) == 1
	})

	captureB.mutex.Lock()
	defer captureB.mutex.Unlock()
	assert.Equal(t, "draft 24", captureB.contentChanges[0].Content)
	assert.Equal(t, int64(24), captureB.contentChanges[0].Version)
}

func TestFileSessionApplyingRemoteWindow(t *testing.T) {
	harness := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionA, _ := harness.login(ctx, "alice")
	sessionB, _ := harness.login(ctx, "bob")
	clientA := harness.client(ctx, sessionA)
	clientB := harness.client(ctx, sessionB)

	projectId := uuid.New()
	fileId := uuid.New()
	name := protocol.FileCollabChannel(projectId, fileId)

	channelA := clientA.OpenChannel(name, nil)
	channelB := clientB.OpenChannel(name, nil)
	waitFor(t, 5*time.Second, func() bool {
		return channelA.Status() == ChannelStatusSubscribed && channelB.Status() == ChannelStatusSubscribed
	})

	var mutex sync.Mutex
	applyingDuringHandler := false
	var fileB *FileSession
	fileB = OpenFileSession(clientB, projectId, fileId, sessionB, true, &FileSessionHandlers{
		OnContentChange: func(change *protocol.ContentChange) {
			mutex.Lock()
			defer mutex.Unlock()
			// the flag is raised before the handler runs so editor
			// change detection can consult it while applying
			applyingDuringHandler = fileB.IsApplyingRemote()
		},
	}, testFileSessionSettings())
	defer fileB.Close()
	fileA := OpenFileSession(clientA, projectId, fileId, sessionA, true, nil, testFileSessionSettings())
	defer fileA.Close()

	fileA.SetContent("remote edit", 1)

	waitFor(t, 5*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return applyingDuringHandler
	})
	// and it clears after the window
	waitFor(t, 5*time.Second, func() bool {
		return !fileB.IsApplyingRemote()
	})
}

// a read-only viewer receives everything but never broadcasts
func TestFileSessionViewerCannotBroadcast(t *testing.T) {
	harness := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionA, _ := harness.login(ctx, "alice")
	sessionB, _ := harness.login(ctx, "bob")
	clientA := harness.client(ctx, sessionA)
	clientB := harness.client(ctx, sessionB)

	projectId := uuid.New()
	fileId := uuid.New()
	name := protocol.FileCollabChannel(projectId, fileId)

	channelA := clientA.OpenChannel(name, nil)
	channelB := clientB.OpenChannel(name, nil)
	waitFor(t, 5*time.Second, func() bool {
		return channelA.Status() == ChannelStatusSubscribed && channelB.Status() == ChannelStatusSubscribed
	})

	captureA := &collabCapture{}
	fileA := OpenFileSession(clientA, projectId, fileId, sessionA, true, captureA.handlers(), testFileSessionSettings())
	defer fileA.Close()
	viewer := OpenFileSession(clientB, projectId, fileId, sessionB, false, nil, testFileSessionSettings())

	viewer.SetContent("should not send", 1)
	viewer.SetCursor(protocol.CursorPosition{Line: 1, Column: 1})
	viewer.LockLine(1)
	viewer.UnlockLine(1)
	viewer.Close()
	// closing twice is safe
	viewer.Close()

	holdFor(t, 400*time.Millisecond, func() bool {
		return captureA.total() == 0
	})
}
