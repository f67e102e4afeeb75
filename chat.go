package collab

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"codehive.dev/collab/protocol"
)

// ChatPanel is durable per-project group messaging: a one-time
// authoritative history fetch combined with the live chat row feed.
//
// The historical fetch and the live subscription can race at panel
// open - a message inserted between the fetch's query execution and
// the subscription's activation could otherwise appear zero or two
// times. Every message id is recorded in a seen set before rendering,
// whether it arrived from history or from the feed, so each id renders
// exactly once regardless of arrival order.

type ChatPanelHandlers struct {
	OnAppend func(message *protocol.ChatMessageRow)
	OnRemove func(messageId uuid.UUID)
}

type ChatPanel struct {
	api       *WorkspaceApi
	projectId uuid.UUID
	session   *Session

	channel  *Channel
	handlers *ChatPanelHandlers

	mutex    sync.Mutex
	seenIds  map[uuid.UUID]bool
	messages []*protocol.ChatMessageRow
}

func OpenChatPanel(
	ctx context.Context,
	client *RealtimeClient,
	api *WorkspaceApi,
	projectId uuid.UUID,
	session *Session,
	handlers *ChatPanelHandlers,
) (*ChatPanel, error) {
	panel := &ChatPanel{
		api:       api,
		projectId: projectId,
		session:   session,
		handlers:  handlers,
		seenIds:   map[uuid.UUID]bool{},
	}

	// subscribe before the fetch. The seen set makes either order
	// correct; subscribing first narrows the missed-event window.
	panel.channel = client.OpenChannel(protocol.ChatChannel(projectId), &ChannelHandlers{
		OnRowChange: panel.handleChange,
	})

	callback, result := NewBlockingApiCallback[*ChatHistoryResult](ctx)
	api.ChatHistory(projectId, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			panel.channel.Close()
			return nil, r.Error
		}
		for _, message := range r.Result.Messages {
			panel.append(message)
		}
	case <-ctx.Done():
		panel.channel.Close()
		return nil, ctx.Err()
	}

	return panel, nil
}

func (self *ChatPanel) handleChange(change *protocol.RowChange) {
	switch change.Type {
	case protocol.ChangeInsert:
		message := &protocol.ChatMessageRow{}
		if err := json.Unmarshal(change.New, message); err != nil {
			glog.Infof("[chat]malformed insert = %s\n", err)
			return
		}
		self.append(message)
	case protocol.ChangeDelete:
		old := &protocol.ChatMessageRow{}
		if err := json.Unmarshal(change.Old, old); err != nil {
			glog.Infof("[chat]malformed delete = %s\n", err)
			return
		}
		self.remove(old.MessageId)
	}
}

func (self *ChatPanel) append(message *protocol.ChatMessageRow) {
	self.mutex.Lock()
	if self.seenIds[message.MessageId] {
		// already rendered, drop silently
		self.mutex.Unlock()
		return
	}
	self.seenIds[message.MessageId] = true
	self.messages = append(self.messages, message)
	self.mutex.Unlock()

	if self.handlers != nil && self.handlers.OnAppend != nil {
		self.handlers.OnAppend(message)
	}
}

func (self *ChatPanel) remove(messageId uuid.UUID) {
	self.mutex.Lock()
	// keep the id in the seen set so a late insert event for a
	// deleted message cannot resurrect it
	self.seenIds[messageId] = true
	i := slices.IndexFunc(self.messages, func(message *protocol.ChatMessageRow) bool {
		return message.MessageId == messageId
	})
	if i < 0 {
		self.mutex.Unlock()
		return
	}
	self.messages = slices.Delete(slices.Clone(self.messages), i, i+1)
	self.mutex.Unlock()

	if self.handlers != nil && self.handlers.OnRemove != nil {
		self.handlers.OnRemove(messageId)
	}
}

// Send persists the message. The api response row renders immediately
// through the same append path the feed uses; the feed's echo of the
// same id then dedupes.
func (self *ChatPanel) Send(ctx context.Context, text string) error {
	callback, result := NewBlockingApiCallback[*SendChatMessageResult](ctx)
	self.api.SendChatMessage(self.projectId, &SendChatMessageArgs{
		Message:   text,
		Username:  self.session.Username,
		AvatarUrl: self.session.AvatarUrl,
	}, callback)
	select {
	case r := <-result:
		if r.Error != nil {
			return r.Error
		}
		if r.Result.Message != nil {
			self.append(r.Result.Message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete persists the delete. Removal from the rendered list flows
// solely through the row feed. Authors can only delete their own
// messages; the api enforces that.
func (self *ChatPanel) Delete(ctx context.Context, messageId uuid.UUID) error {
	callback, result := NewBlockingApiCallback[*DeleteChatMessageResult](ctx)
	self.api.DeleteChatMessage(messageId, callback)
	select {
	case r := <-result:
		return r.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns the rendered list ordered by creation time
func (self *ChatPanel) Messages() []*protocol.ChatMessageRow {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.messages)
}

func (self *ChatPanel) Close() {
	self.channel.Close()
}
