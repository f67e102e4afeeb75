package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"codehive.dev/collab/protocol"
)

const connSendBufferSize = 64
const connWriteTimeout = 5 * time.Second
const connReadTimeout = 60 * time.Second

// realtime fan-out. One websocket per client session; logical channels
// are names a connection has joined. Broadcasts redeliver to every
// member of the channel including the sender - receivers do their own
// self-echo suppression. Presence is tracked per channel and the full
// roster is synced to all members on every change.

type realtime struct {
	hub *Hub

	mutex    sync.Mutex
	channels map[string]*rtChannel
}

type rtChannel struct {
	name      string
	conns     map[*rtConn]bool
	presences map[*rtConn]*protocol.PresenceInfo
}

type rtConn struct {
	rt     *realtime
	ws     *websocket.Conn
	userId string

	send chan *protocol.Frame

	mutex    sync.Mutex
	closed   bool
	channels map[string]bool
}

func newRealtime(hub *Hub) *realtime {
	return &realtime{
		hub:      hub,
		channels: map[string]*rtChannel{},
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// cors is enforced on the rest surface; the ws handshake
		// carries the bearer token
		return true
	},
}

func (self *realtime) serve(w http.ResponseWriter, r *http.Request, userId string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}

	conn := &rtConn{
		rt:       self,
		ws:       ws,
		userId:   userId,
		send:     make(chan *protocol.Frame, connSendBufferSize),
		channels: map[string]bool{},
	}

	go conn.writePump()
	conn.readPump()
	conn.teardown()
}

func (self *rtConn) writePump() {
	for frame := range self.send {
		frameJson, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		self.ws.SetWriteDeadline(time.Now().Add(connWriteTimeout))
		if err := self.ws.WriteMessage(websocket.TextMessage, frameJson); err != nil {
			self.ws.Close()
			return
		}
	}
	self.ws.Close()
}

func (self *rtConn) readPump() {
	for {
		self.ws.SetReadDeadline(time.Now().Add(connReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			frame := &protocol.Frame{}
			if err := json.Unmarshal(message, frame); err != nil {
				glog.V(1).Infof("[hub]malformed frame = %s\n", err)
				continue
			}
			self.handleFrame(frame)
		}
	}
}

func (self *rtConn) handleFrame(frame *protocol.Frame) {
	switch frame.Event {
	case protocol.EventHeartbeat:
		self.queue(&protocol.Frame{
			Event: protocol.EventHeartbeat,
		})
	case protocol.EventJoin:
		self.rt.join(self, frame.Channel)
	case protocol.EventLeave:
		self.rt.leave(self, frame.Channel)
	case protocol.EventBroadcast:
		self.rt.broadcast(self, frame)
	case protocol.EventTrack:
		info := &protocol.PresenceInfo{}
		if err := json.Unmarshal(frame.Payload, info); err != nil {
			glog.V(1).Infof("[hub]malformed track = %s\n", err)
			return
		}
		self.rt.track(self, frame.Channel, info)
	default:
		glog.V(1).Infof("[hub]unknown event %s\n", frame.Event)
	}
}

// queue drops the frame when the receiver cannot keep up rather than
// blocking the whole channel. The mutex is held through the send so
// teardown cannot close the channel under an in-flight queue.
func (self *rtConn) queue(frame *protocol.Frame) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}
	select {
	case self.send <- frame:
	default:
		glog.Infof("[hub]slow consumer, dropping %s %s\n", frame.Channel, frame.Event)
	}
}

func (self *rtConn) teardown() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	channels := maps.Keys(self.channels)
	self.mutex.Unlock()

	for _, name := range channels {
		self.rt.leave(self, name)
	}
	close(self.send)
}

func (self *realtime) channel(name string) *rtChannel {
	channel, ok := self.channels[name]
	if !ok {
		channel = &rtChannel{
			name:      name,
			conns:     map[*rtConn]bool{},
			presences: map[*rtConn]*protocol.PresenceInfo{},
		}
		self.channels[name] = channel
	}
	return channel
}

func (self *realtime) join(conn *rtConn, name string) {
	if name == "" {
		return
	}

	self.mutex.Lock()
	channel := self.channel(name)
	channel.conns[conn] = true
	roster := channel.roster()
	hasPresences := 0 < len(channel.presences)
	self.mutex.Unlock()

	conn.mutex.Lock()
	conn.channels[name] = true
	conn.mutex.Unlock()

	glog.V(1).Infof("[hub]%s join %s\n", conn.userId, name)
	joined := &protocol.Frame{
		Channel: name,
		Event:   protocol.EventJoined,
	}
	conn.queue(joined)

	// late joiners see the current roster without waiting for the
	// next membership change
	if hasPresences {
		self.queueSync(conn, name, roster)
	}
}

func (self *realtime) leave(conn *rtConn, name string) {
	self.mutex.Lock()
	channel, ok := self.channels[name]
	if !ok {
		self.mutex.Unlock()
		return
	}
	delete(channel.conns, conn)
	_, tracked := channel.presences[conn]
	delete(channel.presences, conn)
	var conns []*rtConn
	var roster []*protocol.PresenceInfo
	if tracked {
		conns = maps.Keys(channel.conns)
		roster = channel.roster()
	}
	if len(channel.conns) == 0 {
		delete(self.channels, name)
	}
	self.mutex.Unlock()

	conn.mutex.Lock()
	delete(conn.channels, name)
	conn.mutex.Unlock()

	glog.V(1).Infof("[hub]%s leave %s\n", conn.userId, name)
	if tracked {
		// sync the shrunk roster to everyone still subscribed
		for _, member := range conns {
			self.queueSync(member, name, roster)
		}
	}
}

// broadcast fans out to all channel members including the sender
func (self *realtime) broadcast(conn *rtConn, frame *protocol.Frame) {
	self.mutex.Lock()
	channel, ok := self.channels[frame.Channel]
	if !ok {
		self.mutex.Unlock()
		return
	}
	if !channel.conns[conn] {
		// broadcast from a non-member implicitly joins, matching the
		// lazy-open behavior of senders that never subscribed
		channel.conns[conn] = true
		conn.mutex.Lock()
		conn.channels[frame.Channel] = true
		conn.mutex.Unlock()
	}
	conns := maps.Keys(channel.conns)
	self.mutex.Unlock()

	for _, member := range conns {
		member.queue(frame)
	}
}

func (self *realtime) track(conn *rtConn, name string, info *protocol.PresenceInfo) {
	self.mutex.Lock()
	channel := self.channel(name)
	channel.presences[conn] = info
	conns := maps.Keys(channel.conns)
	roster := channel.roster()
	self.mutex.Unlock()

	for _, member := range conns {
		self.queueSync(member, name, roster)
	}
}

func (self *realtime) queueSync(conn *rtConn, name string, roster []*protocol.PresenceInfo) {
	frame, err := protocol.NewFrame(name, protocol.EventPresenceSync, &protocol.PresenceSync{
		Roster: roster,
	})
	if err != nil {
		return
	}
	conn.queue(frame)
}

// publishRowChange fans a table change out to the named channel
func (self *realtime) publishRowChange(name string, change *protocol.RowChange) {
	self.mutex.Lock()
	channel, ok := self.channels[name]
	if !ok {
		self.mutex.Unlock()
		return
	}
	conns := maps.Keys(channel.conns)
	self.mutex.Unlock()

	frame, err := protocol.NewFrame(name, protocol.EventRowChange, change)
	if err != nil {
		glog.Infof("[hub]row change encode error = %s\n", err)
		return
	}
	for _, member := range conns {
		member.queue(frame)
	}
}

// roster must be called with the realtime mutex held
func (self *rtChannel) roster() []*protocol.PresenceInfo {
	roster := maps.Values(self.presences)
	slices.SortFunc(roster, func(a *protocol.PresenceInfo, b *protocol.PresenceInfo) int {
		if a.OnlineAt != b.OnlineAt {
			if a.OnlineAt < b.OnlineAt {
				return -1
			}
			return 1
		}
		return 0
	})
	return roster
}
