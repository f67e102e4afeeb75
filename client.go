package collab

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"codehive.dev/collab/protocol"
)

// Logging convention:
// Info:
//     essential events for abnormal behavior. This level should be
//     silent in normal operation: connect failures, the reconnect cap
//     being reached, payload integrity fallbacks.
// V(1):
//     channel and connection lifecycle transitions.
// V(2):
//     per-frame trace - send, receive, drop, self-echo discard. High
//     frequency, only useful when chasing a specific session.

type ConnectionStatus string

const (
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	// the reconnect cap was reached, or the client was closed. No
	// further attempts are scheduled until `Reconnect` is called.
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

type RealtimeClientSettings struct {
	WsHandshakeTimeout time.Duration
	// fixed delay between reconnect attempts. No backoff.
	ReconnectTimeout time.Duration
	// consecutive dial failures before the client parks disconnected
	MaxReconnectAttempts int
	HeartbeatTimeout     time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	SendBufferSize       int
	// test hook. nil means websocket dial of the hub url.
	DialFunc DialFunc
}

func DefaultRealtimeClientSettings() *RealtimeClientSettings {
	return &RealtimeClientSettings{
		WsHandshakeTimeout:   2 * time.Second,
		ReconnectTimeout:     3 * time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatTimeout:     15 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          30 * time.Second,
		SendBufferSize:       32,
	}
}

// RealtimeClient owns one multiplexed connection to the realtime hub
// and is the single point of creation for logical channels. It is an
// explicitly constructed instance with a bounded lifecycle - create at
// workspace start, `Close` at teardown - never a process singleton.
type RealtimeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	// tells concurrent client instances apart in logs
	instanceId Id

	url   string
	byJwt string

	settings *RealtimeClientSettings

	mutex     sync.Mutex
	channels  map[string]*Channel
	send      chan *protocol.Frame
	connected bool
	status    ConnectionStatus

	retrigger chan struct{}

	statusMonitor *Monitor
}

func NewRealtimeClientWithDefaults(
	ctx context.Context,
	url string,
	byJwt string,
) *RealtimeClient {
	return NewRealtimeClient(ctx, url, byJwt, DefaultRealtimeClientSettings())
}

func NewRealtimeClient(
	ctx context.Context,
	url string,
	byJwt string,
	settings *RealtimeClientSettings,
) *RealtimeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &RealtimeClient{
		ctx:           cancelCtx,
		cancel:        cancel,
		instanceId:    NewId(),
		url:           url,
		byJwt:         byJwt,
		settings:      settings,
		channels:      map[string]*Channel{},
		status:        ConnectionStatusConnecting,
		retrigger:     make(chan struct{}, 1),
		statusMonitor: NewMonitor(),
	}
	go client.run()
	return client
}

func (self *RealtimeClient) run() {
	defer self.setStatus(ConnectionStatusDisconnected)

	attempt := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		conn, err := self.dial()
		if err != nil {
			attempt += 1
			glog.Infof("[rt:%s]connect attempt %d error = %s\n", self.instanceId, attempt, err)
			if self.settings.MaxReconnectAttempts <= attempt {
				// park until an external re-trigger. The session has
				// no live updates until then.
				glog.Infof("[rt:%s]reconnect cap reached (%d), disconnected\n", self.instanceId, attempt)
				self.setStatus(ConnectionStatusDisconnected)
				select {
				case <-self.ctx.Done():
					return
				case <-self.retrigger:
					attempt = 0
					self.setStatus(ConnectionStatusReconnecting)
					continue
				}
			}
			self.setStatus(ConnectionStatusReconnecting)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		attempt = 0
		self.handleConn(conn)

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setStatus(ConnectionStatusReconnecting)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *RealtimeClient) dial() (FrameConn, error) {
	if self.settings.DialFunc != nil {
		return self.settings.DialFunc(self.ctx)
	}
	return wsDial(self.ctx, self.url, self.byJwt, self.settings)
}

func (self *RealtimeClient) handleConn(conn FrameConn) {
	defer conn.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock the read pump on close or write error
	go func() {
		<-handleCtx.Done()
		conn.Close()
	}()

	send := make(chan *protocol.Frame, self.settings.SendBufferSize)

	self.mutex.Lock()
	self.send = send
	self.connected = true
	channels := make([]*Channel, 0, len(self.channels))
	for _, channel := range self.channels {
		channels = append(channels, channel)
	}
	self.mutex.Unlock()
	self.setStatus(ConnectionStatusConnected)

	defer func() {
		self.mutex.Lock()
		self.connected = false
		self.send = nil
		self.mutex.Unlock()
	}()

	// rejoin every registered channel on this connection
	for _, channel := range channels {
		channel.setStatus(ChannelStatusJoining)
		self.queueFrame(send, &protocol.Frame{
			Channel: channel.name,
			Event:   protocol.EventJoin,
		})
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-send:
				if err := conn.WriteFrame(frame); err != nil {
					glog.Infof("[rt]send error = %s\n", err)
					return
				}
				glog.V(2).Infof("[rt]%s %s->\n", frame.Channel, frame.Event)
			case <-time.After(self.settings.HeartbeatTimeout):
				heartbeat := &protocol.Frame{
					Event: protocol.EventHeartbeat,
				}
				if err := conn.WriteFrame(heartbeat); err != nil {
					return
				}
			}
		}
	}()

	// read pump. Frames dispatch synchronously in arrival order, which
	// preserves per-channel ordering without any cross-channel
	// ordering assumption.
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		frame, err := conn.ReadFrame()
		if err != nil {
			glog.Infof("[rt]receive error = %s\n", err)
			return
		}
		self.dispatch(frame)
	}
}

func (self *RealtimeClient) queueFrame(send chan *protocol.Frame, frame *protocol.Frame) {
	select {
	case send <- frame:
	case <-self.ctx.Done():
	}
}

func (self *RealtimeClient) sendFrame(frame *protocol.Frame) error {
	self.mutex.Lock()
	send := self.send
	connected := self.connected
	self.mutex.Unlock()

	if !connected {
		return ErrNotConnected
	}
	select {
	case send <- frame:
		return nil
	case <-self.ctx.Done():
		return ErrClientClosed
	case <-time.After(self.settings.WriteTimeout):
		return ErrNotConnected
	}
}

func (self *RealtimeClient) dispatch(frame *protocol.Frame) {
	if frame.Event == protocol.EventHeartbeat {
		return
	}

	self.mutex.Lock()
	channel, ok := self.channels[frame.Channel]
	self.mutex.Unlock()
	if !ok {
		glog.V(2).Infof("[rt]drop %s %s (no channel)\n", frame.Channel, frame.Event)
		return
	}

	switch frame.Event {
	case protocol.EventJoined:
		channel.setStatus(ChannelStatusSubscribed)
		channel.resendTrack()
	case protocol.EventRowChange:
		change := &protocol.RowChange{}
		if err := json.Unmarshal(frame.Payload, change); err != nil {
			glog.Infof("[rt]%s malformed row change = %s\n", frame.Channel, err)
			return
		}
		if handlers := channel.getHandlers(); handlers != nil && handlers.OnRowChange != nil {
			handlers.OnRowChange(change)
		}
	case protocol.EventBroadcast:
		payload := &protocol.BroadcastPayload{}
		if err := json.Unmarshal(frame.Payload, payload); err != nil {
			glog.Infof("[rt]%s malformed broadcast = %s\n", frame.Channel, err)
			return
		}
		if handlers := channel.getHandlers(); handlers != nil && handlers.OnBroadcast != nil {
			handlers.OnBroadcast(payload.Event, payload.Payload)
		}
	case protocol.EventPresenceSync:
		payload := &protocol.PresenceSync{}
		if err := json.Unmarshal(frame.Payload, payload); err != nil {
			glog.Infof("[rt]%s malformed presence sync = %s\n", frame.Channel, err)
			return
		}
		if handlers := channel.getHandlers(); handlers != nil && handlers.OnPresenceSync != nil {
			handlers.OnPresenceSync(payload.Roster)
		}
	case protocol.EventError:
		payload := &protocol.ErrorPayload{}
		json.Unmarshal(frame.Payload, payload)
		glog.Infof("[rt]%s channel error = %s\n", frame.Channel, payload.Message)
		channel.setStatus(ChannelStatusErrored)
	default:
		glog.V(2).Infof("[rt]drop %s %s (unknown event)\n", frame.Channel, frame.Event)
	}
}

// OpenChannel returns the channel registered under `name`, creating it
// if needed. Opening an already open name is a benign no-op that
// returns the existing handle - effect re-entry in consumers can open
// twice before cleanup runs - but a non-nil `handlers` still replaces
// the handler slot so the latest callbacks win.
func (self *RealtimeClient) OpenChannel(name string, handlers *ChannelHandlers) *Channel {
	self.mutex.Lock()
	if channel, ok := self.channels[name]; ok {
		self.mutex.Unlock()
		glog.V(1).Infof("[ch]duplicate open %s, reusing\n", name)
		if handlers != nil {
			channel.SetHandlers(handlers)
		}
		return channel
	}

	channel := &Channel{
		client: self,
		name:   name,
		status: ChannelStatusJoining,
	}
	channel.handlers.Store(handlers)
	self.channels[name] = channel
	connected := self.connected
	self.mutex.Unlock()

	glog.V(1).Infof("[ch]open %s\n", name)
	if connected {
		if err := self.sendFrame(&protocol.Frame{
			Channel: name,
			Event:   protocol.EventJoin,
		}); err != nil {
			glog.Infof("[ch]%s join send error = %s\n", name, err)
		}
	}
	return channel
}

// CloseChannel tears down the named channel. Safe to call when the
// channel is already closed or was never opened.
func (self *RealtimeClient) CloseChannel(name string) {
	self.mutex.Lock()
	channel, ok := self.channels[name]
	if ok {
		delete(self.channels, name)
	}
	connected := self.connected
	self.mutex.Unlock()

	if !ok {
		return
	}

	glog.V(1).Infof("[ch]close %s\n", name)
	channel.setStatus(ChannelStatusClosed)
	if connected {
		if err := self.sendFrame(&protocol.Frame{
			Channel: name,
			Event:   protocol.EventLeave,
		}); err != nil {
			glog.V(1).Infof("[ch]%s leave send error = %s\n", name, err)
		}
	}
}

// Broadcast sends an ephemeral event on the named channel, lazily
// opening the channel first. Broadcast channels have no persisted
// backlog, so a late-opened sender is acceptable. Failed sends are not
// retried.
func (self *RealtimeClient) Broadcast(name string, event string, payload any) error {
	self.mutex.Lock()
	_, ok := self.channels[name]
	self.mutex.Unlock()
	if !ok {
		self.OpenChannel(name, nil)
	}

	broadcastJson, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := protocol.NewFrame(name, protocol.EventBroadcast, &protocol.BroadcastPayload{
		Event:   event,
		Payload: broadcastJson,
	})
	if err != nil {
		return err
	}
	return self.sendFrame(frame)
}

func (self *RealtimeClient) Status() ConnectionStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status
}

func (self *RealtimeClient) StatusMonitor() *Monitor {
	return self.statusMonitor
}

func (self *RealtimeClient) setStatus(status ConnectionStatus) {
	self.mutex.Lock()
	if self.status == status {
		self.mutex.Unlock()
		return
	}
	previous := self.status
	self.status = status
	self.mutex.Unlock()

	glog.V(1).Infof("[rt:%s]status %s -> %s\n", self.instanceId, previous, status)
	self.statusMonitor.NotifyAll()
}

// Reconnect re-triggers the connect loop after the reconnect cap
// parked the client. No-op while the client is connected or retrying.
func (self *RealtimeClient) Reconnect() {
	select {
	case self.retrigger <- struct{}{}:
	default:
	}
}

func (self *RealtimeClient) Close() {
	self.cancel()
}

type ChannelStatus string

const (
	ChannelStatusJoining    ChannelStatus = "joining"
	ChannelStatusSubscribed ChannelStatus = "subscribed"
	ChannelStatusErrored    ChannelStatus = "errored"
	ChannelStatusClosed     ChannelStatus = "closed"
)

type ChannelHandlers struct {
	OnBroadcast    func(event string, payload json.RawMessage)
	OnRowChange    func(change *protocol.RowChange)
	OnPresenceSync func(roster []*protocol.PresenceInfo)
	OnStatus       func(status ChannelStatus)
}

// Channel is a handle on one logical channel. The handler slot is
// mutable so a consumer can swap callbacks without rejoining - always
// invoke the latest handler, never a stale closure.
type Channel struct {
	client *RealtimeClient
	name   string

	handlers atomic.Pointer[ChannelHandlers]

	mutex     sync.Mutex
	status    ChannelStatus
	trackInfo *protocol.PresenceInfo
}

func (self *Channel) Name() string {
	return self.name
}

func (self *Channel) SetHandlers(handlers *ChannelHandlers) {
	self.handlers.Store(handlers)
}

func (self *Channel) getHandlers() *ChannelHandlers {
	return self.handlers.Load()
}

func (self *Channel) Status() ChannelStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status
}

func (self *Channel) setStatus(status ChannelStatus) {
	self.mutex.Lock()
	if self.status == status {
		self.mutex.Unlock()
		return
	}
	previous := self.status
	self.status = status
	self.mutex.Unlock()

	glog.V(1).Infof("[ch]%s status %s -> %s\n", self.name, previous, status)
	if handlers := self.getHandlers(); handlers != nil && handlers.OnStatus != nil {
		handlers.OnStatus(status)
	}
}

// Track announces presence on this channel. The announcement is sent
// once the channel reaches subscribed, and re-sent after every rejoin.
func (self *Channel) Track(info *protocol.PresenceInfo) {
	self.mutex.Lock()
	self.trackInfo = info
	subscribed := self.status == ChannelStatusSubscribed
	self.mutex.Unlock()

	if subscribed {
		self.sendTrack(info)
	}
}

func (self *Channel) resendTrack() {
	self.mutex.Lock()
	info := self.trackInfo
	self.mutex.Unlock()

	if info != nil {
		self.sendTrack(info)
	}
}

func (self *Channel) sendTrack(info *protocol.PresenceInfo) {
	frame, err := protocol.NewFrame(self.name, protocol.EventTrack, info)
	if err != nil {
		glog.Infof("[ch]%s track encode error = %s\n", self.name, err)
		return
	}
	if err := self.client.sendFrame(frame); err != nil {
		glog.Infof("[ch]%s track send error = %s\n", self.name, err)
	}
}

func (self *Channel) Close() {
	self.client.CloseChannel(self.name)
}
