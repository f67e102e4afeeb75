package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codehive.dev/collab/protocol"
)

// FrameConn is one established connection to the realtime hub. The
// default implementation is a websocket carrying json frames; tests
// substitute in-memory pipes via `RealtimeClientSettings.DialFunc`.
type FrameConn interface {
	WriteFrame(frame *protocol.Frame) error
	ReadFrame() (*protocol.Frame, error)
	Close() error
}

// (ctx) -> conn
type DialFunc func(ctx context.Context) (FrameConn, error)

type wsFrameConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	writeMutex sync.Mutex
}

func wsDial(
	ctx context.Context,
	url string,
	byJwt string,
	settings *RealtimeClientSettings,
) (FrameConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if byJwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &wsFrameConn{
		ws:           ws,
		writeTimeout: settings.WriteTimeout,
		readTimeout:  settings.ReadTimeout,
	}, nil
}

func (self *wsFrameConn) WriteFrame(frame *protocol.Frame) error {
	frameJson, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.writeTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.TextMessage, frameJson)
}

func (self *wsFrameConn) ReadFrame() (*protocol.Frame, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.readTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			frame := &protocol.Frame{}
			if err := json.Unmarshal(message, frame); err != nil {
				return nil, fmt.Errorf("malformed frame: %w", err)
			}
			return frame, nil
		default:
			continue
		}
	}
}

func (self *wsFrameConn) Close() error {
	return self.ws.Close()
}
