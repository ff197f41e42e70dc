package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kode4food/switchyard/pkg/api"
)

// SocketTransport carries one JSON message per websocket text frame
type SocketTransport struct {
	*stream
	conn *websocket.Conn
	mu   sync.Mutex
}

const (
	socketWriteWait = 10 * time.Second
	socketBuffer    = 4096
)

var _ Transport = (*SocketTransport)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  socketBuffer,
	WriteBufferSize: socketBuffer,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// NewSocketTransport starts reading messages from conn
func NewSocketTransport(conn *websocket.Conn) *SocketTransport {
	conn.SetReadLimit(MaxFrameSize)
	t := &SocketTransport{stream: newStream(), conn: conn}
	go t.readLoop()
	return t
}

// UpgradeSocket upgrades an HTTP request to a websocket transport
func UpgradeSocket(
	w http.ResponseWriter, r *http.Request,
) (*SocketTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewSocketTransport(conn), nil
}

// DialSocket connects to a websocket endpoint
func DialSocket(ctx context.Context, url string) (*SocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewSocketTransport(conn), nil
}

// Send implements Transport
func (t *SocketTransport) Send(m *api.Message) error {
	if t.closed() {
		return ErrChannelClosed
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements Transport
func (t *SocketTransport) Close() error {
	if !t.finish(nil) {
		return nil
	}
	t.mu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *SocketTransport) readLoop() {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.finish(errors.Join(ErrChannelClosed, err))
			_ = t.conn.Close()
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var m api.Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if m.Validate() != nil {
			continue
		}
		if !t.deliver(&m) {
			return
		}
	}
}
