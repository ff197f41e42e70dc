package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kode4food/switchyard/internal/hub"
	"github.com/kode4food/switchyard/internal/rpc"
	"github.com/kode4food/switchyard/pkg/api"
	"github.com/kode4food/switchyard/pkg/log"
)

type (
	// Client represents a WebSocket client connection for trace streaming
	Client struct {
		conn      *websocket.Conn
		consumer  hub.Consumer
		filter    hub.Filter
		done      chan struct{}
		onClose   func(*Client)
		closeOnce sync.Once
	}
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 4096
	wsBufferSize       = 1024
	incomingBufferSize = 16

	subscribeType  = "subscribe"
	subscribedType = "subscribed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket upgrades an HTTP connection to WebSocket and streams
// trace events matching the client's subscription. Nothing is sent until
// the client subscribes
func HandleWebSocket(h *hub.Hub, w http.ResponseWriter, r *http.Request) {
	if client := upgradeClient(h, w, r); client != nil {
		go client.run()
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	client := upgradeClient(s.hub, c.Writer, c.Request)
	if client == nil {
		return
	}
	client.onClose = s.unregisterWebSocket
	s.registerWebSocket(client)
	go client.run()
}

func upgradeClient(h *hub.Hub, w http.ResponseWriter, r *http.Request) *Client {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed",
			log.Error(err))
		return nil
	}
	return &Client{
		conn:     conn,
		consumer: h.NewConsumer(),
		filter:   hub.None,
		done:     make(chan struct{}),
	}
}

// handleWorkerSocket accepts a remote worker. The worker registers the
// steps it serves over the channel once connected
func (s *Server) handleWorkerSocket(c *gin.Context) {
	if s.workers == nil {
		writeError(c, http.StatusServiceUnavailable, ErrNoWorkerPool)
		return
	}
	t, err := rpc.UpgradeSocket(c.Writer, c.Request)
	if err != nil {
		slog.Error("Worker socket upgrade failed",
			log.Error(err))
		return
	}
	s.workers.Accept(t)
}

// Close terminates the connection; run notices and cleans up
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) run() {
	defer func() {
		c.consumer.Close()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	incoming := make(chan []byte, incomingBufferSize)
	go c.readMessages(incoming)

	for {
		select {
		case <-c.done:
			c.sendClose()
			return

		case message, ok := <-incoming:
			if !ok {
				return
			}
			if !c.handleSubscribe(message) {
				return
			}

		case ev, ok := <-c.consumer.Receive():
			if !ok {
				c.sendClose()
				return
			}
			if !c.sendEventIfMatched(ev) {
				return
			}

		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Client) readMessages(incoming chan []byte) {
	defer close(incoming)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case incoming <- message:
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleSubscribe(message []byte) bool {
	var sub api.SubscribeRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		slog.Error("Failed to parse WebSocket message",
			log.Error(err))
		return true
	}

	if sub.Type != subscribeType {
		return true
	}

	c.filter = hub.BuildFilter(&sub.Data)
	return c.write(api.SubscribedResult{
		Type: subscribedType,
		Data: sub.Data,
	})
}

func (c *Client) sendEventIfMatched(ev *api.TraceEvent) bool {
	if !c.filter(ev) {
		return true
	}
	return c.write(ev)
}

func (c *Client) write(msg any) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		slog.Error("WebSocket write failed",
			log.Error(err))
		return false
	}
	return true
}

func (c *Client) sendClose() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) sendPing() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.PingMessage, nil)
	return err == nil
}
