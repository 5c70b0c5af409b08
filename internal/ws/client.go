package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StatsFunc supplies the payload for the stats action.
type StatsFunc func() any

// clientRequest is what subscribers send: an action plus an optional
// stream name.
type clientRequest struct {
	Action string `json:"action"`
	Stream string `json:"stream,omitempty"`
}

// Client is one live websocket subscriber.
type Client struct {
	id    string
	conn  *websocket.Conn
	reg   *Registry
	stats StatsFunc
	log   *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Serve upgrades the request, registers the connection and starts its
// pumps. The registry owns the connection from here on.
func Serve(reg *Registry, stats StatsFunc, log *zap.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:    uuid.NewString(),
		conn:  conn,
		reg:   reg,
		stats: stats,
		log:   log.With(zap.String("conn", conn.RemoteAddr().String())),
		send:  make(chan []byte, sendBuffer),
	}
	reg.Connect(c)
	go c.writePump()
	go c.readPump()
}

func (c *Client) ID() string { return c.id }

// Enqueue hands the message to the write pump. Full buffer or closed
// connection errors instead of blocking the broadcaster.
func (c *Client) Enqueue(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close shuts the send channel; the write pump drains and closes the
// socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		c.reg.Disconnect(c.id)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("connection read failed", zap.Error(err))
			}
			return
		}
		c.handle(message)
	}
}

// handle dispatches one client request. Acks and errors share the
// "status" event type; pong and stats have their own.
func (c *Client) handle(message []byte) {
	var req clientRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.reply(Event{Type: "status", Data: "error: malformed request"})
		return
	}
	switch req.Action {
	case "subscribe":
		if err := c.reg.Subscribe(c.id, req.Stream); err != nil {
			c.reply(Event{Type: "status", Data: "error: " + err.Error()})
			return
		}
		c.reply(Event{Type: "status", Stream: req.Stream, Data: "subscribed"})
	case "unsubscribe":
		c.reg.Unsubscribe(c.id, req.Stream)
		c.reply(Event{Type: "status", Stream: req.Stream, Data: "unsubscribed"})
	case "ping":
		c.reply(Event{Type: "pong"})
	case "stats":
		var data any
		if c.stats != nil {
			data = c.stats()
		}
		c.reply(Event{Type: "stats", Data: data})
	default:
		c.reply(Event{Type: "status", Data: fmt.Sprintf("error: unknown action %q", req.Action)})
	}
}

func (c *Client) reply(evt Event) {
	evt.Timestamp = time.Now().UTC()
	msg, err := json.Marshal(evt)
	if err != nil {
		c.log.Warn("encode reply failed", zap.Error(err))
		return
	}
	if err := c.Enqueue(msg); err != nil {
		c.reg.Disconnect(c.id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
