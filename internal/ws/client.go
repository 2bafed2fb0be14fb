package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	readWait   = 120 * time.Second
	sendBuffer = 32
)

// Client is one live channel. The read loop is purely reactive
// (ping frames get a pong, everything else is ignored); all application
// pushes go through the send channel so a single writer owns the
// connection.
type Client struct {
	userID  string
	isAdmin bool
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func NewClient(conn *websocket.Conn, userID string, isAdmin bool) *Client {
	return &Client{
		userID:  userID,
		isAdmin: isAdmin,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }
func (c *Client) IsAdmin() bool  { return c.isAdmin }

// enqueue hands a frame to the writer without blocking. A full buffer
// means the channel is slow or dead; the caller drops it.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

type inboundFrame struct {
	Type string `json:"type"`
}

// Run pumps the connection until it drops, then unregisters. It blocks,
// so the caller runs it on the request goroutine after the upgrade.
func (c *Client) Run(registry *Registry) {
	go c.writePump()
	c.readPump()
	registry.Unregister(c)
	c.shutdown()
}

func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			c.enqueue([]byte(`{"type":"pong"}`))
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}
