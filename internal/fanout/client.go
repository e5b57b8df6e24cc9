package fanout

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/charleschow/live-odds/internal/telemetry"
)

const (
	clientSendBuf  = 256
	clientReadBuf  = 16
	maxMessageSize = 4096
	writeDeadline  = 5 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 20 * time.Second
)

var (
	ErrSendQueueFull = errors.New("fanout: send queue full")
	ErrClientClosed  = errors.New("fanout: client closed")
)

// Client is a websocket-backed Conn. Frames queued with Send are written by
// writePump in order; readPump forwards text frames to Inbound.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, clientSendBuf),
		inbound: make(chan []byte, clientReadBuf),
		closed:  make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Inbound is closed when the peer goes away or the client is closed.
func (c *Client) Inbound() <-chan []byte { return c.inbound }

// Done is closed once the client is closed, by either side.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Send enqueues msg without blocking.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops both pumps. Frames still queued are dropped. Safe to call more
// than once.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

// writePump owns the socket: on exit it marks the client closed and closes
// the connection, which unblocks readPump.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				telemetry.Debugf("fanout: write error client=%s: %v", c.id, err)
				return
			}
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump forwards inbound frames until the socket fails. It never closes
// c.send.
func (c *Client) readPump() {
	defer func() {
		close(c.inbound)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case c.inbound <- msg:
		case <-c.closed:
			return
		}
	}
}
