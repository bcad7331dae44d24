package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/velora-app/realtime/internal/wire"
)

const (
	// Time allowed to write one frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection is dead.
	pongWait = 60 * time.Second

	// Ping interval; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Large media never travels over the
	// realtime channel; clients upload and send a URL.
	maxFrameSize = 64 * 1024

	// Outgoing queue per connection. A consumer that falls this far behind
	// is dead as far as realtime delivery is concerned.
	sendQueue = 64
)

// ErrSlowConsumer marks a connection whose outgoing queue overflowed or that
// is already closed. The registry reacts by removing the connection.
var ErrSlowConsumer = errors.New("ws: send queue full or connection closed")

// Conn adapts one websocket to the registry's connection contract. Writes
// are serialized through the write pump; Send never blocks.
type Conn struct {
	userID      string
	ws          *websocket.Conn
	out         chan wire.Event
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
}

func newConn(userID string, wsc *websocket.Conn) *Conn {
	return &Conn{
		userID:      userID,
		ws:          wsc,
		out:         make(chan wire.Event, sendQueue),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// NewConn wraps an already-upgraded websocket for callers outside the
// handshake path, such as the admin observation surface. The write pump
// starts immediately.
func NewConn(userID string, wsc *websocket.Conn) *Conn {
	c := newConn(userID, wsc)
	go c.writePump()
	return c
}

func (c *Conn) UserID() string { return c.userID }

// ConnectedAt is when the handshake completed.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Send queues ev for delivery. It never blocks; a full queue or closed
// connection returns ErrSlowConsumer so the caller can drop the connection.
func (c *Conn) Send(ev wire.Event) error {
	select {
	case <-c.done:
		return ErrSlowConsumer
	case c.out <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close tears the connection down. Idempotent; safe from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump owns all writes on the socket: queued events and keepalive
// pings. Runs until the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
