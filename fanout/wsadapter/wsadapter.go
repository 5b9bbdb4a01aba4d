// Package wsadapter wraps a gorilla/websocket.Conn as a fanout.Peer. It is
// the one piece of transport code kept in-tree: a reference implementation
// the tests exercise, not a requirement that callers of fanout use it.
package wsadapter

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crmmc/aria2deck/core"
	"github.com/crmmc/aria2deck/fanout"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	readLimit  = 512
	sendBuffer = 32
)

var errClosed = errors.New("wsadapter: connection closed")

// Conn adapts a websocket.Conn into a fanout.Peer. Writes are serialized
// through a single writer goroutine, per gorilla's requirement that a
// connection have at most one concurrent writer.
type Conn struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
}

// New wraps conn and starts its write and read pumps. Call Close (or let
// the read pump observe the peer disconnecting) to tear both down; either
// way the caller's fanout.Hub.Register unregister func should be deferred
// alongside this.
func New(conn *websocket.Conn) *Conn {
	c := &Conn{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

// Send implements fanout.Peer. A core.Ping message is translated into a
// protocol-level WS ping control frame rather than a JSON text frame,
// matching the teacher's writePump ping/pong convention.
func (c *Conn) Send(msg core.Message) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}

	if msg.Kind == core.MessagePing {
		select {
		case c.send <- nil:
			return nil
		case <-c.closed:
			return errClosed
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return errClosed
	default:
		return errors.New("wsadapter: send buffer full")
	}
}

// Close tears down the underlying connection. Safe to call more than once.
func (c *Conn) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
		_ = c.conn.Close()
	}
}

func (c *Conn) writePump() {
	defer c.Close()
	for {
		select {
		case <-c.closed:
			return
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if payload == nil {
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

var _ fanout.Peer = (*Conn)(nil)
