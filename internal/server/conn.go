// Package server implements the HTTP and WebSocket transport surface that
// wires every connection-plane component together: the gin router, the
// gorilla/websocket upgrade handlers for /ws/agent and /ws/dashboard, the
// device-authorization and audit-query HTTP routes, and the internal status
// endpoint. Grounded on the teacher's websocket/hub.go Client (send channel
// + writePump) and ServeClient upgrade pattern, generalized from one hub's
// browser clients to the pool.Sender seam both agent and dashboard sockets
// implement.
package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 60 * time.Second
	sendBufferSize = 256
)

var errConnectionClosed = errors.New("connection closed")
var errSendBufferFull = errors.New("send buffer full")

// wsConn adapts a gorilla/websocket connection to pool.Sender. Writes are
// funneled through a single buffered channel and one writer goroutine,
// since *websocket.Conn forbids concurrent writers; grounded on the
// teacher's hub.go writePump single-writer-goroutine shape, minus its
// newline-batching (see writePump's own comment).
type wsConn struct {
	id   string
	conn *websocket.Conn

	send   chan []byte
	closed atomic.Bool
	once   sync.Once
}

func newWSConn(id string, conn *websocket.Conn) *wsConn {
	w := &wsConn{id: id, conn: conn, send: make(chan []byte, sendBufferSize)}
	go w.writePump()
	return w
}

// Send implements pool.Sender.
func (w *wsConn) Send(frame []byte) error {
	if w.closed.Load() {
		return errConnectionClosed
	}
	select {
	case w.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Closed implements pool.Sender.
func (w *wsConn) Closed() bool {
	return w.closed.Load()
}

// Close implements pool.Sender. Safe to call more than once.
func (w *wsConn) Close() error {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.send)
	})
	return nil
}

// writePump drains the send channel onto the socket, one WebSocket
// TextMessage per queued frame. Unlike the teacher's hub.go (a freeform
// chat-text protocol, safe to join several queued messages with a
// newline), every frame here is a self-contained JSON envelope: codec.Decode
// runs a single json.Unmarshal over the whole message and fails on
// trailing bytes, so batching two envelopes into one frame would corrupt
// delivery on the receiving end the moment more than one frame queues up.
func (w *wsConn) writePump() {
	defer w.conn.Close()

	for frame := range w.send {
		w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}

	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// armReadDeadlines sets the initial read deadline and a pong handler that
// resets it, grounded on the teacher's hub.go readPump (60s deadline, reset
// on every pong).
func armReadDeadlines(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
}
