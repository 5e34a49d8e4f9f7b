package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skychat-io/skychat/internal/wire"
)

// Connection is one live duplex transport bound to a (session, client) pair.
// All writes go through writeFrame/ping so the underlying websocket, which
// allows only one concurrent writer, is never raced.
type Connection struct {
	SessionID string
	ClientID  string

	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	lastPong     atomic.Int64 // unix nanos
	closed       atomic.Bool
}

func newConnection(sessionID, clientID string, ws *websocket.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		SessionID:    sessionID,
		ClientID:     clientID,
		ws:           ws,
		writeTimeout: writeTimeout,
	}
	c.MarkAlive()
	return c
}

// MarkAlive records peer liveness; the server's pong handler and read loop
// call this so the sweep can spot silent peers.
func (c *Connection) MarkAlive() {
	c.lastPong.Store(time.Now().UnixNano())
}

func (c *Connection) lastSeen() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// WriteFrame sends one outbound frame as JSON.
func (c *Connection) WriteFrame(f *wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

func (c *Connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close closes the transport once; later calls are no-ops.
func (c *Connection) Close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.ws.Close()
	}
}

// SetPongHandler wires the websocket pong callback to liveness tracking and
// extends the read deadline, mirroring how the ping/pong keepalive works on
// the client side.
func (c *Connection) SetPongHandler(readTimeout time.Duration) {
	c.ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
}

// ReadMessage reads one raw inbound frame from the transport.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// SetReadDeadline bounds how long a read may block.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}
