package relay

import (
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/gorilla/websocket"

	"github.com/dremian/simlink/internal/util"
)

// Role is a connection's side of the session.
type Role string

const (
	RoleSimulator Role = "simulator"
	RoleClient    Role = "client"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Camera frames are base64 JPEGs; leave room for large resolutions.
	maxMessageSize = 16 << 20
)

// Conn is one websocket peer. A read pump and a write pump run per
// connection; the write pump is the only writer of data frames.
type Conn struct {
	id     string
	role   Role
	ws     *websocket.Conn
	remote string

	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, role Role, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uniuri.NewLen(10),
		role:         role,
		ws:           ws,
		remote:       ws.RemoteAddr().String(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Role() Role { return c.role }

// readPump delivers every inbound data message to handle, in order, until
// the peer goes away or the connection is closed.
func (c *Conn) readPump(handle func([]byte)) {
	defer c.Close()

	logger := util.GetLogger()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("Connection read error", "id", c.id, "role", c.role, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		handle(data)
	}
}

// writePump writes queued messages until queue is closed or the connection
// fails. A closed queue ends the connection with a normal close frame after
// the backlog is flushed.
func (c *Conn) writePump(queue <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-queue:
			if !ok {
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.writeTimeout))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				util.GetLogger().Debug("Connection write error", "id", c.id, "role", c.role, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears the connection down immediately, without flushing.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }
