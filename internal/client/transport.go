package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Transport is one open message channel to the relay.
type Transport interface {
	// ReadMessage blocks until the next message arrives or the transport
	// fails or is closed.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one message. Safe for concurrent use.
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens a Transport to url.
type DialFunc func(ctx context.Context, url string) (Transport, error)

const closeGracePeriod = time.Second

// WebsocketDialer returns a DialFunc backed by d. A nil d uses
// websocket.DefaultDialer.
func WebsocketDialer(d *websocket.Dialer) DialFunc {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return func(ctx context.Context, url string) (Transport, error) {
		conn, resp, err := d.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				return nil, errors.Wrapf(err, "dial %s: %s", url, http.StatusText(resp.StatusCode))
			}
			return nil, errors.Wrapf(err, "dial %s", url)
		}
		return &wsTransport{conn: conn}, nil
	}
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears the connection down. WriteControl and
// Close may run concurrently with the read and write methods.
func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return t.conn.Close()
}

// isNormalClose reports whether err is the peer closing the connection
// cleanly.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
