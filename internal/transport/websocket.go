package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// MaxMessageSize bounds a single push message. Spawn events carry the
// session manifest, so the library default is too small.
const MaxMessageSize = 4 << 20

// Conn is one physical connection to the server's push endpoint.
type Conn interface {
	// ReadMessage blocks until a message arrives or the connection fails.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens physical connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials the server's websocket endpoint.
type WSDialer struct {
	Header           http.Header
	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(MaxMessageSize)

	readCtx, readCancel := context.WithCancel(context.Background())
	return &wsConn{conn: conn, ctx: readCtx, cancel: readCancel}, nil
}

type wsConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.Read(c.ctx)
	return data, err
}

// Close drops the connection without waiting for the close handshake so
// unsubscribing never blocks on a slow server.
func (c *wsConn) Close() error {
	c.cancel()
	return c.conn.CloseNow()
}
