package marketws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	HandshakeTimeout    = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Conn is one established stream connection
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Transport opens connections. Tests substitute their own.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaTransport dials with gorilla/websocket, pings on an interval and
// drops connections that go quiet for longer than ReadTimeout.
type GorillaTransport struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

func (t GorillaTransport) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	ws, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &gorillaConn{
		conn:        ws,
		readTimeout: t.ReadTimeout,
		stopPing:    make(chan struct{}),
	}
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if t.PingInterval > 0 {
		go c.pingLoop(t.PingInterval)
	}
	return c, nil
}

type gorillaConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
	stopPing    chan struct{}
	closeOnce   sync.Once
}

func (c *gorillaConn) extendReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.extendReadDeadline()
	return msg, nil
}

func (c *gorillaConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *gorillaConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			deadline := time.Now().Add(DefaultWriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (c *gorillaConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopPing)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}
