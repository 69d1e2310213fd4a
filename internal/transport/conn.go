package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
)

// Conn is one established websocket to the relay.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte, deadline time.Time) error
	Ping(deadline time.Time) error
	Close() error
}

// Dialer opens connections to the relay.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WSDialer dials the relay over a real websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	// IdleTimeout closes the connection when nothing, not even a ping, arrives for this long.
	IdleTimeout time.Duration
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	w := &wsConn{c: c, idle: d.IdleTimeout}
	w.extend()
	c.SetPongHandler(func(string) error {
		w.extend()
		return nil
	})
	c.SetPingHandler(func(data string) error {
		w.extend()
		return c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	return w, nil
}

type wsConn struct {
	c    *websocket.Conn
	idle time.Duration
}

func (w *wsConn) extend() {
	if w.idle > 0 {
		_ = w.c.SetReadDeadline(time.Now().Add(w.idle))
	}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	if err == nil {
		w.extend()
	}
	return data, err
}

func (w *wsConn) WriteMessage(data []byte, deadline time.Time) error {
	if err := w.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Ping(deadline time.Time) error {
	return w.c.WriteControl(websocket.PingMessage, nil, deadline)
}

func (w *wsConn) Close() error {
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return w.c.Close()
}
