package relay

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Socket is the part of a websocket connection the pumps use. Both the
// fasthttp and the Fiber websocket connections satisfy it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnConfig bounds one connection.
type ConnConfig struct {
	PingInterval   time.Duration
	WriteDeadline  time.Duration
	MaxMessageSize int64
	RateLimit      rate.Limit
	RateBurst      int
	SendBuffer     int
}

// DefaultConnConfig matches the relay config defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		PingInterval:   25 * time.Second,
		WriteDeadline:  10 * time.Second,
		MaxMessageSize: 64*1024 + 4096,
		RateLimit:      20,
		RateBurst:      40,
		SendBuffer:     256,
	}
}

// Conn is one authenticated websocket connection. Outbound frames are queued
// on a buffered channel drained by the write pump; a connection that cannot
// keep up is closed instead of blocking fan-out.
type Conn struct {
	ID     string
	User   string
	Device string

	sock    Socket
	cfg     ConnConfig
	send    chan []byte
	limiter *rate.Limiter
	logger  *zap.Logger

	// rooms is guarded by the hub's lock.
	rooms map[string]struct{}

	closeOnce sync.Once
	closing   chan struct{}

	// done is closed when the write pump has stopped using the socket.
	done chan struct{}
}

// NewConn wraps an upgraded socket owned by user on device.
func NewConn(sock Socket, user, device string, cfg ConnConfig, logger *zap.Logger) *Conn {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	id := uuid.NewString()
	return &Conn{
		ID:      id,
		User:    user,
		Device:  device,
		sock:    sock,
		cfg:     cfg,
		send:    make(chan []byte, cfg.SendBuffer),
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger.With(zap.String("conn", id), zap.String("user", user)),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue queues raw for the write pump. It reports false when the
// connection is closing or its buffer is full, in which case it is closed.
func (c *Conn) Enqueue(raw []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.logger.Warn("send buffer full, closing slow connection")
		c.Close()
		return false
	}
}

// Close asks the write pump to flush what is queued and close the socket.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// Closing is closed once Close was called.
func (c *Conn) Closing() <-chan struct{} { return c.closing }

// Done is closed once the write pump returned and the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// allow reports whether another inbound event fits the rate limit.
func (c *Conn) allow() bool { return c.limiter.Allow() }

// readPump feeds inbound text frames to handle until the socket fails.
func (c *Conn) readPump(handle func([]byte)) {
	wait := 2 * c.cfg.PingInterval
	if c.cfg.MaxMessageSize > 0 {
		c.sock.SetReadLimit(c.cfg.MaxMessageSize)
	}
	if wait > 0 {
		_ = c.sock.SetReadDeadline(time.Now().Add(wait))
		c.sock.SetPongHandler(func(string) error {
			return c.sock.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		mt, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

// writePump writes queued frames and pings until Close is called or a write
// fails. It owns closing the socket and closes done on return.
func (c *Conn) writePump() {
	defer close(c.done)
	var tick <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() { _ = c.sock.Close() }()

	for {
		select {
		case raw := <-c.send:
			if err := c.write(raw); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-tick:
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteDeadline)); err != nil {
				c.Close()
				return
			}
		case <-c.closing:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

// flush writes frames queued before Close, such as a forced-logout notice.
func (c *Conn) flush() {
	for {
		select {
		case raw := <-c.send:
			if err := c.write(raw); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(raw []byte) error {
	if c.cfg.WriteDeadline > 0 {
		_ = c.sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline))
	}
	return c.sock.WriteMessage(websocket.TextMessage, raw)
}
