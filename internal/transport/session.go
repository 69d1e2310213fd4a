package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/status"
	"go.uber.org/zap"
)

// Config controls how a session reaches the relay.
type Config struct {
	URL               string
	Token             string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 10
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Session is one authenticated, self-healing connection to the relay.
// Requests sent with Send are matched to their ack by ref; every other inbound
// event is published on the bus under bus.RelayKind(event).
type Session struct {
	cfg     Config
	dialer  Dialer
	bus     *bus.Bus
	logger  *zap.Logger
	machine *status.Machine

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	pending   map[string]chan *protocol.Ack
	closed    bool
	loggedOut bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates an idle session. Call Connect to open it.
func NewSession(cfg Config, dialer Dialer, b *bus.Bus, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		bus:     b,
		logger:  logger,
		machine: status.NewMachine(b),
		pending: make(map[string]chan *protocol.Ack),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Status returns the current connection state.
func (s *Session) Status() status.State {
	return s.machine.Current()
}

// Connect dials the relay once. It is a no-op on a live session.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.loggedOut:
		s.mu.Unlock()
		return ErrLoggedOut
	case s.conn != nil:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if !s.machine.TransitionIf(status.Idle, status.Connecting) &&
		!s.machine.TransitionIf(status.Disconnected, status.Connecting) {
		return fmt.Errorf("connect: session is %s", s.machine.Current())
	}
	conn, err := s.dial(ctx)
	if err != nil {
		_ = s.machine.Transition(status.Disconnected)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if err := s.attach(conn); err != nil {
		_ = conn.Close()
		return err
	}
	return s.machine.Transition(status.Connected)
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)
	return s.dialer.Dial(ctx, s.cfg.URL, header)
}

func (s *Session) attach(conn Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)
	if s.cfg.PingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop(conn)
	}
	s.logger.Info("relay connected", zap.String("url", s.cfg.URL))
	return nil
}

func (s *Session) readLoop(conn Conn) {
	defer s.wg.Done()
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDrop(conn, err)
			return
		}
		s.dispatch(raw)
	}
}

func (s *Session) pingLoop(conn Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.current(conn) {
				return
			}
			s.writeMu.Lock()
			err := conn.Ping(time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Session) current(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

func (s *Session) dispatch(raw []byte) {
	frame, env, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Warn("dropping malformed relay frame", zap.Error(err))
		return
	}
	if !protocol.Allowed(env.Event, protocol.ServerToClient) {
		s.logger.Warn("dropping client-only event from relay", zap.String("event", env.Event))
		return
	}
	switch p := frame.Payload.(type) {
	case *protocol.Ack:
		s.resolve(p)
	case *protocol.ForcedLogout:
		s.forceLogout(p)
	default:
		s.bus.Emit(bus.RelayKind(env.Event), p)
	}
}

func (s *Session) resolve(ack *protocol.Ack) {
	s.mu.Lock()
	ch, ok := s.pending[ack.Ref]
	if ok {
		delete(s.pending, ack.Ref)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("ack for unknown ref", zap.String("ref", ack.Ref))
		return
	}
	ch <- ack
}

// failPending wakes every waiting Send; they observe a closed channel.
func (s *Session) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, ch := range s.pending {
		close(ch)
		delete(s.pending, ref)
	}
}

func (s *Session) handleDrop(conn Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	stop := s.closed || s.loggedOut
	s.mu.Unlock()

	_ = conn.Close()
	s.failPending()
	if stop {
		return
	}
	s.logger.Warn("relay connection lost", zap.Error(cause))
	if err := s.machine.Transition(status.Reconnecting); err != nil {
		s.logger.Debug("reconnect transition", zap.Error(err))
		return
	}
	s.wg.Add(1)
	go s.reconnect()
}

func (s *Session) reconnect() {
	defer s.wg.Done()

	attempt := 0
	op := func() error {
		attempt++
		s.mu.Lock()
		stop := s.closed || s.loggedOut
		s.mu.Unlock()
		if stop {
			return backoff.Permanent(ErrClosed)
		}
		_ = s.machine.Transition(status.Connecting)
		conn, err := s.dial(s.ctx)
		if err != nil {
			_ = s.machine.Transition(status.Reconnecting)
			s.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if err := s.attach(conn); err != nil {
			_ = conn.Close()
			return backoff.Permanent(err)
		}
		return s.machine.Transition(status.Connected)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.ReconnectDelay), uint64(s.cfg.ReconnectAttempts-1)),
		s.ctx)
	if err := backoff.Retry(op, policy); err != nil {
		s.logger.Error("giving up on relay", zap.Int("attempts", attempt), zap.Error(err))
		s.mu.Lock()
		loggedOut := s.loggedOut
		s.mu.Unlock()
		if !loggedOut && s.machine.Current() != status.Disconnected {
			_ = s.machine.Transition(status.Disconnected)
		}
	}
}

func (s *Session) forceLogout(p *protocol.ForcedLogout) {
	s.mu.Lock()
	s.loggedOut = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.logger.Warn("relay ended this session", zap.String("reason", p.Reason))
	_ = s.machine.Transition(status.LoggedOut)
	s.bus.Emit(bus.RelayKind(protocol.EventForcedLogout), p)
	if conn != nil {
		_ = conn.Close()
	}
	s.failPending()
}

// Send writes p with a fresh ref and waits up to timeout for the relay's ack.
// A refusal is returned as *RemoteError together with the ack.
func (s *Session) Send(ctx context.Context, p protocol.Payload, timeout time.Duration) (*protocol.Ack, error) {
	ref := uuid.NewString()
	raw, err := protocol.Encode(ref, p)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Ack, 1)
	s.mu.Lock()
	conn, err := s.liveConn()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.pending[ref] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, ref)
		s.mu.Unlock()
	}()

	if err := s.write(conn, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, s.dropErr()
		}
		if !ack.OK {
			return ack, &RemoteError{Code: ack.Error.Code, Message: ack.Error.Message}
		}
		return ack, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrAckTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit writes p without waiting for an ack.
func (s *Session) Emit(p protocol.Payload) error {
	raw, err := protocol.Encode("", p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn, err := s.liveConn()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.write(conn, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// liveConn must be called with s.mu held.
func (s *Session) liveConn() (Conn, error) {
	switch {
	case s.closed:
		return nil, ErrClosed
	case s.loggedOut:
		return nil, ErrLoggedOut
	case s.conn == nil:
		return nil, ErrDisconnected
	}
	return s.conn, nil
}

func (s *Session) dropErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.loggedOut:
		return ErrLoggedOut
	}
	return ErrDisconnected
}

func (s *Session) write(conn Conn, raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(raw, time.Now().Add(s.cfg.WriteTimeout))
}

// Close shuts the session down for good and waits for its goroutines.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	loggedOut := s.loggedOut
	s.mu.Unlock()

	s.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.failPending()
	s.wg.Wait()
	if !loggedOut && s.machine.Current() != status.Disconnected {
		_ = s.machine.Transition(status.Disconnected)
	}
	return err
}
