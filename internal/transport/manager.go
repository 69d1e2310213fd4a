package transport

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/status"
	"go.uber.org/zap"
)

// Manager owns the current relay session and creates it on first use.
type Manager struct {
	cfg    Config
	dialer Dialer
	bus    *bus.Bus
	logger *zap.Logger

	connect chanMutex

	mu      sync.Mutex
	current *Session
}

// chanMutex is a mutex whose Lock can be abandoned when ctx ends.
type chanMutex chan struct{}

func (m chanMutex) lock(ctx context.Context) error {
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m chanMutex) unlock() { <-m }

// NewManager creates a manager; no connection is made until Get is called.
func NewManager(cfg Config, dialer Dialer, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		bus:     b,
		logger:  logger,
		connect: make(chanMutex, 1),
	}
}

// Get returns the current session, establishing it if needed.
// A session that is already reconnecting is returned as is.
func (m *Manager) Get(ctx context.Context) (*Session, error) {
	if err := m.connect.lock(ctx); err != nil {
		return nil, err
	}
	defer m.connect.unlock()

	m.mu.Lock()
	if m.current == nil {
		if m.cfg.Token == "" {
			m.mu.Unlock()
			return nil, ErrNoCredentials
		}
		m.current = NewSession(m.cfg, m.dialer, m.bus, m.logger)
	}
	s := m.current
	m.mu.Unlock()

	switch s.Status() {
	case status.Connected, status.Connecting, status.Reconnecting:
		return s, nil
	case status.LoggedOut:
		return nil, ErrLoggedOut
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Status returns the state of the current session, or IDLE if none exists.
func (m *Manager) Status() status.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return status.Idle
	}
	return m.current.Status()
}

// Send routes p through the current session.
func (m *Manager) Send(ctx context.Context, p protocol.Payload, timeout time.Duration) (*protocol.Ack, error) {
	s, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, p, timeout)
}

// Emit routes p through the current session without waiting for an ack.
func (m *Manager) Emit(ctx context.Context, p protocol.Payload) error {
	s, err := m.Get(ctx)
	if err != nil {
		return err
	}
	return s.Emit(p)
}

// Reset discards the current session, including one the relay logged out,
// so the next Get starts fresh.
func (m *Manager) Reset() error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Close shuts the current session down.
func (m *Manager) Close() error {
	return m.Reset()
}
