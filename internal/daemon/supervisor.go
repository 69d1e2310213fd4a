package daemon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/transport"
	"go.uber.org/zap"
)

// Gate is the part of the queue engine the supervisor controls.
type Gate interface {
	Pause()
	Resume()
}

// Connector opens the relay session on demand.
type Connector interface {
	Get(ctx context.Context) (*transport.Session, error)
	Status() status.State
	Reset() error
}

// Supervisor makes transport status the only switch for the queue: the queue
// runs while the session is CONNECTED and is paused otherwise. Once the
// session's own reconnects are spent it keeps redialing on a slow cadence, and
// immediately when new work is queued.
type Supervisor struct {
	gate      Gate
	connector Connector
	bus       *bus.Bus
	redial    time.Duration
	logger    *zap.Logger

	suspended atomic.Bool
	kick      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSupervisor(gate Gate, connector Connector, b *bus.Bus, redial time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		gate:      gate,
		connector: connector,
		bus:       b,
		redial:    redial,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

// Start pauses the queue until the first connection, then begins dialing.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.gate.Pause()

	transportCh, unsubT := s.bus.SubscribeLossless(bus.KindTransportStatus)
	queueCh, unsubQ := s.bus.Subscribe(bus.KindQueueStatus, 64)

	go func() {
		defer close(s.done)
		defer unsubT()
		defer unsubQ()

		ticker := time.NewTicker(s.redial)
		defer ticker.Stop()

		s.dial(ctx)
		for {
			select {
			case evt := <-transportCh:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					s.apply(change.To)
				}
			case evt := <-queueCh:
				if se, ok := evt.Payload.(outbox.StatusEvent); ok && se.Status == model.StatusPending {
					s.poke()
				}
			case <-s.kick:
				s.dial(ctx)
			case <-ticker.C:
				s.apply(s.connector.Status())
				s.dial(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Supervisor) apply(state status.State) {
	if state.Online() {
		s.gate.Resume()
		return
	}
	s.gate.Pause()
}

func (s *Supervisor) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// dial connects when the session is idle or has given up. Sessions that are
// reconnecting on their own, or were logged out, are left alone.
func (s *Supervisor) dial(ctx context.Context) {
	if s.suspended.Load() {
		return
	}
	switch s.connector.Status() {
	case status.Idle, status.Disconnected:
	default:
		return
	}
	dctx, cancel := context.WithTimeout(ctx, s.redial)
	defer cancel()
	if _, err := s.connector.Get(dctx); err != nil {
		s.logger.Debug("relay dial failed", zap.Error(err))
	}
}

// Get connects explicitly and re-enables automatic dialing.
func (s *Supervisor) Get(ctx context.Context) (*transport.Session, error) {
	s.suspended.Store(false)
	return s.connector.Get(ctx)
}

func (s *Supervisor) Status() status.State {
	return s.connector.Status()
}

// Reset logs out: the session is closed and not redialed until Get.
func (s *Supervisor) Reset() error {
	s.suspended.Store(true)
	return s.connector.Reset()
}

// Stop stops supervising. The queue is left as it was.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
