package sync

import (
	"context"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/status"
	"go.uber.org/zap"
)

// Reconciler catches up on work that could not reach the relay while offline.
// Each time the connection comes up it re-sends delivery receipts for inbound
// messages still at sent.
type Reconciler struct {
	engine *Engine
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a new reconciler.
func NewReconciler(engine *Engine, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{engine: engine, bus: b, logger: logger}
}

// Start watches transport status changes.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsub := r.bus.SubscribeLossless(bus.KindTransportStatus)

	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Connected {
					r.Reconcile()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Reconcile sends the outstanding delivery receipts and returns how many it sent.
func (r *Reconciler) Reconcile() int {
	msgs, err := r.engine.db.GetByRecipientAndStatus(r.engine.self, model.StatusSent)
	if err != nil {
		r.logger.Error("failed to load unacknowledged messages", zap.Error(err))
		return 0
	}
	for _, m := range msgs {
		r.engine.acknowledge(m)
	}
	if len(msgs) > 0 {
		r.logger.Info("delivery receipts reconciled", zap.Int("count", len(msgs)))
	}
	return len(msgs)
}
