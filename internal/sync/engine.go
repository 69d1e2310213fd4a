package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/store"
	"go.uber.org/zap"
)

// Sender delivers one payload to the relay and waits for its ack.
type Sender interface {
	Send(ctx context.Context, p protocol.Payload, timeout time.Duration) (*protocol.Ack, error)
}

const ackTimeout = 10 * time.Second

// Engine applies relay events to the local store. It subscribes to "relay.*"
// events on the bus and only ever moves a message's status forward.
type Engine struct {
	db     *store.DB
	sender Sender
	bus    *bus.Bus
	self   string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewEngine creates a sync engine acting for the user self.
func NewEngine(db *store.DB, sender Sender, b *bus.Bus, self string, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		sender: sender,
		bus:    b,
		self:   self,
		logger: logger,
		ctx:    context.Background(),
	}
}

// Start subscribes to inbound relay events on the bus.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.SubscribeLossless(bus.RelayPrefix)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for outstanding receipts.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handleEvent(evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case *protocol.MessagePayload:
		err = e.Ingest(p.Message)
	case *protocol.StatusUpdate:
		err = e.Advance(p.ID, p.Status)
	case *protocol.MarkedAsRead:
		err = e.applyRead(p)
	case *protocol.ConversationDeleted:
		var n int64
		n, err = e.db.DeleteConversation(p.ConversationID)
		if err == nil {
			e.logger.Info("conversation deleted by relay", zap.String("conversation", p.ConversationID), zap.Int64("messages", n))
		}
	case *protocol.PresenceChange:
		if p.Online() {
			e.resendTo(p.UserID)
		}
	}
	if err != nil {
		e.logger.Error("failed to apply relay event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// Ingest stores a message reported by the relay (idempotent). Messages
// addressed to us are acknowledged as delivered.
func (e *Engine) Ingest(m model.Message) error {
	switch e.self {
	case m.SenderID:
		if err := e.db.Put(&m); err != nil {
			return fmt.Errorf("store own message: %w", err)
		}
		return e.Advance(m.ID, m.Status)
	case m.RecipientID:
		status := m.Status
		if !status.Acknowledged() {
			status = model.StatusSent
		}
		m.Status = model.StatusSent
		if err := e.db.Put(&m); err != nil {
			return fmt.Errorf("store inbound message: %w", err)
		}
		if err := e.Advance(m.ID, status); err != nil {
			return err
		}
		if cur, err := e.db.Get(m.ID); err == nil && cur.Status == model.StatusSent {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.acknowledge(m)
			}()
		}
		return nil
	}
	e.logger.Warn("ignoring message for another user", zap.String("id", m.ID))
	return nil
}

// Advance walks a message forward to the relay-reported status, passing
// through every intermediate state. Older or equal statuses are ignored.
func (e *Engine) Advance(id string, to model.Status) error {
	cur, err := e.db.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, s := range model.Path(cur.Status, to) {
		if err := e.db.UpdateStatus(id, s); err != nil {
			if errors.Is(err, model.ErrInvalidTransition) {
				// Raced with a newer update.
				return nil
			}
			return err
		}
	}
	return nil
}

func (e *Engine) acknowledge(m model.Message) {
	receipt := &protocol.StatusUpdate{ID: m.ID, ConversationID: m.ConversationID, Status: model.StatusDelivered}
	if _, err := e.sender.Send(e.ctx, receipt, ackTimeout); err != nil {
		e.logger.Warn("delivery receipt failed", zap.String("id", m.ID), zap.Error(err))
		return
	}
	if err := e.Advance(m.ID, model.StatusDelivered); err != nil {
		e.logger.Error("failed to mark delivered", zap.String("id", m.ID), zap.Error(err))
	}
}

func (e *Engine) applyRead(p *protocol.MarkedAsRead) error {
	ids := p.UpdatedMessages
	if len(ids) == 0 {
		// The relay did not list ids: everything addressed to the reader is now read.
		unread, err := e.db.Unread(p.ConversationID, p.ReaderID)
		if err != nil {
			return err
		}
		for _, m := range unread {
			ids = append(ids, m.ID)
		}
	}
	for _, id := range ids {
		if err := e.Advance(id, model.StatusRead); err != nil {
			return err
		}
	}
	return nil
}

// resendTo re-offers our messages stuck at sent to a peer that just came
// online. A fresh correlation id makes the relay redeliver instead of treating
// the request as a retry of the original send.
func (e *Engine) resendTo(peer string) {
	msgs, err := e.db.GetByRecipientAndStatus(peer, model.StatusSent)
	if err != nil {
		e.logger.Error("failed to load undelivered messages", zap.String("peer", peer), zap.Error(err))
		return
	}
	var own []model.Message
	for _, m := range msgs {
		if m.SenderID == e.self {
			own = append(own, m)
		}
	}
	if len(own) == 0 {
		return
	}
	e.logger.Info("peer online, resending undelivered messages", zap.String("peer", peer), zap.Int("count", len(own)))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, m := range own {
			m.CorrelationID = "resend:" + uuid.NewString()
			m.Queue = nil
			if _, err := e.sender.Send(e.ctx, protocol.NewSend(m), ackTimeout); err != nil {
				e.logger.Warn("resend failed", zap.String("id", m.ID), zap.Error(err))
			}
		}
	}()
}

// MarkRead tells the relay we have read a conversation, then applies the
// change locally to every message addressed to us.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) (int, error) {
	if _, err := e.sender.Send(ctx, &protocol.MarkedAsRead{ConversationID: conversationID}, ackTimeout); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	unread, err := e.db.Unread(conversationID, e.self)
	if err != nil {
		return 0, err
	}
	for _, m := range unread {
		if err := e.Advance(m.ID, model.StatusRead); err != nil {
			return 0, err
		}
	}
	return len(unread), nil
}

// Join subscribes this connection to a conversation room on the relay.
func (e *Engine) Join(ctx context.Context, conversationID string) error {
	if _, err := e.sender.Send(ctx, &protocol.Join{ConversationID: conversationID}, ackTimeout); err != nil {
		return fmt.Errorf("join %s: %w", conversationID, err)
	}
	return nil
}

// Presence asks the relay whether user is online.
func (e *Engine) Presence(ctx context.Context, user string) (*model.Presence, error) {
	ack, err := e.sender.Send(ctx, &protocol.GetStatus{UserID: user}, ackTimeout)
	if err != nil {
		return nil, fmt.Errorf("presence %s: %w", user, err)
	}
	var p model.Presence
	if len(ack.Result) > 0 {
		if err := json.Unmarshal(ack.Result, &p); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
	}
	if p.UserID == "" {
		p.UserID = user
	}
	return &p, nil
}
