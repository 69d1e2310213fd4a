package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/protocol"
	"go.uber.org/zap"
)

const handlerTimeout = 10 * time.Second

// Serve runs an authenticated connection until its socket closes. It returns
// only after the write pump stopped, since the socket is recycled once the
// upgrade handler returns.
func (s *Service) Serve(ctx context.Context, c *Conn) {
	go c.writePump()
	s.Connect(ctx, c)
	c.readPump(func(raw []byte) { s.Handle(ctx, c, raw) })
	c.Close()
	s.Disconnect(context.WithoutCancel(ctx), c)
	<-c.done
}

// Handle decodes one inbound frame, applies it and answers its ref.
// Malformed frames are logged and never reach other clients.
func (s *Service) Handle(ctx context.Context, c *Conn, raw []byte) {
	frame, env, err := protocol.Decode(raw)
	event := "invalid"
	if env != nil {
		event = env.Event
	}
	if errors.Is(err, protocol.ErrUnknownEvent) {
		event = "unknown"
	}
	if err == nil && !protocol.Allowed(event, protocol.ClientToServer) {
		err = fmt.Errorf("%w: %s is not accepted from clients", protocol.ErrValidation, event)
	}
	if err == nil && !c.allow() {
		err = ErrRateLimited
	}
	if err != nil {
		s.metrics.observe(event, err)
		c.logger.Warn("dropping inbound frame", zap.String("event", event), zap.Error(err))
		if env != nil && env.Ref != "" {
			s.reply(c, protocol.ErrorAck(env.Ref, ackCode(err), err.Error()))
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	result, err := s.dispatch(ctx, c, frame.Payload)
	s.metrics.observe(event, err)
	if err != nil && !errors.Is(err, ErrDuplicate) {
		c.logger.Warn("event failed", zap.String("event", event), zap.String("ref", frame.Ref), zap.Error(err))
	}
	if frame.Ref == "" {
		return
	}
	if err != nil {
		s.reply(c, protocol.ErrorAck(frame.Ref, ackCode(err), err.Error()))
		return
	}
	ack, err := protocol.OKAck(frame.Ref, result)
	if err != nil {
		s.reply(c, protocol.ErrorAck(frame.Ref, protocol.CodeInternal, err.Error()))
		return
	}
	s.reply(c, ack)
}

func (s *Service) dispatch(ctx context.Context, c *Conn, p protocol.Payload) (any, error) {
	switch p := p.(type) {
	case *protocol.MessagePayload:
		return s.Send(ctx, c.User, p.Message)
	case *protocol.StatusUpdate:
		return s.UpdateStatus(ctx, c.User, *p)
	case *protocol.MarkedAsRead:
		return s.MarkRead(ctx, c.User, p.ConversationID)
	case *protocol.Join:
		n, err := s.Join(ctx, c, p.ConversationID)
		if err != nil {
			return nil, err
		}
		return map[string]int{"rooms": n}, nil
	case *protocol.GetStatus:
		presence, err := s.GetStatus(ctx, c, p.UserID)
		if err != nil {
			return nil, err
		}
		return presence, nil
	}
	return nil, fmt.Errorf("%w: %s has no handler", protocol.ErrValidation, p.Event())
}

func (s *Service) reply(c *Conn, ack *protocol.Ack) {
	raw, err := protocol.Encode("", ack)
	if err != nil {
		c.logger.Error("encode ack", zap.Error(err))
		return
	}
	c.Enqueue(raw)
}
