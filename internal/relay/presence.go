package relay

import (
	"context"
	"time"

	"github.com/matheus3301/courier/internal/backplane"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"go.uber.org/zap"
)

// Connect registers an authenticated connection. The user's first connection
// on this instance marks them online; messages still waiting for the user's
// delivery receipt are replayed to the new connection.
func (s *Service) Connect(ctx context.Context, c *Conn) {
	first := s.hub.Add(c)
	s.metrics.Connections.Set(float64(s.hub.Len()))
	c.logger.Info("connection authenticated", zap.String("device", c.Device))

	if s.opts.SingleDevice {
		s.evict(c.User, c.Device, c)
		err := s.backplane.Publish(ctx, backplane.Frame{Kind: backplane.KindEvict, User: c.User, Device: c.Device})
		if err != nil {
			s.logger.Warn("backplane evict failed", zap.String("user", c.User), zap.Error(err))
		}
	}
	if first {
		s.goOnline(ctx, c.User)
	}
	s.replay(ctx, c)
}

// Disconnect unregisters c. The user's last connection on this instance
// marks them offline with a last-seen time.
func (s *Service) Disconnect(ctx context.Context, c *Conn) {
	last := s.hub.Remove(c)
	s.metrics.Connections.Set(float64(s.hub.Len()))
	c.logger.Info("connection closed")
	if last {
		s.goOffline(ctx, c.User)
	}
}

// evict logs out the user's connections on this instance that belong to a
// device other than device. except is never evicted.
func (s *Service) evict(user, device string, except *Conn) {
	raw, err := protocol.Encode("", &protocol.ForcedLogout{
		Reason:  "new_device",
		Message: "signed in on another device",
	})
	if err != nil {
		s.logger.Error("encode forced logout", zap.Error(err))
		return
	}
	for _, c := range s.hub.Conns(user) {
		if c == except || c.Device == device {
			continue
		}
		c.logger.Info("evicting connection", zap.String("device", c.Device), zap.String("new_device", device))
		c.Enqueue(raw)
		c.Close()
	}
}

func (s *Service) goOnline(ctx context.Context, user string) {
	if err := s.presence.SetOnline(ctx, user); err != nil {
		s.logger.Warn("set online failed", zap.String("user", user), zap.Error(err))
	}
	s.fanout(ctx, s.presenceRooms(ctx, user), protocol.NewPresenceChange(user, true, nil))
}

func (s *Service) goOffline(ctx context.Context, user string) {
	seen := s.now().UTC()
	if err := s.presence.SetOffline(ctx, user, seen); err != nil {
		s.logger.Warn("set offline failed", zap.String("user", user), zap.Error(err))
	}
	s.fanout(ctx, s.presenceRooms(ctx, user), protocol.NewPresenceChange(user, false, &seen))
}

// presenceRooms are the rooms told about user's presence: everyone who asked
// for it and every peer user has a conversation with.
func (s *Service) presenceRooms(ctx context.Context, user string) []string {
	rooms := []string{PresenceRoom(user)}
	convs, err := s.repo.ListConversations(ctx, user, s.opts.PeerLimit)
	if err != nil {
		s.logger.Warn("list presence peers failed", zap.String("user", user), zap.Error(err))
		return rooms
	}
	for i := range convs {
		if peer := convs[i].Peer(user); peer != "" {
			rooms = append(rooms, UserRoom(peer))
		}
	}
	return rooms
}

// replay pushes the messages addressed to c's user that were never
// acknowledged as delivered.
func (s *Service) replay(ctx context.Context, c *Conn) {
	msgs, err := s.repo.ListByRecipientStatus(ctx, c.User, model.StatusSent, s.opts.RedeliverLimit)
	if err != nil {
		c.logger.Warn("load undelivered messages failed", zap.Error(err))
		return
	}
	for _, m := range msgs {
		raw, err := protocol.Encode("", protocol.NewCreated(m))
		if err != nil {
			continue
		}
		if !c.Enqueue(raw) {
			return
		}
	}
	if len(msgs) > 0 {
		c.logger.Info("replayed undelivered messages", zap.Int("count", len(msgs)))
	}
}

// RunHeartbeat refreshes the presence TTL of every locally connected user
// until ctx ends.
func (s *Service) RunHeartbeat(ctx context.Context) {
	if s.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

// sweeper is implemented by in-process caches that must drop expired
// entries themselves.
type sweeper interface {
	Sweep() int
}

func (s *Service) heartbeat(ctx context.Context) {
	users := s.hub.Users()
	if err := s.presence.Refresh(ctx, users); err != nil {
		s.logger.Warn("presence heartbeat failed", zap.Int("users", len(users)), zap.Error(err))
	}
	swept := 0
	if sw, ok := s.cache.(sweeper); ok {
		swept += sw.Sweep()
	}
	if sw, ok := s.presence.(sweeper); ok && any(s.presence) != any(s.cache) {
		swept += sw.Sweep()
	}
	if swept > 0 {
		s.logger.Debug("expired cache entries swept", zap.Int("entries", swept))
	}
}

// HandleFrame applies a frame published by another instance.
func (s *Service) HandleFrame(f backplane.Frame) {
	switch f.Kind {
	case backplane.KindFanout:
		s.metrics.Fanout.Add(float64(s.hub.Deliver(f.Rooms, f.Data)))
	case backplane.KindEvict:
		s.evict(f.User, f.Device, nil)
	default:
		s.logger.Warn("unknown backplane frame", zap.String("kind", f.Kind), zap.String("origin", f.Origin))
	}
}
