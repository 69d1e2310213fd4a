// Package relay is the real-time relay: it authenticates websocket clients,
// persists and fans out their messages and status changes, and tracks presence.
// The same Service backs the websocket events and the REST fallback.
package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/courier/internal/backplane"
	"github.com/matheus3301/courier/internal/cache"
	"github.com/matheus3301/courier/internal/events"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/repository"
	"go.uber.org/zap"
)

// Options tune the service.
type Options struct {
	// SingleDevice logs out a user's other devices when a new one connects.
	SingleDevice      bool
	HeartbeatInterval time.Duration
	// RedeliverLimit bounds the undelivered messages replayed to a user on connect.
	RedeliverLimit int64
	// PeerLimit bounds the conversations scanned for presence peers.
	PeerLimit int64
	// RecentCap is the size of the cached recent-message window.
	RecentCap int64
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 20 * time.Second,
		RedeliverLimit:    200,
		PeerLimit:         200,
		RecentCap:         100,
	}
}

// Deps are the service's collaborators. Backplane, Events, Metrics and
// Logger may be nil.
type Deps struct {
	Repo      repository.Repository
	Cache     cache.Store
	Presence  cache.Presence
	Backplane backplane.Backplane
	Events    events.Publisher
	Metrics   *Metrics
	Logger    *zap.Logger
	Options   Options
}

// Service applies client events to storage and fans the results out.
type Service struct {
	repo      repository.Repository
	cache     cache.Store
	presence  cache.Presence
	backplane backplane.Backplane
	events    events.Publisher
	metrics   *Metrics
	hub       *Hub
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:      d.Repo,
		cache:     d.Cache,
		presence:  d.Presence,
		backplane: d.Backplane,
		events:    d.Events,
		metrics:   d.Metrics,
		hub:       NewHub(),
		opts:      d.Options,
		logger:    d.Logger,
		now:       time.Now,
	}
	if s.backplane == nil {
		s.backplane = backplane.Local{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Hub returns the connections of this instance.
func (s *Service) Hub() *Hub { return s.hub }

// Send persists m on behalf of sender and fans it out to the conversation
// room and both participants. A correlation id seen within the idempotency
// window is rejected with ErrDuplicate. A message id that is already stored
// is offered to the recipient again instead of being stored twice.
func (s *Service) Send(ctx context.Context, sender string, m model.Message) (*model.Message, error) {
	if m.SenderID == "" {
		m.SenderID = sender
	}
	if m.SenderID != sender {
		return nil, fmt.Errorf("%w: sender does not match the authenticated user", ErrForbidden)
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	m.Status = ""
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if m.CorrelationID != "" {
		dup, err := s.cache.CheckAndMark(ctx, m.CorrelationID)
		switch {
		case err != nil:
			// The unique correlation index still rejects a replay.
			s.logger.Warn("idempotency check failed", zap.String("correlation_id", m.CorrelationID), zap.Error(err))
		case dup:
			return nil, s.duplicate(ctx, m)
		}
	}

	now := s.now().UTC()
	conv, err := s.repo.FindOrCreateConversation(ctx, m.SenderID, m.RecipientID)
	if err != nil {
		s.release(ctx, m.CorrelationID)
		return nil, fmt.Errorf("%w: conversation: %v", ErrUnavailable, err)
	}
	m.ConversationID = conv.ID
	m.Status = model.StatusSent
	m.Queue = nil
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	created, err := s.repo.SaveMessage(ctx, &m)
	switch {
	case errors.Is(err, repository.ErrDuplicateCorrelation):
		s.metrics.Duplicates.Inc()
		return nil, ErrDuplicate
	case err != nil:
		s.release(ctx, m.CorrelationID)
		s.logger.Error("persist message failed", zap.String("msg_id", m.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: save message: %v", ErrUnavailable, err)
	case !created:
		return s.redeliver(ctx, sender, m.ID)
	}

	last := repository.Snapshot(m)
	if err := s.repo.UpdateSnapshot(ctx, conv.ID, last); err != nil {
		s.logger.Warn("update snapshot failed", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	conv.LastMessage = &last
	conv.UpdatedAt = now
	if n, err := s.repo.IncrementUnread(ctx, conv.ID, m.RecipientID); err != nil {
		s.logger.Warn("increment unread failed", zap.String("conversation_id", conv.ID), zap.Error(err))
	} else {
		if conv.UnreadCounts == nil {
			conv.UnreadCounts = make(map[string]int)
		}
		conv.UnreadCounts[m.RecipientID] = n
		s.cacheWarn(s.cache.SetUnread(ctx, conv.ID, m.RecipientID, n), "set unread")
	}
	s.cacheWarn(s.cache.CacheRecentMessage(ctx, conv.ID, m), "cache recent message")
	s.invalidate(ctx, conv)

	s.fanout(ctx, conversationRooms(conv), protocol.NewCreated(m))
	s.fanout(ctx, userRooms(conv.Participants), &protocol.ConversationUpdated{Conversation: *conv})
	s.publish(ctx, events.Event{
		Type:           events.TypeMessageCreated,
		ConversationID: conv.ID,
		Actor:          sender,
		Participants:   conv.Participants,
		MessageIDs:     []string{m.ID},
		Status:         m.Status,
		Message:        &m,
		At:             now,
	})
	s.logger.Debug("message relayed", zap.String("msg_id", m.ID), zap.String("conversation_id", conv.ID))
	return &m, nil
}

// duplicate answers a send whose correlation marker was already set. The
// marker alone is not proof of delivery: the first attempt may still be
// persisting or may have failed without releasing it. Only a stored message
// is acknowledged as a duplicate; anything else asks the client to retry.
// An unbacked marker is released so an orphan cannot block the retry, and
// the unique correlation index still settles a race with the first attempt.
func (s *Service) duplicate(ctx context.Context, m model.Message) error {
	_, err := s.repo.GetByCorrelation(ctx, m.CorrelationID)
	switch {
	case err == nil:
		s.metrics.Duplicates.Inc()
		s.logger.Info("duplicate send rejected", zap.String("msg_id", m.ID), zap.String("correlation_id", m.CorrelationID))
		return ErrDuplicate
	case errors.Is(err, repository.ErrNotFound):
		s.logger.Warn("correlation marked but not stored", zap.String("msg_id", m.ID), zap.String("correlation_id", m.CorrelationID))
		s.release(ctx, m.CorrelationID)
		return fmt.Errorf("%w: correlation %s is still in flight", ErrUnavailable, m.CorrelationID)
	default:
		return fmt.Errorf("%w: check correlation: %v", ErrUnavailable, err)
	}
}

// redeliver offers an already stored message to its recipient again. Only
// messages the recipient has not acknowledged are pushed.
func (s *Service) redeliver(ctx context.Context, sender, id string) (*model.Message, error) {
	m, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: load message: %v", ErrUnavailable, err)
	}
	if m.SenderID != sender {
		return nil, fmt.Errorf("%w: message id belongs to another sender", ErrForbidden)
	}
	if m.Status == model.StatusSent {
		s.fanout(ctx, []string{UserRoom(m.RecipientID)}, protocol.NewCreated(*m))
	}
	s.logger.Debug("message redelivered", zap.String("msg_id", m.ID), zap.String("status", string(m.Status)))
	return m, nil
}

// UpdateStatus applies a delivered or read receipt reported by the
// message's recipient. A receipt that would not move the message forward is
// accepted without effect.
func (s *Service) UpdateStatus(ctx context.Context, actor string, u protocol.StatusUpdate) (*model.Message, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if u.Status == model.StatusSent {
		return nil, fmt.Errorf("%w: only delivered or read can be reported", protocol.ErrValidation)
	}
	m, err := s.repo.GetMessage(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if m.ConversationID != u.ConversationID {
		return nil, fmt.Errorf("%w: message is not in conversation %s", protocol.ErrValidation, u.ConversationID)
	}
	if m.RecipientID != actor {
		return nil, fmt.Errorf("%w: only the recipient reports receipts", ErrForbidden)
	}

	updated, err := s.repo.UpdateStatus(ctx, u.ID, u.Status)
	if errors.Is(err, repository.ErrStale) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: update status: %v", ErrUnavailable, err)
	}

	conv, err := s.repo.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: load conversation: %v", ErrUnavailable, err)
	}
	if conv.LastMessage != nil && conv.LastMessage.ID == updated.ID {
		s.advanceSnapshot(ctx, conv, updated.Status)
	}
	s.cacheWarn(s.cache.DropRecent(ctx, conv.ID), "drop recent messages")
	s.invalidate(ctx, conv)

	s.fanout(ctx, conversationRooms(conv), &protocol.StatusUpdate{
		ID:             updated.ID,
		ConversationID: updated.ConversationID,
		Status:         updated.Status,
		UpdatedBy:      actor,
	})
	s.publish(ctx, events.Event{
		Type:           events.TypeMessageStatus,
		ConversationID: conv.ID,
		Actor:          actor,
		Participants:   conv.Participants,
		MessageIDs:     []string{updated.ID},
		Status:         updated.Status,
		At:             s.now().UTC(),
	})
	return updated, nil
}

// MarkRead marks every message addressed to reader in the conversation as
// read and resets the reader's unread counter.
func (s *Service) MarkRead(ctx context.Context, reader, conversationID string) (*protocol.MarkedAsRead, error) {
	conv, err := s.participantConversation(ctx, reader, conversationID)
	if err != nil {
		return nil, err
	}
	ids, err := s.repo.MarkConversationRead(ctx, conv.ID, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: mark read: %v", ErrUnavailable, err)
	}
	if err := s.repo.ResetUnread(ctx, conv.ID, reader); err != nil {
		return nil, fmt.Errorf("%w: reset unread: %v", ErrUnavailable, err)
	}
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = make(map[string]int)
	}
	conv.UnreadCounts[reader] = 0
	s.cacheWarn(s.cache.SetUnread(ctx, conv.ID, reader, 0), "set unread")
	if conv.LastMessage != nil && slices.Contains(ids, conv.LastMessage.ID) {
		s.advanceSnapshot(ctx, conv, model.StatusRead)
	}
	if len(ids) > 0 {
		s.cacheWarn(s.cache.DropRecent(ctx, conv.ID), "drop recent messages")
	}
	s.invalidate(ctx, conv)

	rooms := conversationRooms(conv)
	for _, id := range ids {
		s.fanout(ctx, rooms, &protocol.StatusUpdate{
			ID:             id,
			ConversationID: conv.ID,
			Status:         model.StatusRead,
			UpdatedBy:      reader,
		})
	}
	out := &protocol.MarkedAsRead{ConversationID: conv.ID, ReaderID: reader, UpdatedMessages: ids}
	if len(ids) > 0 {
		s.fanout(ctx, rooms, out)
	}
	s.fanout(ctx, userRooms(conv.Participants), &protocol.ConversationUpdated{Conversation: *conv})
	if len(ids) > 0 {
		s.publish(ctx, events.Event{
			Type:           events.TypeConversationRead,
			ConversationID: conv.ID,
			Actor:          reader,
			Participants:   conv.Participants,
			MessageIDs:     ids,
			Status:         model.StatusRead,
			At:             s.now().UTC(),
		})
	}
	return out, nil
}

// Join subscribes c to a conversation room it participates in and returns
// how many rooms c is in.
func (s *Service) Join(ctx context.Context, c *Conn, conversationID string) (int, error) {
	conv, err := s.participantConversation(ctx, c.User, conversationID)
	if err != nil {
		return 0, err
	}
	n := s.hub.Join(c, ConversationRoom(conv.ID))
	c.logger.Debug("joined rooms", zap.String("conversation_id", conv.ID), zap.Int("rooms", n))
	return n, nil
}

// GetStatus returns user's presence. When c is set, c keeps receiving the
// user's online and offline changes.
func (s *Service) GetStatus(ctx context.Context, c *Conn, user string) (model.Presence, error) {
	p, err := s.presence.Get(ctx, user)
	if err != nil {
		return model.Presence{}, fmt.Errorf("%w: presence: %v", ErrUnavailable, err)
	}
	if !p.Online && s.hub.Online(user) {
		p.Online = true
	}
	if c != nil {
		s.hub.Join(c, PresenceRoom(user))
	}
	return p, nil
}

// DeleteConversation removes a conversation and its messages for both
// participants and returns how many messages were removed.
func (s *Service) DeleteConversation(ctx context.Context, actor, conversationID string) (int64, error) {
	conv, err := s.participantConversation(ctx, actor, conversationID)
	if err != nil {
		return 0, err
	}
	n, err := s.repo.DeleteConversation(ctx, conv.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: delete conversation: %v", ErrUnavailable, err)
	}
	s.cacheWarn(s.cache.DropRecent(ctx, conv.ID), "drop recent messages")
	s.invalidate(ctx, conv)

	s.fanout(ctx, conversationRooms(conv), &protocol.ConversationDeleted{
		ConversationID: conv.ID,
		DeletedBy:      actor,
		Participants:   conv.Participants,
	})
	s.publish(ctx, events.Event{
		Type:           events.TypeConversationDeleted,
		ConversationID: conv.ID,
		Actor:          actor,
		Participants:   conv.Participants,
		At:             s.now().UTC(),
	})
	s.logger.Info("conversation deleted", zap.String("conversation_id", conv.ID), zap.Int64("messages", n))
	return n, nil
}

// Conversations lists user's conversations, most recent first.
func (s *Service) Conversations(ctx context.Context, user string, limit int64) ([]model.Conversation, error) {
	if convs, err := s.cache.ConversationList(ctx, user); err == nil {
		if limit > 0 && int64(len(convs)) > limit {
			convs = convs[:limit]
		}
		return convs, nil
	}
	convs, err := s.repo.ListConversations(ctx, user, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", ErrUnavailable, err)
	}
	s.cacheWarn(s.cache.CacheConversationList(ctx, user, convs), "cache conversation list")
	if limit > 0 && int64(len(convs)) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// Messages returns up to limit messages of a conversation older than before
// (zero means now), oldest first. The newest window is served from the
// recent-message cache when it holds enough entries.
func (s *Service) Messages(ctx context.Context, user, conversationID string, limit int64, before time.Time) ([]model.Message, error) {
	conv, err := s.participantConversation(ctx, user, conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if before.IsZero() && limit <= s.opts.RecentCap {
		recent, err := s.cache.RecentMessages(ctx, conv.ID, limit)
		if err == nil && int64(len(recent)) == limit {
			slices.Reverse(recent)
			slices.SortStableFunc(recent, func(a, b model.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
			return recent, nil
		}
	}
	msgs, err := s.repo.ListMessages(ctx, conv.ID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", ErrUnavailable, err)
	}
	return msgs, nil
}

// participantConversation loads a conversation, read through the cache,
// and checks that user belongs to it.
func (s *Service) participantConversation(ctx context.Context, user, id string) (*model.Conversation, error) {
	conv, err := s.cache.Conversation(ctx, id)
	if err != nil {
		conv, err = s.repo.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cacheWarn(s.cache.CacheConversation(ctx, conv), "cache conversation")
	}
	if !conv.HasParticipant(user) {
		return nil, fmt.Errorf("%w: not a participant of %s", ErrForbidden, id)
	}
	return conv, nil
}

func (s *Service) advanceSnapshot(ctx context.Context, conv *model.Conversation, to model.Status) {
	if !model.CanTransition(conv.LastMessage.Status, to) {
		return
	}
	last := *conv.LastMessage
	last.Status = to
	if err := s.repo.UpdateSnapshot(ctx, conv.ID, last); err != nil {
		s.logger.Warn("update snapshot failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}
	conv.LastMessage = &last
}

func (s *Service) invalidate(ctx context.Context, conv *model.Conversation) {
	s.cacheWarn(s.cache.InvalidateConversationCaches(ctx, conv.ID, conv.Participants), "invalidate conversation caches")
}

func (s *Service) release(ctx context.Context, correlationID string) {
	if correlationID == "" {
		return
	}
	s.cacheWarn(s.cache.Release(ctx, correlationID), "release idempotency marker")
}

func (s *Service) cacheWarn(err error, op string) {
	if err != nil {
		s.logger.Warn("cache "+op+" failed", zap.Error(err))
	}
}

// fanout delivers p to the local members of rooms and to other instances.
func (s *Service) fanout(ctx context.Context, rooms []string, p protocol.Payload) {
	raw, err := protocol.Encode("", p)
	if err != nil {
		s.logger.Error("encode fan-out frame", zap.String("event", p.Event()), zap.Error(err))
		return
	}
	s.metrics.Fanout.Add(float64(s.hub.Deliver(rooms, raw)))
	if err := s.backplane.Publish(ctx, backplane.Frame{Kind: backplane.KindFanout, Rooms: rooms, Data: raw}); err != nil {
		s.logger.Warn("backplane publish failed", zap.String("event", p.Event()), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn("domain event not published", zap.String("type", e.Type), zap.String("conversation_id", e.ConversationID), zap.Error(err))
	}
}

func conversationRooms(conv *model.Conversation) []string {
	return append([]string{ConversationRoom(conv.ID)}, userRooms(conv.Participants)...)
}

func userRooms(users []string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, UserRoom(u))
	}
	return out
}
