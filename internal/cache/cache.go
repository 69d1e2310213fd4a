// Package cache holds the relay's short-lived shared state: idempotency
// markers, recent messages, unread counters, conversation snapshots and
// presence. Redis backs it in production; Memory serves single-instance and
// test setups with the same semantics.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/courier/internal/model"
)

// ErrMiss is returned when a cached entry is absent or expired.
var ErrMiss = errors.New("cache miss")

// Options are the TTLs and bounds shared by every implementation.
type Options struct {
	IdempotencyTTL time.Duration
	RecentCap      int64
	RecentTTL      time.Duration
	PresenceTTL    time.Duration
	// MetaTTL bounds conversation snapshots and per-user conversation lists.
	MetaTTL time.Duration
}

// DefaultOptions mirrors the relay config defaults.
func DefaultOptions() Options {
	return Options{
		IdempotencyTTL: 5 * time.Minute,
		RecentCap:      100,
		RecentTTL:      24 * time.Hour,
		PresenceTTL:    60 * time.Second,
		MetaTTL:        10 * time.Minute,
	}
}

// Store is the idempotency and read-state cache.
type Store interface {
	// CheckAndMark atomically marks correlationID as seen. It returns true
	// when the marker already existed.
	CheckAndMark(ctx context.Context, correlationID string) (bool, error)
	// Release forgets a marker so a retry of a failed send is processed.
	Release(ctx context.Context, correlationID string) error

	CacheRecentMessage(ctx context.Context, conversationID string, m model.Message) error
	// RecentMessages returns up to limit cached messages, newest first.
	RecentMessages(ctx context.Context, conversationID string, limit int64) ([]model.Message, error)
	// DropRecent forgets the recent list after its statuses went stale.
	DropRecent(ctx context.Context, conversationID string) error

	SetUnread(ctx context.Context, conversationID, user string, n int) error
	GetUnread(ctx context.Context, conversationID, user string) (int, error)

	CacheConversation(ctx context.Context, c *model.Conversation) error
	Conversation(ctx context.Context, id string) (*model.Conversation, error)
	CacheConversationList(ctx context.Context, user string, convs []model.Conversation) error
	ConversationList(ctx context.Context, user string) ([]model.Conversation, error)

	// InvalidateConversationCaches drops the conversation snapshot and every
	// participant's conversation list.
	InvalidateConversationCaches(ctx context.Context, conversationID string, participants []string) error
}

// Presence tracks who is online across relay instances.
type Presence interface {
	SetOnline(ctx context.Context, user string) error
	SetOffline(ctx context.Context, user string, lastSeen time.Time) error
	// Refresh extends the online TTL of users still connected here.
	Refresh(ctx context.Context, users []string) error
	Get(ctx context.Context, user string) (model.Presence, error)
}

type presenceRecord struct {
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func (r presenceRecord) presence(user string) model.Presence {
	return model.Presence{UserID: user, Online: r.Online, LastSeen: r.LastSeen}
}
