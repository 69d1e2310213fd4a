package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/model"
	"github.com/redis/go-redis/v9"
)

// Redis implements Store and Presence on a shared Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

func NewRedis(client redis.UniversalClient, prefix string, opts Options) *Redis {
	return &Redis{client: client, prefix: prefix, opts: opts}
}

func (r *Redis) idemKey(id string) string { return fmt.Sprintf("%s:idem:%s", r.prefix, id) }
func (r *Redis) recentKey(conv string) string { return fmt.Sprintf("%s:conv:%s:recent", r.prefix, conv) }
func (r *Redis) metaKey(conv string) string { return fmt.Sprintf("%s:conv:%s:meta", r.prefix, conv) }
func (r *Redis) listKey(user string) string { return fmt.Sprintf("%s:user:%s:conversations", r.prefix, user) }
func (r *Redis) presenceKey(user string) string { return fmt.Sprintf("%s:presence:%s", r.prefix, user) }
func (r *Redis) unreadKey(conv, user string) string {
	return fmt.Sprintf("%s:conv:%s:unread:%s", r.prefix, conv, user)
}

func (r *Redis) CheckAndMark(ctx context.Context, correlationID string) (bool, error) {
	set, err := r.client.SetNX(ctx, r.idemKey(correlationID), time.Now().UnixMilli(), r.opts.IdempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", correlationID, err)
	}
	return !set, nil
}

func (r *Redis) Release(ctx context.Context, correlationID string) error {
	return r.client.Del(ctx, r.idemKey(correlationID)).Err()
}

func (r *Redis) CacheRecentMessage(ctx context.Context, conversationID string, m model.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := r.recentKey(conversationID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, r.opts.RecentCap-1)
	pipe.Expire(ctx, key, r.opts.RecentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache recent message: %w", err)
	}
	return nil
}

func (r *Redis) RecentMessages(ctx context.Context, conversationID string, limit int64) ([]model.Message, error) {
	if limit <= 0 || limit > r.opts.RecentCap {
		limit = r.opts.RecentCap
	}
	raws, err := r.client.LRange(ctx, r.recentKey(conversationID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(raws))
	for _, raw := range raws {
		var m model.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode cached message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *Redis) DropRecent(ctx context.Context, conversationID string) error {
	return r.client.Del(ctx, r.recentKey(conversationID)).Err()
}

func (r *Redis) SetUnread(ctx context.Context, conversationID, user string, n int) error {
	return r.client.Set(ctx, r.unreadKey(conversationID, user), n, r.opts.MetaTTL).Err()
}

func (r *Redis) GetUnread(ctx context.Context, conversationID, user string) (int, error) {
	n, err := r.client.Get(ctx, r.unreadKey(conversationID, user)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	return n, err
}

func (r *Redis) CacheConversation(ctx context.Context, c *model.Conversation) error {
	return r.setJSON(ctx, r.metaKey(c.ID), c, r.opts.MetaTTL)
}

func (r *Redis) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	if err := r.getJSON(ctx, r.metaKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Redis) CacheConversationList(ctx context.Context, user string, convs []model.Conversation) error {
	return r.setJSON(ctx, r.listKey(user), convs, r.opts.MetaTTL)
}

func (r *Redis) ConversationList(ctx context.Context, user string) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := r.getJSON(ctx, r.listKey(user), &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *Redis) InvalidateConversationCaches(ctx context.Context, conversationID string, participants []string) error {
	keys := []string{r.metaKey(conversationID)}
	for _, p := range participants {
		keys = append(keys, r.listKey(p))
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) SetOnline(ctx context.Context, user string) error {
	now := time.Now().UTC()
	return r.setJSON(ctx, r.presenceKey(user), presenceRecord{Online: true, LastSeen: &now}, r.opts.PresenceTTL)
}

// SetOffline keeps the last-seen record without expiry.
func (r *Redis) SetOffline(ctx context.Context, user string, lastSeen time.Time) error {
	lastSeen = lastSeen.UTC()
	return r.setJSON(ctx, r.presenceKey(user), presenceRecord{LastSeen: &lastSeen}, 0)
}

func (r *Redis) Refresh(ctx context.Context, users []string) error {
	if len(users) == 0 {
		return nil
	}
	now := time.Now().UTC()
	raw, err := json.Marshal(presenceRecord{Online: true, LastSeen: &now})
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	for _, u := range users {
		pipe.Set(ctx, r.presenceKey(u), raw, r.opts.PresenceTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get reports an expired online record as offline.
func (r *Redis) Get(ctx context.Context, user string) (model.Presence, error) {
	var rec presenceRecord
	err := r.getJSON(ctx, r.presenceKey(user), &rec)
	if errors.Is(err, ErrMiss) {
		return model.Presence{UserID: user}, nil
	}
	if err != nil {
		return model.Presence{}, err
	}
	return rec.presence(user), nil
}

func (r *Redis) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, raw, ttl).Err()
}

func (r *Redis) getJSON(ctx context.Context, key string, v any) error {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
