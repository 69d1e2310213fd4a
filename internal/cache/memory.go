package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/courier/internal/model"
)

type entry[T any] struct {
	val T
	exp time.Time // zero means no expiry
}

func (e entry[T]) live(now time.Time) bool {
	return e.exp.IsZero() || now.Before(e.exp)
}

// Memory implements Store and Presence in process. It is only consistent
// within one relay instance.
type Memory struct {
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	markers  map[string]entry[struct{}]
	recent   map[string]entry[[]model.Message]
	unread   map[string]entry[int]
	convs    map[string]entry[model.Conversation]
	lists    map[string]entry[[]model.Conversation]
	presence map[string]entry[presenceRecord]
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:     opts,
		now:      time.Now,
		markers:  make(map[string]entry[struct{}]),
		recent:   make(map[string]entry[[]model.Message]),
		unread:   make(map[string]entry[int]),
		convs:    make(map[string]entry[model.Conversation]),
		lists:    make(map[string]entry[[]model.Conversation]),
		presence: make(map[string]entry[presenceRecord]),
	}
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) CheckAndMark(_ context.Context, correlationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.markers[correlationID]; ok && e.live(m.now()) {
		return true, nil
	}
	m.markers[correlationID] = entry[struct{}]{exp: m.expiry(m.opts.IdempotencyTTL)}
	return false, nil
}

func (m *Memory) Release(_ context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, correlationID)
	return nil
}

func (m *Memory) CacheRecentMessage(_ context.Context, conversationID string, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []model.Message
	if e, ok := m.recent[conversationID]; ok && e.live(m.now()) {
		list = e.val
	}
	list = append([]model.Message{msg}, list...)
	if int64(len(list)) > m.opts.RecentCap {
		list = list[:m.opts.RecentCap]
	}
	m.recent[conversationID] = entry[[]model.Message]{val: list, exp: m.expiry(m.opts.RecentTTL)}
	return nil
}

func (m *Memory) RecentMessages(_ context.Context, conversationID string, limit int64) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.recent[conversationID]
	if !ok {
		return nil, nil
	}
	if !e.live(m.now()) {
		delete(m.recent, conversationID)
		return nil, nil
	}
	list := e.val
	if limit > 0 && int64(len(list)) > limit {
		list = list[:limit]
	}
	return slices.Clone(list), nil
}

func (m *Memory) DropRecent(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recent, conversationID)
	return nil
}

func (m *Memory) SetUnread(_ context.Context, conversationID, user string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unread[conversationID+"|"+user] = entry[int]{val: n, exp: m.expiry(m.opts.MetaTTL)}
	return nil
}

func (m *Memory) GetUnread(_ context.Context, conversationID, user string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := conversationID + "|" + user
	e, ok := m.unread[key]
	if !ok {
		return 0, ErrMiss
	}
	if !e.live(m.now()) {
		delete(m.unread, key)
		return 0, ErrMiss
	}
	return e.val, nil
}

func (m *Memory) CacheConversation(_ context.Context, c *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ID] = entry[model.Conversation]{val: *c, exp: m.expiry(m.opts.MetaTTL)}
	return nil
}

func (m *Memory) Conversation(_ context.Context, id string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.convs[id]
	if !ok {
		return nil, ErrMiss
	}
	if !e.live(m.now()) {
		delete(m.convs, id)
		return nil, ErrMiss
	}
	c := e.val
	return &c, nil
}

func (m *Memory) CacheConversationList(_ context.Context, user string, convs []model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[user] = entry[[]model.Conversation]{val: slices.Clone(convs), exp: m.expiry(m.opts.MetaTTL)}
	return nil
}

func (m *Memory) ConversationList(_ context.Context, user string) ([]model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lists[user]
	if !ok {
		return nil, ErrMiss
	}
	if !e.live(m.now()) {
		delete(m.lists, user)
		return nil, ErrMiss
	}
	return slices.Clone(e.val), nil
}

func (m *Memory) InvalidateConversationCaches(_ context.Context, conversationID string, participants []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, conversationID)
	for _, p := range participants {
		delete(m.lists, p)
	}
	return nil
}

func (m *Memory) SetOnline(_ context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	m.presence[user] = entry[presenceRecord]{val: presenceRecord{Online: true, LastSeen: &now}, exp: m.expiry(m.opts.PresenceTTL)}
	return nil
}

func (m *Memory) SetOffline(_ context.Context, user string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lastSeen = lastSeen.UTC()
	m.presence[user] = entry[presenceRecord]{val: presenceRecord{LastSeen: &lastSeen}}
	return nil
}

func (m *Memory) Refresh(_ context.Context, users []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	for _, u := range users {
		m.presence[u] = entry[presenceRecord]{val: presenceRecord{Online: true, LastSeen: &now}, exp: m.expiry(m.opts.PresenceTTL)}
	}
	return nil
}

func (m *Memory) Get(_ context.Context, user string) (model.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.presence[user]
	if !ok {
		return model.Presence{UserID: user}, nil
	}
	if !e.live(m.now()) {
		delete(m.presence, user)
		return model.Presence{UserID: user}, nil
	}
	return e.val.presence(user), nil
}

// Sweep removes every expired entry and returns how many were removed.
// Idempotency markers are written once and rarely read again, so only a
// sweep reclaims them.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	return sweep(m.markers, now) +
		sweep(m.recent, now) +
		sweep(m.unread, now) +
		sweep(m.convs, now) +
		sweep(m.lists, now) +
		sweep(m.presence, now)
}

// Len returns the number of resident entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.markers) + len(m.recent) + len(m.unread) + len(m.convs) + len(m.lists) + len(m.presence)
}

func sweep[T any](entries map[string]entry[T], now time.Time) int {
	n := 0
	for k, e := range entries {
		if !e.live(now) {
			delete(entries, k)
			n++
		}
	}
	return n
}
