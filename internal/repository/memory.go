package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/courier/internal/model"
)

// Memory is an in-process Repository for development and tests.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]model.Message
	byCorr   map[string]string
	convs    map[string]model.Conversation
}

func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]model.Message),
		byCorr:   make(map[string]string),
		convs:    make(map[string]model.Conversation),
	}
}

func (r *Memory) SaveMessage(_ context.Context, m *model.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[m.ID]; ok {
		return false, nil
	}
	if m.CorrelationID != "" {
		if owner, ok := r.byCorr[m.CorrelationID]; ok && owner != m.ID {
			return false, ErrDuplicateCorrelation
		}
		r.byCorr[m.CorrelationID] = m.ID
	}
	r.messages[m.ID] = *m
	return true, nil
}

func (r *Memory) GetMessage(_ context.Context, id string) (*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (r *Memory) GetByCorrelation(ctx context.Context, correlationID string) (*model.Message, error) {
	r.mu.RLock()
	id, ok := r.byCorr[correlationID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetMessage(ctx, id)
}

func (r *Memory) ListMessages(_ context.Context, conversationID string, limit int64, before time.Time) ([]model.Message, error) {
	r.mu.RLock()
	var out []model.Message
	for _, m := range r.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Message) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[int64(len(out))-limit:]
	}
	return out, nil
}

func (r *Memory) UpdateStatus(_ context.Context, id string, to model.Status) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(predecessors(to), m.Status) {
		return nil, ErrStale
	}
	m.Status = to
	m.UpdatedAt = time.Now().UTC()
	r.messages[id] = m
	return &m, nil
}

func (r *Memory) MarkConversationRead(_ context.Context, conversationID, reader string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var ids []string
	for id, m := range r.messages {
		if m.ConversationID != conversationID || m.RecipientID != reader {
			continue
		}
		if m.Status != model.StatusSent && m.Status != model.StatusDelivered {
			continue
		}
		m.Status = model.StatusRead
		m.UpdatedAt = now
		r.messages[id] = m
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *Memory) ListByRecipientStatus(_ context.Context, recipient string, status model.Status, limit int64) ([]model.Message, error) {
	r.mu.RLock()
	var out []model.Message
	for _, m := range r.messages {
		if m.RecipientID == recipient && m.Status == status {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Memory) FindOrCreateConversation(_ context.Context, a, b string) (*model.Conversation, error) {
	conv, err := model.NewConversation(a, b, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.convs[conv.ID]; ok {
		return cloneConversation(existing), nil
	}
	r.convs[conv.ID] = *conv
	return cloneConversation(*conv), nil
}

func (r *Memory) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (r *Memory) ListConversations(_ context.Context, user string, limit int64) ([]model.Conversation, error) {
	r.mu.RLock()
	var out []model.Conversation
	for _, c := range r.convs {
		if c.HasParticipant(user) {
			out = append(out, *cloneConversation(c))
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.Conversation) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Memory) UpdateSnapshot(_ context.Context, conversationID string, last model.LastMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessage = &last
	c.UpdatedAt = time.Now().UTC()
	r.convs[conversationID] = c
	return nil
}

func (r *Memory) IncrementUnread(_ context.Context, conversationID, user string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok {
		return 0, ErrNotFound
	}
	c = *cloneConversation(c)
	c.UnreadCounts[user]++
	r.convs[conversationID] = c
	return c.UnreadCounts[user], nil
}

func (r *Memory) ResetUnread(_ context.Context, conversationID, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	c = *cloneConversation(c)
	c.UnreadCounts[user] = 0
	r.convs[conversationID] = c
	return nil
}

func (r *Memory) DeleteConversation(_ context.Context, conversationID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.convs[conversationID]; !ok {
		return 0, ErrNotFound
	}
	delete(r.convs, conversationID)
	var n int64
	for id, m := range r.messages {
		if m.ConversationID == conversationID {
			delete(r.messages, id)
			if m.CorrelationID != "" {
				delete(r.byCorr, m.CorrelationID)
			}
			n++
		}
	}
	return n, nil
}

func (r *Memory) Close(context.Context) error { return nil }

func cloneConversation(c model.Conversation) *model.Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.ArchivedBy = slices.Clone(c.ArchivedBy)
	counts := make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		counts[k] = v
	}
	c.UnreadCounts = counts
	if c.LastMessage != nil {
		last := *c.LastMessage
		c.LastMessage = &last
	}
	return &c
}
