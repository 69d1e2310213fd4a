package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
)

// Message is a stored message plus its queue bookkeeping, if any.
type Message struct {
	model.Message
	RetryCount int              `json:"retryCount,omitempty"`
	LastError  string           `json:"lastError,omitempty"`
	ErrorClass model.ErrorClass `json:"errorClass,omitempty"`
}

func toMessage(m model.Message) Message {
	out := Message{Message: m}
	if m.Queue != nil {
		out.RetryCount = m.Queue.RetryCount
		out.LastError = m.Queue.LastError
		out.ErrorClass = m.Queue.ErrorClass
	}
	return out
}

func toMessages(msgs []model.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out
}

type Conversation struct {
	ID          string  `json:"id"`
	Peer        string  `json:"peer"`
	LastMessage Message `json:"lastMessage"`
	Unread      int     `json:"unread"`
	Total       int     `json:"total"`
}

func toConversation(c store.ConversationSummary) Conversation {
	return Conversation{
		ID:          c.ID,
		Peer:        c.Peer,
		LastMessage: toMessage(c.LastMessage),
		Unread:      c.Unread,
		Total:       c.Total,
	}
}

type Empty struct{}

type SendTextRequest struct {
	ID   string            `json:"id,omitempty"`
	To   string            `json:"to"`
	Body string            `json:"body"`
	Type model.MessageType `json:"type,omitempty"`
}

type SendTextResponse struct {
	Accepted bool    `json:"accepted"`
	Message  Message `json:"message"`
}

// ListMessagesRequest selects a conversation by id or by peer.
type ListMessagesRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	Peer           string `json:"peer,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}

type ListMessagesResponse struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
}

type ListConversationsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type ListFailedRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListFailedResponse struct {
	Messages []Message `json:"messages"`
}

type RetryRequest struct {
	ID string `json:"id"`
}

type QueueStatsResponse struct {
	outbox.Stats
	Counts map[model.Status]int `json:"counts"`
}

type SessionStatusResponse struct {
	Profile  string       `json:"profile"`
	Self     string       `json:"self"`
	RelayURL string       `json:"relayUrl"`
	State    status.State `json:"state"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type MarkReadResponse struct {
	Updated int `json:"updated"`
}

type PresenceRequest struct {
	UserID string `json:"waId"`
}

type SearchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversationId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// WatchRequest filters the event stream by bus kind prefix; empty means all.
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

type WatchEvent struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
