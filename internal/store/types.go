package store

import "github.com/matheus3301/courier/internal/model"

// ChangeKind says what kind of write produced a Change.
type ChangeKind string

const (
	ChangePut    ChangeKind = "put"
	ChangeStatus ChangeKind = "status"
	ChangeQueue  ChangeKind = "queue"
)

// Change is published on the bus after a committed write to a message.
type Change struct {
	Kind     ChangeKind
	Message  model.Message
	Previous model.Status
}

// ConversationSummary is a locally derived view of one conversation.
type ConversationSummary struct {
	ID          string
	Peer        string
	LastMessage model.Message
	Unread      int
	Total       int
}

// SearchResult holds a message with a highlighted snippet.
type SearchResult struct {
	Message model.Message
	Snippet string
}
