package model

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

// conversationNamespace seeds deterministic conversation ids.
var conversationNamespace = uuid.MustParse("0b7c6a52-3f0e-4c8e-9d57-2a4f1de0c9a1")

// ErrInvalidConversation is returned for conversations that are not exactly two distinct users.
var ErrInvalidConversation = errors.New("invalid conversation")

// PairKey returns the order-independent key for two users.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// ConversationID returns the id of the conversation between a and b.
// Both sides derive the same id without a round trip.
func ConversationID(a, b string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(PairKey(a, b))).String()
}

// LastMessage is the snapshot of the newest message kept on a conversation.
type LastMessage struct {
	ID        string    `json:"id" bson:"id"`
	SenderID  string    `json:"senderId" bson:"sender_id"`
	Body      string    `json:"body" bson:"body"`
	Status    Status    `json:"status" bson:"status"`
	CreatedAt time.Time `json:"timestamp" bson:"created_at"`
}

// Conversation is a one-to-one thread between two users.
type Conversation struct {
	ID           string         `json:"id" bson:"_id"`
	Participants []string       `json:"participants" bson:"participants"`
	PairKey      string         `json:"-" bson:"pair_key"`
	LastMessage  *LastMessage   `json:"lastMessage,omitempty" bson:"last_message,omitempty"`
	UnreadCounts map[string]int `json:"unreadCounts" bson:"unread_counts"`
	ArchivedBy   []string       `json:"archivedBy,omitempty" bson:"archived_by,omitempty"`
	CreatedAt    time.Time      `json:"createdAt" bson:"created_at"`
	UpdatedAt    time.Time      `json:"updatedAt" bson:"updated_at"`
}

// NewConversation builds the conversation between a and b.
func NewConversation(a, b string, now time.Time) (*Conversation, error) {
	if a == "" || b == "" || a == b {
		return nil, ErrInvalidConversation
	}
	p := []string{a, b}
	slices.Sort(p)
	return &Conversation{
		ID:           ConversationID(a, b),
		Participants: p,
		PairKey:      PairKey(a, b),
		UnreadCounts: map[string]int{a: 0, b: 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// HasParticipant reports whether user belongs to the conversation.
func (c *Conversation) HasParticipant(user string) bool {
	return slices.Contains(c.Participants, user)
}

// Peer returns the other participant, or "" if user is not a participant.
func (c *Conversation) Peer(user string) string {
	if !c.HasParticipant(user) {
		return ""
	}
	for _, p := range c.Participants {
		if p != user {
			return p
		}
	}
	return ""
}

// Archived reports whether user archived the conversation.
func (c *Conversation) Archived(user string) bool {
	return slices.Contains(c.ArchivedBy, user)
}

// Presence is the online state of a user as seen by the relay.
type Presence struct {
	UserID   string     `json:"waId"`
	Online   bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}
