package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/model"
)

// Payload is one variant of the tagged envelope body.
type Payload interface {
	Event() string
	Validate() error
}

// MessagePayload carries a full message. It is the body of message:send and message:created.
type MessagePayload struct {
	Message        model.Message `json:"message"`
	ConversationID string        `json:"conversationId"`

	event string
}

func (p *MessagePayload) Event() string { return p.event }

func (p *MessagePayload) Validate() error {
	if p.ConversationID == "" {
		p.ConversationID = p.Message.ConversationID
	}
	if p.Message.ConversationID == "" {
		p.Message.ConversationID = p.ConversationID
	}
	if p.Message.ConversationID != p.ConversationID {
		return fmt.Errorf("%w: conversationId mismatch", ErrValidation)
	}
	if err := p.Message.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// NewSend builds a message:send payload for m.
func NewSend(m model.Message) *MessagePayload {
	return &MessagePayload{Message: m, ConversationID: m.ConversationID, event: EventMessageSend}
}

// NewCreated builds a message:created payload for m.
func NewCreated(m model.Message) *MessagePayload {
	return &MessagePayload{Message: m, ConversationID: m.ConversationID, event: EventMessageCreated}
}

// StatusUpdate reports a new status for one message.
type StatusUpdate struct {
	ID             string       `json:"_id"`
	ConversationID string       `json:"conversationId"`
	Status         model.Status `json:"status"`
	UpdatedBy      string       `json:"updatedBy,omitempty"`
}

func (*StatusUpdate) Event() string { return EventMessageStatusUpdated }

func (p *StatusUpdate) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing message id", ErrValidation)
	case p.ConversationID == "":
		return fmt.Errorf("%w: missing conversationId", ErrValidation)
	case !p.Status.Acknowledged():
		return fmt.Errorf("%w: status %q cannot be reported", ErrValidation, p.Status)
	}
	return nil
}

// MarkedAsRead reports that a reader has read a conversation.
// Clients send it with only ConversationID set.
type MarkedAsRead struct {
	ConversationID  string   `json:"conversationId"`
	ReaderID        string   `json:"waId,omitempty"`
	UpdatedMessages []string `json:"updatedMessages,omitempty"`
}

func (*MarkedAsRead) Event() string { return EventMarkedAsRead }

func (p *MarkedAsRead) Validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("%w: missing conversationId", ErrValidation)
	}
	return nil
}

// ConversationUpdated carries the latest conversation snapshot.
type ConversationUpdated struct {
	model.Conversation
}

func (*ConversationUpdated) Event() string { return EventConversationUpdated }

func (p *ConversationUpdated) Validate() error {
	if p.ID == "" || len(p.Participants) != 2 {
		return fmt.Errorf("%w: malformed conversation", ErrValidation)
	}
	return nil
}

// ConversationDeleted announces removal of a conversation.
type ConversationDeleted struct {
	ConversationID string   `json:"conversationId"`
	DeletedBy      string   `json:"waId"`
	Participants   []string `json:"participants,omitempty"`
}

func (*ConversationDeleted) Event() string { return EventConversationDeleted }

func (p *ConversationDeleted) Validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("%w: missing conversationId", ErrValidation)
	}
	return nil
}

// Join asks to be added to a conversation room.
type Join struct {
	ConversationID string `json:"conversationId"`
}

func (*Join) Event() string { return EventConversationJoin }

func (p *Join) Validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("%w: missing conversationId", ErrValidation)
	}
	return nil
}

// PresenceChange is the body of user:online and user:offline.
type PresenceChange struct {
	UserID   string     `json:"waId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`

	online bool
}

func (p *PresenceChange) Event() string {
	if p.online {
		return EventUserOnline
	}
	return EventUserOffline
}

// Online reports whether this is a user:online notification.
func (p *PresenceChange) Online() bool { return p.online }

func (p *PresenceChange) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: missing waId", ErrValidation)
	}
	return nil
}

// NewPresenceChange builds a user:online or user:offline payload.
func NewPresenceChange(user string, online bool, lastSeen *time.Time) *PresenceChange {
	return &PresenceChange{UserID: user, LastSeen: lastSeen, online: online}
}

// GetStatus asks for the presence of one user.
type GetStatus struct {
	UserID string `json:"waId"`
}

func (*GetStatus) Event() string { return EventUserGetStatus }

func (p *GetStatus) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: missing waId", ErrValidation)
	}
	return nil
}

// UserStatus answers user:get-status.
type UserStatus struct {
	model.Presence
}

func (*UserStatus) Event() string { return EventUserStatus }

func (p *UserStatus) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: missing waId", ErrValidation)
	}
	return nil
}

// ForcedLogout tells a connection it was replaced by a newer device.
type ForcedLogout struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func (*ForcedLogout) Event() string { return EventForcedLogout }

func (p *ForcedLogout) Validate() error {
	if p.Reason == "" {
		return fmt.Errorf("%w: missing reason", ErrValidation)
	}
	return nil
}

// Ack codes sent by the relay on failure.
const (
	CodeValidation  = "validation"
	CodeDuplicate   = "duplicate"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

// AckError describes why the relay refused a request.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack answers a client request that carried a ref.
type Ack struct {
	Ref    string          `json:"-"`
	OK     bool            `json:"ok"`
	Error  *AckError       `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// OKAck builds a successful ack, encoding result when it is non-nil.
func OKAck(ref string, result any) (*Ack, error) {
	a := &Ack{Ref: ref, OK: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode ack result: %w", err)
		}
		a.Result = raw
	}
	return a, nil
}

// ErrorAck builds a failed ack.
func ErrorAck(ref, code, msg string) *Ack {
	return &Ack{Ref: ref, Error: &AckError{Code: code, Message: msg}}
}

func (*Ack) Event() string { return EventAck }

func (p *Ack) Validate() error {
	if !p.OK && p.Error == nil {
		return fmt.Errorf("%w: failed ack without error", ErrValidation)
	}
	return nil
}
