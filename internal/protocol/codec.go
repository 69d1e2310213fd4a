package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEvent is returned for envelopes whose event is not part of the protocol.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrValidation is returned for envelopes whose body does not match the event schema.
	ErrValidation = errors.New("invalid payload")
)

// Envelope is the JSON frame exchanged over the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is a decoded and validated envelope.
type Frame struct {
	Ref     string
	Payload Payload
}

// Encode serializes p into an envelope. ref may be empty.
func Encode(ref string, p Payload) ([]byte, error) {
	if a, ok := p.(*Ack); ok && ref == "" {
		ref = a.Ref
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Event(), err)
	}
	return json.Marshal(Envelope{Event: p.Event(), Ref: ref, Data: data})
}

// Decode parses raw into a typed payload. Unknown events and fields are rejected.
// The returned Envelope is non-nil whenever the outer frame parsed, so callers
// can still answer a ref after a validation error.
func Decode(raw []byte) (*Frame, *Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p, err := newPayload(env.Event)
	if err != nil {
		return nil, &env, err
	}
	if len(env.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(env.Data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return nil, &env, fmt.Errorf("%w: %s: %v", ErrValidation, env.Event, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, &env, err
	}
	if a, ok := p.(*Ack); ok {
		a.Ref = env.Ref
	}
	return &Frame{Ref: env.Ref, Payload: p}, &env, nil
}

func newPayload(event string) (Payload, error) {
	switch event {
	case EventMessageSend, EventMessageCreated:
		return &MessagePayload{event: event}, nil
	case EventMessageStatusUpdated:
		return &StatusUpdate{}, nil
	case EventMarkedAsRead:
		return &MarkedAsRead{}, nil
	case EventConversationUpdated:
		return &ConversationUpdated{}, nil
	case EventConversationDeleted:
		return &ConversationDeleted{}, nil
	case EventConversationJoin:
		return &Join{}, nil
	case EventUserOnline:
		return &PresenceChange{online: true}, nil
	case EventUserOffline:
		return &PresenceChange{}, nil
	case EventUserGetStatus:
		return &GetStatus{}, nil
	case EventUserStatus:
		return &UserStatus{}, nil
	case EventForcedLogout:
		return &ForcedLogout{}, nil
	case EventAck:
		return &Ack{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
}
