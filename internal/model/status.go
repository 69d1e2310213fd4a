package model

import (
	"errors"
	"fmt"
)

// Status is the delivery state of a single message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ErrInvalidTransition is returned when a status change would move a message backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions lists the direct moves a message may make.
// sending->pending is the engine rescheduling a failed attempt; failed->pending is a manual retry.
// failed->sent covers an attempt whose ack was lost but which the relay persisted.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusSending, StatusFailed},
	StatusSending:   {StatusSent, StatusFailed, StatusPending},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusFailed:    {StatusPending, StatusSent, StatusDelivered},
	StatusDelivered: {StatusRead},
	StatusRead:      {},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no further change is expected from the sender side.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// Acknowledged reports whether the relay has accepted the message.
func (s Status) Acknowledged() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// CanTransition reports whether from->to is a permitted direct move.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a wrapped ErrInvalidTransition if from->to is not permitted.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Path returns the ordered steps needed to bring a message from its current
// status to an authoritative status reported by the relay. The result is empty
// when from is already at or past to. Intermediate acknowledged states are
// included so observers never see read before sent.
func Path(from, to Status) []Status {
	if from == to {
		return nil
	}
	if CanTransition(from, to) {
		if from == StatusFailed && to == StatusDelivered {
			return []Status{StatusSent, StatusDelivered}
		}
		if from == StatusSent && to == StatusRead {
			return []Status{StatusDelivered, StatusRead}
		}
		return []Status{to}
	}
	if !to.Acknowledged() {
		return nil
	}
	chain := []Status{StatusSent, StatusDelivered, StatusRead}
	start := 0
	switch from {
	case StatusPending:
		// Pending must pass through sending first.
		steps := []Status{StatusSending}
		for _, s := range chain {
			steps = append(steps, s)
			if s == to {
				return steps
			}
		}
		return nil
	case StatusSending, StatusFailed:
	case StatusSent:
		start = 1
	case StatusDelivered:
		start = 2
	default:
		return nil
	}
	var steps []Status
	for _, s := range chain[start:] {
		steps = append(steps, s)
		if s == to {
			return steps
		}
	}
	return nil
}
