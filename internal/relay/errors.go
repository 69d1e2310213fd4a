package relay

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/repository"
)

var (
	// ErrForbidden is returned when the caller is not allowed to touch a conversation or message.
	ErrForbidden = errors.New("forbidden")
	// ErrDuplicate is returned when a correlation id was already processed.
	ErrDuplicate = errors.New("duplicate correlation id")
	// ErrUnavailable is returned when persistence failed and the request must be retried.
	ErrUnavailable = errors.New("temporarily unavailable")
	// ErrRateLimited is returned when a connection sends events faster than allowed.
	ErrRateLimited = errors.New("rate limited")
)

// ackCode maps a handler error to the code carried in an error ack.
func ackCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrValidation),
		errors.Is(err, protocol.ErrUnknownEvent),
		errors.Is(err, model.ErrInvalidMessage),
		errors.Is(err, model.ErrInvalidConversation):
		return protocol.CodeValidation
	case errors.Is(err, ErrDuplicate), errors.Is(err, repository.ErrDuplicateCorrelation):
		return protocol.CodeDuplicate
	case errors.Is(err, ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, repository.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, ErrUnavailable):
		return protocol.CodeUnavailable
	}
	return protocol.CodeInternal
}

// httpStatus maps a handler error to the REST status code.
func httpStatus(err error) int {
	switch ackCode(err) {
	case protocol.CodeValidation:
		return fiber.StatusBadRequest
	case protocol.CodeDuplicate:
		return fiber.StatusConflict
	case protocol.CodeForbidden:
		return fiber.StatusForbidden
	case protocol.CodeNotFound:
		return fiber.StatusNotFound
	case protocol.CodeRateLimited:
		return fiber.StatusTooManyRequests
	case protocol.CodeUnavailable:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}
