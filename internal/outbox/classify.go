package outbox

import (
	"context"
	"errors"
	"net"

	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/transport"
)

// Classify maps a send error to the class that decides whether to retry.
func Classify(err error) model.ErrorClass {
	if err == nil {
		return ""
	}
	var remote *transport.RemoteError
	if errors.As(err, &remote) {
		switch remote.Code {
		case protocol.CodeDuplicate:
			return model.ErrorDuplicate
		case protocol.CodeValidation, protocol.CodeForbidden, protocol.CodeNotFound:
			return model.ErrorValidation
		}
		return model.ErrorServer
	}

	var netErr net.Error
	switch {
	case errors.Is(err, transport.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.ErrorTimeout
	case errors.Is(err, transport.ErrDisconnected),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, transport.ErrLoggedOut),
		errors.Is(err, transport.ErrNoCredentials):
		return model.ErrorNetwork
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return model.ErrorTimeout
		}
		return model.ErrorNetwork
	case errors.Is(err, model.ErrInvalidMessage), errors.Is(err, protocol.ErrValidation):
		return model.ErrorValidation
	}
	return model.ErrorUnknown
}
