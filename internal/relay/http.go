package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/matheus3301/courier/internal/auth"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
)

const identityKey = "identity"

// Authenticate resolves the caller from the Authorization header, the
// cookie or the token query parameter. Requests without a valid token are
// answered 401 before any handler or upgrade runs.
func Authenticate(v *auth.Validator, cookieName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.Credential(c.Get(fiber.HeaderAuthorization), c.Cookies(cookieName), c.Query("token"))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}
		id, err := v.Validate(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}
		if id.DeviceID == "" {
			id.DeviceID = c.Query("device")
		}
		c.Locals(identityKey, id)
		return c.Next()
	}
}

// RequireUpgrade lets only websocket upgrade requests through.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocket serves upgraded connections. ctx bounds every connection.
func (s *Service) WebSocket(ctx context.Context, cfg ConnConfig) fiber.Handler {
	return websocket.New(func(ws *websocket.Conn) {
		id, ok := ws.Locals(identityKey).(*auth.Identity)
		if !ok {
			_ = ws.Close()
			return
		}
		s.Serve(ctx, NewConn(ws, id.UserID, id.DeviceID, cfg, s.logger))
	}, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	})
}

// RegisterREST mounts the synchronous fallback API. Every route runs through
// the same Service methods as the websocket events.
func (s *Service) RegisterREST(r fiber.Router) {
	r.Post("/messages", s.postMessage)
	r.Patch("/messages/:id/status", s.patchStatus)
	r.Get("/conversations", s.getConversations)
	r.Get("/conversations/:id/messages", s.getMessages)
	r.Post("/conversations/:id/read", s.postRead)
	r.Delete("/conversations/:id", s.deleteConversation)
	r.Get("/users/:id/status", s.getUserStatus)
}

func caller(c *fiber.Ctx) string {
	id, _ := c.Locals(identityKey).(*auth.Identity)
	if id == nil {
		return ""
	}
	return id.UserID
}

func errorJSON(c *fiber.Ctx, err error) error {
	return c.Status(httpStatus(err)).JSON(fiber.Map{"error": err.Error()})
}

func (s *Service) postMessage(c *fiber.Ctx) error {
	var m model.Message
	if err := c.BodyParser(&m); err != nil {
		return errorJSON(c, fmt.Errorf("%w: %v", protocol.ErrValidation, err))
	}
	stored, err := s.Send(c.UserContext(), caller(c), m)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(stored)
}

type statusBody struct {
	ConversationID string       `json:"conversationId"`
	Status         model.Status `json:"status"`
}

func (s *Service) patchStatus(c *fiber.Ctx) error {
	var body statusBody
	if err := c.BodyParser(&body); err != nil {
		return errorJSON(c, fmt.Errorf("%w: %v", protocol.ErrValidation, err))
	}
	m, err := s.UpdateStatus(c.UserContext(), caller(c), protocol.StatusUpdate{
		ID:             c.Params("id"),
		ConversationID: body.ConversationID,
		Status:         body.Status,
	})
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(m)
}

func (s *Service) getConversations(c *fiber.Ctx) error {
	convs, err := s.Conversations(c.UserContext(), caller(c), int64(c.QueryInt("limit", 50)))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(fiber.Map{"conversations": convs})
}

func (s *Service) getMessages(c *fiber.Ctx) error {
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return errorJSON(c, fmt.Errorf("%w: before: %v", protocol.ErrValidation, err))
		}
		before = t
	}
	msgs, err := s.Messages(c.UserContext(), caller(c), c.Params("id"), int64(c.QueryInt("limit", 50)), before)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (s *Service) postRead(c *fiber.Ctx) error {
	out, err := s.MarkRead(c.UserContext(), caller(c), c.Params("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(out)
}

func (s *Service) deleteConversation(c *fiber.Ctx) error {
	n, err := s.DeleteConversation(c.UserContext(), caller(c), c.Params("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(fiber.Map{"deletedMessages": n})
}

func (s *Service) getUserStatus(c *fiber.Ctx) error {
	p, err := s.GetStatus(c.UserContext(), nil, c.Params("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(p)
}
