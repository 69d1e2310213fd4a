package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/matheus3301/courier/internal/auth"
	"github.com/matheus3301/courier/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AppConfig shapes the relay's HTTP surface.
type AppConfig struct {
	CookieName string
	Conn       relay.ConnConfig
	// AccessLog enables Fiber's request logger.
	AccessLog bool
}

// NewApp builds the Fiber app: the websocket endpoint, the REST fallback
// under /v1, health and metrics. ctx bounds websocket connections.
func NewApp(ctx context.Context, svc *relay.Service, v *auth.Validator, gatherer prometheus.Gatherer, cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "courier-relay",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(logger.New())
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "connections": svc.Hub().Len()})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	authn := relay.Authenticate(v, cfg.CookieName)
	app.Use("/ws", relay.RequireUpgrade, authn)
	app.Get("/ws", svc.WebSocket(ctx, cfg.Conn))

	svc.RegisterREST(app.Group("/v1", authn))
	return app
}
