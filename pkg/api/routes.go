package api

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/pibot/relay/pkg/config"
	customlog "github.com/pibot/relay/pkg/log"
	"github.com/pibot/relay/pkg/relay"
)

// RegisterControlRoutes wires the control API endpoints with the Fiber app.
func RegisterControlRoutes(app *fiber.App, cfg *config.Config, logger customlog.Logger, manager *relay.Manager) {
	apiGroup := app.Group("/api")

	// Legacy hello route; existing frontends probe it for liveness.
	apiGroup.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"message": "Hello World"})
	})

	// GET endpoint exposing the active relay configuration
	apiGroup.Get("/config", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "success",
			"config": cfg,
		})
	})

	// Control WebSocket endpoint, one relay session per client
	apiGroup.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	apiGroup.Get("/ws/robot/:ip", websocket.New(func(conn *websocket.Conn) {
		ControlWebSocketHandler(conn, logger, cfg, manager)
	}))

	logger.Infof("Registered control API endpoints under /api")
}
