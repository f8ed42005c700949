package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/pibot/relay/domain/diagnostic"
	"github.com/pibot/relay/pkg/api"
	"github.com/pibot/relay/pkg/config"
	customlog "github.com/pibot/relay/pkg/log"
	"github.com/pibot/relay/pkg/relay"
)

func main() {
	// Get config directory from environment variable or use default
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v\n", err)
	}

	appLogger, err := customlog.NewLogrusLogger(cfg.Logging.Level, cfg.Logging.LogPath)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v\n", err)
	}

	// Create a new Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "PiBot Relay",
		ErrorHandler: customErrorHandler,
	})

	// Add middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Session manager and domain services
	manager := relay.NewManager(appLogger)
	diagnosticService := diagnostic.NewDiagnosticService(manager)

	// Set up basic routes
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "online",
			"service": "pibot relay",
		})
	})

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	// Control API and WebSocket endpoint
	api.RegisterControlRoutes(app, cfg, appLogger, manager)

	// Diagnostic routes
	app.Get("/api/diagnostics", diagnosticService.GetMetricsHandler)

	// Start server in a goroutine
	go func() {
		appLogger.Infof("Server starting on port %d", cfg.Server.HTTPPort)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Server.HTTPPort)); err != nil {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Set up graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Infof("Shutting down server...")

	// Tear down any live robot sessions before stopping the listener
	manager.CloseAll()

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Attempt graceful shutdown
	if err := app.ShutdownWithContext(ctx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}

	appLogger.Infof("Server exited properly")
}

// Custom error handler
func customErrorHandler(c *fiber.Ctx, err error) error {
	// Default 500 status code
	code := fiber.StatusInternalServerError

	// Check if it's a Fiber error
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	// Return JSON response
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
