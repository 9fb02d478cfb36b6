package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/stagerun-api/internal/config"
	"github.com/noah-isme/stagerun-api/internal/handler"
	"github.com/noah-isme/stagerun-api/internal/middleware"
	"github.com/noah-isme/stagerun-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	WebhookHandler       *handler.WebhookHandler
	StageHandler         *handler.StageHandler
	AdminPipelineHandler *handler.AdminPipelineHandler
	JWTMiddleware        fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Git server and pipeline callbacks authenticate through their payloads.
	if deps.WebhookHandler != nil {
		deps.WebhookHandler.Register(app.Group("/v1/webhooks"))
	}

	if deps.StageHandler != nil {
		user := api.Group("/user", jwtMiddleware)
		deps.StageHandler.Register(user.Group("/courses"))
	}

	if deps.AdminPipelineHandler != nil {
		admin := api.Group("/admin", jwtMiddleware, middleware.RequireRole("admin"), middleware.RateLimit("admin-pipelines", 30, time.Minute))
		deps.AdminPipelineHandler.Register(admin)
	}
}
