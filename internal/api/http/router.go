package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-engine/internal/api/http/handlers"
	"github.com/spec-kit/conversation-engine/internal/auth"
	"github.com/spec-kit/conversation-engine/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Conversations  *handlers.ConversationsHandler
	Metrics        *handlers.MetricsHandler
	AuthMiddleware *auth.AuthMiddleware
	// Gateway holds the console socket handlers; nil disables /ws.
	Gateway []fiber.Handler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", cfg.Metrics.Get)
	}

	if len(cfg.Gateway) > 0 {
		app.Get("/ws", append([]fiber.Handler{cfg.AuthMiddleware.Optional}, cfg.Gateway...)...)
	}

	authenticated := app.Group("", cfg.AuthMiddleware.Handle)
	connectors := authenticated.Group("", auth.RequireSubject(domain.SubjectTypeAdvisor, domain.SubjectTypeSystem))
	connectors.Post("/conversations", cfg.Conversations.Create)
	connectors.Post("/conversations/inbound", cfg.Conversations.Inbound)
	connectors.Post("/conversations/:id/messages/:messageId/status", cfg.Conversations.UpdateMessageStatus)
	connectors.Post("/conversations/:id/bot", cfg.Conversations.AssignBot)

	consoles := authenticated.Group("", auth.RequireAdvisor())
	consoles.Get("/queues/:queueId/conversations", cfg.Conversations.ListQueued)
	consoles.Get("/conversations/:id", cfg.Conversations.Get)
	consoles.Get("/conversations/:id/notes", cfg.Conversations.Notes)
	consoles.Post("/conversations/:id/accept", cfg.Conversations.Accept)
	consoles.Post("/conversations/:id/release", cfg.Conversations.Release)
	consoles.Post("/conversations/:id/transfer", cfg.Conversations.Transfer)
	consoles.Post("/conversations/:id/archive", cfg.Conversations.Archive)
	consoles.Post("/conversations/:id/close", cfg.Conversations.Close)
	consoles.Post("/conversations/:id/reopen", cfg.Conversations.Reopen)
	consoles.Post("/conversations/:id/read", cfg.Conversations.Read)
	consoles.Post("/conversations/:id/messages", cfg.Conversations.SendMessage)
}
