package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-engine/internal/observability"
)

// MetricsHandler exposes in-memory counters.
type MetricsHandler struct {
	metrics     *observability.Metrics
	connections func() int
}

// NewMetricsHandler returns a handler. connections may be nil.
func NewMetricsHandler(metrics *observability.Metrics, connections func() int) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, connections: connections}
}

// Get GET /metrics.
func (h *MetricsHandler) Get(c *fiber.Ctx) error {
	body := fiber.Map(h.metrics.Snapshot())
	if h.connections != nil {
		body["gateway_connections"] = h.connections()
	}
	return c.JSON(body)
}
