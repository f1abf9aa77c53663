package realtime

import (
	"context"

	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-engine/internal/auth"
)

const (
	localOrigin    = "ws_origin"
	localAdvisorID = "ws_advisor_id"
)

// Handler returns the fiber routes for the console socket: an upgrade guard followed by
// the websocket handler. ctx bounds command handling for every connection.
func (g *Gateway) Handler(ctx context.Context) []fiber.Handler {
	guard := func(c *fiber.Ctx) error {
		if !fiberws.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals(localOrigin, c.Get(fiber.HeaderOrigin))
		if principal, ok := auth.PrincipalFromContext(c); ok {
			c.Locals(localAdvisorID, principal.AdvisorID())
		}
		return c.Next()
	}

	socket := fiberws.New(func(c *fiberws.Conn) {
		origin, _ := c.Locals(localOrigin).(string)
		if !g.OriginAllowed(origin) {
			g.Reject(c, origin)
			return
		}
		advisorID, _ := c.Locals(localAdvisorID).(string)
		conn, err := g.Attach(c, advisorID)
		if err != nil {
			return
		}
		g.Serve(ctx, conn)
	})

	return []fiber.Handler{guard, socket}
}
