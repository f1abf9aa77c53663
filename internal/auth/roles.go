package auth

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-engine/internal/domain"
)

// RequireAdvisor ensures an advisor is authenticated.
func RequireAdvisor() fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.SubjectType != domain.SubjectTypeAdvisor || principal.Advisor == nil {
			return fiber.NewError(http.StatusForbidden, "advisor required")
		}
		return c.Next()
	}
}

// RequireSubject ensures the caller is one of the allowed subject types.
func RequireSubject(allowed ...domain.SubjectType) fiber.Handler {
	allowedSet := make(map[domain.SubjectType]struct{}, len(allowed))
	for _, subject := range allowed {
		allowedSet[subject] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		}
		if _, exists := allowedSet[principal.SubjectType]; !exists {
			return fiber.NewError(http.StatusForbidden, "subject not allowed")
		}
		return c.Next()
	}
}
