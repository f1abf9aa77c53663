package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-engine/internal/domain"
	apperrors "github.com/spec-kit/conversation-engine/pkg/util/errorutil"
)

const principalKey = "auth_principal"

// Principal represents the authenticated caller.
type Principal struct {
	SubjectType domain.SubjectType
	Advisor     *domain.Advisor
	SubjectID   string
}

// AdvisorID returns the advisor id or "" for non-advisor callers.
func (p *Principal) AdvisorID() string {
	if p == nil || p.Advisor == nil {
		return ""
	}
	return p.Advisor.ID
}

// AuthMiddleware validates bearer tokens and loads principals.
type AuthMiddleware struct {
	tokens *TokenManager
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return apperrors.NewUnauthorized("invalid authorization header")
	}

	principal, err := m.Resolve(parts[1])
	if err != nil {
		return err
	}
	c.Locals(principalKey, principal)
	return c.Next()
}

// Optional attaches a principal when a valid token is presented in the Authorization
// header or the token query parameter, and lets the request through otherwise.
func (m *AuthMiddleware) Optional(c *fiber.Ctx) error {
	raw := c.Query("token")
	if header := c.Get("Authorization"); raw == "" && header != "" {
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			raw = parts[1]
		}
	}
	if raw != "" {
		if principal, err := m.Resolve(raw); err == nil {
			c.Locals(principalKey, principal)
		}
	}
	return c.Next()
}

// Resolve turns a raw token into a principal.
func (m *AuthMiddleware) Resolve(raw string) (*Principal, error) {
	claims, err := m.tokens.ParseToken(raw)
	if err != nil {
		return nil, apperrors.NewUnauthorized("invalid token")
	}
	if strings.TrimSpace(claims.SubjectID) == "" {
		return nil, apperrors.NewUnauthorized("token has no subject")
	}

	principal := &Principal{SubjectType: claims.Subject, SubjectID: claims.SubjectID}
	switch claims.Subject {
	case domain.SubjectTypeAdvisor:
		principal.Advisor = &domain.Advisor{ID: claims.SubjectID, Name: claims.Name}
	case domain.SubjectTypeSystem:
	default:
		return nil, apperrors.NewUnauthorized("unknown subject")
	}
	return principal, nil
}

// PrincipalFromContext retrieves the authenticated entity.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}
