// Package middleware provides authentication, rate limiting, logging, and
// tracing middleware for the application.
package middleware

import (
	"context"
	"strings"

	"github.com/manjit4241/chatty/internal/auth"
	"github.com/manjit4241/chatty/internal/models"
	"github.com/manjit4241/chatty/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// AuthRequired returns middleware that enforces a valid credential on
// protected routes. Tokens arrive as "Bearer <token>"; WebSocket upgrade
// requests may carry the token in the `token` query parameter instead, since
// browsers cannot set headers on WebSocket handshakes.
func AuthRequired(verifier auth.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization required"))
		}

		userID, err := verifier.Verify(token)
		if err != nil {
			observability.AuthFailures.WithLabelValues("http").Inc()
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}

		c.Locals("userID", userID)
		ctx := context.WithValue(c.UserContext(), UserIDKey, userID)
		c.SetUserContext(ctx)

		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
