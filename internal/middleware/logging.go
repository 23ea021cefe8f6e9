package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/manjit4241/chatty/internal/observability"

	"github.com/gofiber/fiber/v2"
)

type contextKey string

// UserIDKey carries the authenticated user ID through request contexts so
// service and repository layers can log it without threading it explicitly.
const UserIDKey contextKey = "user_id"

// RequestContext seeds every request context with a correlation ID and, when
// auth has already run, the caller's user ID. Runs before the logger so both
// show up on the request line and in anything logged downstream.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := observability.WithCorrelationID(c.UserContext(), observability.GenerateCorrelationID())

		if uid, ok := c.Locals("userID").(uint); ok {
			ctx = context.WithValue(ctx, UserIDKey, uid)
		}

		c.SetUserContext(ctx)
		return c.Next()
	}
}

// RequestLogger emits one structured line per HTTP request.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		ctx := c.UserContext()
		attrs := []any{
			slog.Int("status", c.Response().StatusCode()),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
			slog.String("correlation_id", observability.ExtractCorrelationID(ctx)),
		}
		if uid, ok := ctx.Value(UserIDKey).(uint); ok {
			attrs = append(attrs, slog.Uint64("user_id", uint64(uid)))
		}

		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
			observability.GlobalLogger.ErrorContext(ctx, "request failed", attrs...)
		} else {
			observability.GlobalLogger.InfoContext(ctx, "request completed", attrs...)
		}

		return err
	}
}
