// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// Logger wraps slog.Logger to provide specialized logging methods.
type Logger struct {
	*slog.Logger
}

// GlobalLogger is the default logger instance for the application.
var GlobalLogger *Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	GlobalLogger = &Logger{Logger: slog.New(handler)}
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// CorrelationID is the context key carrying a per-request correlation ID.
const CorrelationID LogContextKey = "correlation_id"

// GenerateCorrelationID creates a new unique correlation ID.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id := ctx.Value(CorrelationID); id != nil {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// EventLogger provides structured logging for realtime event dispatch.
type EventLogger struct {
	hubName string
	logger  *Logger
}

// NewEventLogger creates a new EventLogger for the given hub.
func NewEventLogger(hubName string) *EventLogger {
	return &EventLogger{hubName: hubName, logger: GlobalLogger}
}

// LogDelivery logs one fan-out step.
func (l *EventLogger) LogDelivery(ctx context.Context, eventType string, chatID uint, recipients int) {
	l.logger.InfoContext(ctx, "event delivered",
		slog.String("hub", l.hubName),
		slog.String("event", eventType),
		slog.Uint64("chat_id", uint64(chatID)),
		slog.Int("recipients", recipients),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}

// LogDeliveryFailure logs a per-recipient broadcast failure. Fan-out failures
// never roll back the persisted write; they are left for the client's
// history-fetch reconcile path.
func (l *EventLogger) LogDeliveryFailure(ctx context.Context, eventType string, chatID uint, err error) {
	l.logger.WarnContext(ctx, "event delivery failed",
		slog.String("hub", l.hubName),
		slog.String("event", eventType),
		slog.Uint64("chat_id", uint64(chatID)),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	)
}
