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

// SetGlobalLogger replaces the default logger. The CLI uses it to move log
// output off the terminal the user is typing into.
func SetGlobalLogger(l *slog.Logger) {
	GlobalLogger = &Logger{Logger: l}
}

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys for logging
const (
	CorrelationID LogContextKey = "correlation_id"
)

// LoggingConfig defines which types of automated logging are enabled.
type LoggingConfig struct {
	EnableRepoLogging     bool
	EnableRealtimeLogging bool
}

var (
	// Config holds the current logging configuration.
	Config = LoggingConfig{
		EnableRepoLogging:     true,
		EnableRealtimeLogging: true,
	}
)

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
	if id, ok := ctx.Value(CorrelationID).(string); ok {
		return id
	}
	return ""
}

func withFields(attrs []any, fields map[string]any) []any {
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// RepoLogger logs typed repository and dev-gateway table operations.
type RepoLogger struct {
	tableName string
}

// NewRepoLogger creates a RepoLogger for tableName.
func NewRepoLogger(tableName string) *RepoLogger {
	return &RepoLogger{tableName: tableName}
}

func (l *RepoLogger) log(ctx context.Context, level slog.Level, msg, operation string, fields map[string]any) {
	if !Config.EnableRepoLogging {
		return
	}
	GlobalLogger.Log(ctx, level, msg, withFields([]any{
		slog.String("table", l.tableName),
		slog.String("operation", operation),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	}, fields)...)
}

// LogRead logs a repository read at debug level.
func (l *RepoLogger) LogRead(ctx context.Context, fields map[string]any) {
	l.log(ctx, slog.LevelDebug, "repository read", "read", fields)
}

// LogWrite logs an insert, update or delete.
func (l *RepoLogger) LogWrite(ctx context.Context, operation string, fields map[string]any) {
	l.log(ctx, slog.LevelInfo, "repository write", operation, fields)
}

// LogMalformed counts and logs a row that failed boundary validation.
func (l *RepoLogger) LogMalformed(ctx context.Context, err error, row map[string]any) {
	MalformedRows.WithLabelValues(l.tableName).Inc()
	l.log(ctx, slog.LevelWarn, "malformed row skipped", "decode", map[string]any{
		"error": err.Error(),
		"id":    row["id"],
	})
}

// LogError logs a failed repository operation.
func (l *RepoLogger) LogError(ctx context.Context, err error, operation string) {
	l.log(ctx, slog.LevelError, "repository error", operation, map[string]any{"error": err.Error()})
}

// RealtimeLogger logs realtime subscriptions, on both the serving hub and
// the subscribing client.
type RealtimeLogger struct {
	hubName string
}

// NewRealtimeLogger creates a RealtimeLogger for hubName.
func NewRealtimeLogger(hubName string) *RealtimeLogger {
	return &RealtimeLogger{hubName: hubName}
}

func (l *RealtimeLogger) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if !Config.EnableRealtimeLogging {
		return
	}
	attrs = append([]any{slog.String("hub", l.hubName)}, attrs...)
	if id := ExtractCorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	GlobalLogger.Log(ctx, level, msg, attrs...)
}

// LogSubscribe logs a new channel subscription.
func (l *RealtimeLogger) LogSubscribe(ctx context.Context, userID, channel string) {
	l.log(ctx, slog.LevelInfo, "realtime subscribed", slog.String("user_id", userID), slog.String("channel", channel))
}

// LogUnsubscribe logs the end of a channel subscription.
func (l *RealtimeLogger) LogUnsubscribe(ctx context.Context, userID, channel, reason string) {
	l.log(ctx, slog.LevelInfo, "realtime unsubscribed",
		slog.String("user_id", userID), slog.String("channel", channel), slog.String("reason", reason))
}

// LogError logs a failed read, decode or send on channel.
func (l *RealtimeLogger) LogError(ctx context.Context, channel string, err error, eventType string) {
	l.log(ctx, slog.LevelError, "realtime error",
		slog.String("channel", channel), slog.String("event_type", eventType), slog.String("error", err.Error()))
}

// LogLifecycle logs a hub start or shutdown.
func (l *RealtimeLogger) LogLifecycle(ctx context.Context, event string, fields map[string]any) {
	l.log(ctx, slog.LevelInfo, "realtime lifecycle", withFields([]any{slog.String("event", event)}, fields)...)
}

// LogAsyncOperationError logs a failure that has no caller to return to,
// such as a background mark-read or a realtime-triggered lookup.
func LogAsyncOperationError(ctx context.Context, operation string, err error, fields map[string]any) {
	GlobalLogger.ErrorContext(ctx, "async operation failed", withFields([]any{
		slog.String("operation", operation),
		slog.String("error", err.Error()),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	}, fields)...)
}
