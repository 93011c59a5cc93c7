package middleware

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Logger is the gateway server's request-scoped logger. Records logged with
// a request context carry its request, user and trace ids.
var Logger *slog.Logger

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	UserIDKey    contextKey = "user_id"
	TraceIDKey   contextKey = "trace_id"
)

var contextAttrs = []contextKey{RequestIDKey, UserIDKey, TraceIDKey}

type ctxHandler struct {
	slog.Handler
}

func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range contextAttrs {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{h.Handler.WithGroup(name)}
}

func init() {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var base slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if os.Getenv("APP_ENV") == "production" {
		base = slog.NewJSONHandler(os.Stdout, opts)
	}
	Logger = slog.New(&ctxHandler{base})
}

func withContextValue(c *fiber.Ctx, key contextKey, value string) {
	if value == "" {
		return
	}
	c.SetUserContext(context.WithValue(c.UserContext(), key, value))
}

// ContextMiddleware moves the request id and trace id from Fiber locals into
// the request context. The auth middleware adds the user id the same way.
func ContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rid, _ := c.Locals("requestid").(string)
		withContextValue(c, RequestIDKey, rid)
		tid, _ := c.Locals(localTraceID).(string)
		withContextValue(c, TraceIDKey, tid)
		return c.Next()
	}
}

// StructuredLogger logs one line per request. Row API calls also record the
// table or function they addressed.
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		attrs := []any{
			slog.Int("status", status),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
		}
		if table := c.Params("table"); table != "" {
			attrs = append(attrs, slog.String("table", table))
		}
		if fn := c.Params("fn"); fn != "" {
			attrs = append(attrs, slog.String("rpc", fn))
		}

		ctx := c.UserContext()
		switch {
		case err != nil:
			Logger.ErrorContext(ctx, "request failed", append(attrs, slog.String("error", err.Error()))...)
		case status >= fiber.StatusInternalServerError:
			Logger.ErrorContext(ctx, "request failed", attrs...)
		case status >= fiber.StatusBadRequest:
			Logger.WarnContext(ctx, "request rejected", attrs...)
		default:
			Logger.InfoContext(ctx, "request processed", attrs...)
		}
		return err
	}
}
