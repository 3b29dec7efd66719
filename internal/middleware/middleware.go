// Package middleware wires the ambient Fiber middleware the HTTP API runs
// behind: CORS, request logging, panic recovery, and request-id tagging via
// Fiber's own middleware subpackages (the teacher's cmd/ai-server/main.go
// assembles its app with a "Setup basic Fiber middleware" step but stops at
// a comment; this fills that in with the concrete gofiber middlewares), plus
// a Tracing handler adapted from the teacher's net/http Tracing middleware
// for OpenTelemetry spans.
package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// CORS allows any origin, the header set the API's SSE streams and
// Idempotency-Key header both need.
func CORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type, Authorization, Idempotency-Key, X-Request-ID",
	})
}

// Logging logs each request's method, path, status, and latency.
func Logging() fiber.Handler {
	return logger.New(logger.Config{
		Format: "${time} ${method} ${path} ${status} ${latency}\n",
	})
}

// Recovery recovers from panics in handlers, converting them to a 500.
func Recovery() fiber.Handler {
	return recover.New()
}

// RequestID tags every request with an id, read back from X-Request-ID if
// the caller already set one.
func RequestID() fiber.Handler {
	return requestid.New()
}

// Tracing starts an otel span per request, recording method/path/status and
// propagating the trace id back on the response header.
func Tracing() fiber.Handler {
	tracer := otel.Tracer("itinerary-engine")

	return func(c *fiber.Ctx) error {
		ctx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Path())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Method()),
			attribute.String("http.path", c.Path()),
			attribute.String("http.user_agent", c.Get(fiber.HeaderUserAgent)),
		)
		if span.SpanContext().HasTraceID() {
			c.Set("X-Trace-ID", span.SpanContext().TraceID().String())
		}

		c.SetUserContext(ctx)
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if status >= 400 {
			span.SetAttributes(attribute.Bool("error", true))
		}
		return err
	}
}
