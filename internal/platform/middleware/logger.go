package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured access-log line per request (§ ambient
// stack: zerolog, request-scoped). It pulls the FHIR resource type and id
// path params when the route has them, so a search or CRUD call is
// correlated to its resource without grepping the URL.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			if resourceType := firstPathSegment(req.URL.Path); resourceType != "" {
				evt.Str("fhir_resource_type", resourceType)
			}
			if id := c.Param("id"); id != "" {
				evt.Str("fhir_resource_id", id)
			}

			evt.Msg("request")
			return err
		}
	}
}

// firstPathSegment returns the FHIR resource type a request targets, the
// first path segment after the /fhir mount — routes are mounted as
// /fhir/{resourceType}/... (cmd/fhirserver and
// internal/fhirapi.Handler.RegisterRoutes), not as a named route param.
func firstPathSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	trimmed = strings.TrimPrefix(trimmed, "fhir/")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}
