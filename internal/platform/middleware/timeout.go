package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/fhirapi"
	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// RequestTimeout bounds how long a FHIR REST request is allowed to run
// before the server gives up and returns an OperationOutcome-shaped 504
// (§6 "External interfaces" — every error path renders as an
// OperationOutcome, not just the handler-detected ones this package's
// fhirapi sibling classifies).
//
// `/ws/`-prefixed paths are excluded: nothing currently under this server
// serves websockets, but worker/job status streaming is a plausible future
// long-lived connection and shouldn't inherit the REST request budget.
// A handler that legitimately needs more time (a large `$export` someday)
// derives its own longer-deadline context rather than this middleware
// growing a per-route exception table.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().URL.Path, "/ws/") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return writeTimeoutOutcome(c, timeout)
				}
				return ctx.Err()
			}
		}
	}
}

// writeTimeoutOutcome renders the same OperationOutcome shape
// internal/fhirapi uses for every other classified error, so a client
// sees one consistent error body whether the request failed inside a
// handler or was cut off by this middleware.
func writeTimeoutOutcome(c echo.Context, timeout time.Duration) error {
	if c.Response().Committed {
		return nil
	}
	outcome := fhirapi.OperationOutcome("error", fhirapi.IssueTimeout,
		"request processing exceeded the "+timeout.String()+" request deadline")
	body, err := fhirvalue.ToJSON(outcome)
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"resourceType": "OperationOutcome"})
	}
	return c.JSONBlob(http.StatusGatewayTimeout, body)
}
