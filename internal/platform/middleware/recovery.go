package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/fhirapi"
	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// Recovery isolates a panicking handler from the rest of the server, the
// same as the teacher's global recover middleware, but renders the 500 as
// an OperationOutcome rather than echo's plain-text default so a FHIR
// client's error handling doesn't need a special case for "the server
// panicked" versus any other classified failure.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)

					logger.Error().
						Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")

					err = writePanicOutcome(c)
				}
			}()
			return next(c)
		}
	}
}

func writePanicOutcome(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	outcome := fhirapi.OperationOutcome("error", fhirapi.IssueException, "internal server error")
	body, err := fhirvalue.ToJSON(outcome)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.JSONBlob(http.StatusInternalServerError, body)
}
