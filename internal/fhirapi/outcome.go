// Package fhirapi implements the FHIR REST HTTP surface (§6): one generic,
// resource-type-parameterized handler set covering CRUD, search, history,
// batch/transaction bundles, and the CapabilityStatement, instead of the
// teacher's one hand-written handler package per resource type (e.g.
// internal/domain/careplan/handler.go). Grounded on that handler's
// echo.Context + uuid.Parse + echo.NewHTTPError idiom, generalized to any
// resource type the server is configured to serve.
//
// Auth/tenant/ABAC middleware is intentionally not part of this package —
// see DESIGN.md. RegisterRoutes takes the *echo.Group an operator has
// already wrapped with whatever auth they need.
package fhirapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/resourcestore"
	"github.com/ehr/fhirserver/internal/searchplanner"
)

// IssueCode is the OperationOutcome issue.code taxonomy (§6, §7).
type IssueCode string

const (
	IssueInvalid      IssueCode = "invalid"
	IssueNotFound     IssueCode = "not-found"
	IssueDeleted      IssueCode = "deleted"
	IssueNotSupported IssueCode = "not-supported"
	IssueConflict     IssueCode = "conflict"
	IssueProcessing   IssueCode = "processing"
	IssueTooCostly    IssueCode = "too-costly"
	IssueException    IssueCode = "exception"
	IssueTimeout      IssueCode = "timeout"
)

// APIError is a FHIR-shaped error: an HTTP status, an OperationOutcome
// issue code, and a message safe to hand back to the caller. ETag is set
// on the 410 Gone that a read of a deleted resource returns, carrying the
// tombstone's version; classify itself never sets it.
type APIError struct {
	Status  int
	Code    IssueCode
	Message string
	ETag    string
}

func (e *APIError) Error() string { return fmt.Sprintf("fhirapi: %s: %s", e.Code, e.Message) }

func NewAPIError(status int, code IssueCode, format string, a ...interface{}) *APIError {
	return &APIError{Status: status, Code: code, Message: fmt.Sprintf(format, a...)}
}

func errInvalid(format string, a ...interface{}) *APIError {
	return NewAPIError(http.StatusBadRequest, IssueInvalid, format, a...)
}

func errNotFound(format string, a ...interface{}) *APIError {
	return NewAPIError(http.StatusNotFound, IssueNotFound, format, a...)
}

func errConflict(status int, format string, a ...interface{}) *APIError {
	return NewAPIError(status, IssueConflict, format, a...)
}

func errNotSupported(format string, a ...interface{}) *APIError {
	return NewAPIError(http.StatusNotImplemented, IssueNotSupported, format, a...)
}

func errTooCostly(format string, a ...interface{}) *APIError {
	return NewAPIError(http.StatusUnprocessableEntity, IssueTooCostly, format, a...)
}

func errUnsupportedMediaType(format string, a ...interface{}) *APIError {
	return NewAPIError(http.StatusUnsupportedMediaType, IssueNotSupported, format, a...)
}

// classify maps a lower-layer error into the APIError the HTTP layer
// renders (§7 "Propagation"). Unrecognized errors become a masked 500 —
// the caller logs the original error before discarding its detail.
func classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, resourcestore.ErrNotFound):
		return errNotFound("resource not found")
	case errors.Is(err, resourcestore.ErrDeleted):
		return NewAPIError(http.StatusGone, IssueDeleted, "resource deleted")
	case errors.Is(err, resourcestore.ErrVersionConflict):
		return NewAPIError(http.StatusPreconditionFailed, IssueConflict, "version conflict")
	}

	var ve *searchplanner.ValidationError
	if errors.As(err, &ve) {
		return errInvalid(ve.Message)
	}
	var tc *searchplanner.TooCostlyError
	if errors.As(err, &tc) {
		return errTooCostly(tc.Message)
	}

	return NewAPIError(http.StatusInternalServerError, IssueException, "internal error")
}

// OperationOutcome builds the FHIR error body for a classified error.
func OperationOutcome(severity string, code IssueCode, diagnostics string) fhirvalue.Value {
	outcome := fhirvalue.NewObject()
	outcome.Set("resourceType", fhirvalue.NewString("OperationOutcome"))
	issue := fhirvalue.NewObject()
	issue.Set("severity", fhirvalue.NewString(severity))
	issue.Set("code", fhirvalue.NewString(string(code)))
	issue.Set("diagnostics", fhirvalue.NewString(diagnostics))
	outcome.Set("issue", fhirvalue.NewCollection(issue))
	return outcome
}

func etag(version int) string { return fmt.Sprintf(`W/"%d"`, version) }
