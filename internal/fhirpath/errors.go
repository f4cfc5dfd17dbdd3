package fhirpath

import "fmt"

// EvaluationError reports a runtime failure while executing a compiled
// Plan (§4.2 "evaluation failures as EvaluationError").
type EvaluationError struct {
	Message string
}

func (e *EvaluationError) Error() string { return "fhirpath evaluation error: " + e.Message }

func evalErrorf(format string, args ...interface{}) error {
	return &EvaluationError{Message: fmt.Sprintf(format, args...)}
}
