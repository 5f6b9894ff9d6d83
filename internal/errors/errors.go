// Package errors defines the typed error taxonomy used at the API and
// review surface, where an error must carry an HTTP status and a stable
// type for clients.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError along the §7 error taxonomy.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeDatabase    ErrorType = "database"
	ErrorTypeUpstream    ErrorType = "upstream"
	ErrorTypeBudget      ErrorType = "budget"
	ErrorTypeInterrupted ErrorType = "interrupted"
	ErrorTypeInternal    ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:  http.StatusBadRequest,
	ErrorTypeNotFound:    http.StatusNotFound,
	ErrorTypeConflict:    http.StatusConflict,
	ErrorTypeDatabase:    http.StatusInternalServerError,
	ErrorTypeUpstream:    http.StatusBadGateway,
	ErrorTypeBudget:      http.StatusTooManyRequests,
	ErrorTypeInterrupted: http.StatusServiceUnavailable,
	ErrorTypeInternal:    http.StatusInternalServerError,
}

// AppError is a typed error surfaced over HTTP.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

// New creates an AppError with no cause.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusByType[t]}
}

// Wrap creates an AppError carrying an underlying cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusByType[t], Cause: cause}
}

// WithDetails attaches additional detail to the error string.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) Error() string {
	s := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		s += fmt.Sprintf(" (%s)", e.Details)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(": %s", e.Cause.Error())
	}
	return s
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// As reports whether err can be treated as an *AppError with type t.
func As(err error, t ErrorType) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type == t
	}
	return false
}
