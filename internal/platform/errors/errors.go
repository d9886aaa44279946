// Package errors provides the coded error type shared by repositories,
// services and transport handlers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code classifies an error for transport mapping.
type Code string

const (
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeForbidden    Code = "FORBIDDEN"
	ErrCodeUnavailable  Code = "UNAVAILABLE"
	ErrCodeInternal     Code = "INTERNAL"
)

// Error is an error with a classification code and optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("invalid %s: %s", field, message)}
}

// Conflict reports a state conflict.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// Coder is implemented by errors that carry their own classification.
type Coder interface {
	Code() Code
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	var c Coder
	if stderrors.As(err, &c) {
		return c.Code()
	}
	return ErrCodeInternal
}

// IsNotFound reports whether err is classified as not found.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case "":
		return codes.OK
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodeConflict:
		return codes.FailedPrecondition
	case ErrCodeUnauthorized:
		return codes.Unauthenticated
	case ErrCodeForbidden:
		return codes.PermissionDenied
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
