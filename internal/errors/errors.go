package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrInactive          = errors.New("entitlement inactive")
	ErrExpired           = errors.New("entitlement expired")
	ErrInsufficientUnits = errors.New("insufficient units")
	ErrGone              = errors.New("gone")
	ErrOverloaded        = errors.New("server busy")
	ErrRender            = errors.New("render failed")
	ErrStorage           = errors.New("storage failure")
	ErrInternalError     = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeAuth              ErrorType = "unauthorized"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeInactive          ErrorType = "inactive"
	ErrorTypeExpired           ErrorType = "expired"
	ErrorTypeInsufficientUnits ErrorType = "insufficient_units"
	ErrorTypeGone              ErrorType = "gone"
	ErrorTypeOverloaded        ErrorType = "overloaded"
	ErrorTypeRender            ErrorType = "render"
	ErrorTypeStorage           ErrorType = "storage"
	ErrorTypeInternal          ErrorType = "internal"
)

// ServiceError is a structured error carrying the failing operation and the
// subject (entitlement code or artifact id) it concerned.
type ServiceError struct {
	Type    ErrorType
	Op      string // Operation that failed (e.g., "consume", "fetch")
	Subject string // Code or artifact id if applicable
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	msg := string(e.Type)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Subject != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Subject, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ServiceError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrInactive:
		// An expired subscription is one way of being inactive.
		return e.Type == ErrorTypeInactive || e.Type == ErrorTypeExpired
	case ErrExpired:
		return e.Type == ErrorTypeExpired
	case ErrInsufficientUnits:
		return e.Type == ErrorTypeInsufficientUnits
	case ErrGone:
		return e.Type == ErrorTypeGone
	case ErrOverloaded:
		return e.Type == ErrorTypeOverloaded
	case ErrRender:
		return e.Type == ErrorTypeRender
	case ErrStorage:
		return e.Type == ErrorTypeStorage
	}

	return errors.Is(e.Err, target)
}

// New creates a ServiceError.
func New(errorType ErrorType, op, subject string, err error) *ServiceError {
	return &ServiceError{Type: errorType, Op: op, Subject: subject, Err: err}
}

// Validation returns a validation error with a formatted message.
func Validation(op, format string, args ...any) error {
	return New(ErrorTypeValidation, op, "", fmt.Errorf(format, args...))
}

// NotFound returns a not-found error for subject.
func NotFound(op, subject string) error {
	return New(ErrorTypeNotFound, op, subject, nil)
}

// WrapStorageError wraps a persistence failure with context
func WrapStorageError(op, subject string, err error) error {
	return New(ErrorTypeStorage, op, subject, err)
}

// WrapRenderError wraps a renderer failure with context
func WrapRenderError(op string, err error) error {
	return New(ErrorTypeRender, op, "", err)
}

// TypeOf returns the error category, or ErrorTypeInternal for errors that
// carry none.
func TypeOf(err error) ErrorType {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Type
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return ErrorTypeValidation
	case errors.Is(err, ErrNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, ErrGone):
		return ErrorTypeGone
	case errors.Is(err, ErrExpired):
		return ErrorTypeExpired
	case errors.Is(err, ErrInactive):
		return ErrorTypeInactive
	case errors.Is(err, ErrInsufficientUnits):
		return ErrorTypeInsufficientUnits
	case errors.Is(err, ErrOverloaded):
		return ErrorTypeOverloaded
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeOverloaded
	}
	return ErrorTypeInternal
}

// HTTPStatus maps an error to the status code returned at the API boundary.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeInactive, ErrorTypeExpired:
		return http.StatusPaymentRequired
	case ErrorTypeInsufficientUnits:
		return http.StatusConflict
	case ErrorTypeGone:
		return http.StatusGone
	case ErrorTypeOverloaded:
		return http.StatusTooManyRequests
	case ErrorTypeRender:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryableError reports whether the caller may retry the same request later.
func IsRetryableError(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeOverloaded, ErrorTypeRender, ErrorTypeStorage:
		return true
	default:
		return false
	}
}

// PublicMessage returns the message safe to show API clients. Internal and
// storage failures are reduced to their category.
func PublicMessage(err error) string {
	switch t := TypeOf(err); t {
	case ErrorTypeInternal, ErrorTypeStorage:
		return ErrInternalError.Error()
	case ErrorTypeRender:
		return ErrRender.Error()
	default:
		var svcErr *ServiceError
		if errors.As(err, &svcErr) && svcErr.Err != nil {
			return svcErr.Err.Error()
		}
		if errors.As(err, &svcErr) {
			return string(svcErr.Type)
		}
		return err.Error()
	}
}
