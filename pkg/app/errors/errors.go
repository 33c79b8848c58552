// Package errors maps custody failures onto client-facing service errors.
package errors

import (
	"errors"
	"net/http"
)

// Category groups service errors by how the client should react to them.
type Category int

const (
	// CategoryNoError is the zero category, used when a request succeeded.
	CategoryNoError Category = iota
	// CategoryDataError covers malformed or semantically invalid input.
	CategoryDataError
	// CategoryUnauthorized means no valid credentials were presented.
	CategoryUnauthorized
	// CategoryForbidden means the caller is known but the operation is not
	// allowed, e.g. a limit or KYC gate.
	CategoryForbidden
	// CategoryResourceNotFound means the addressed resource does not exist.
	CategoryResourceNotFound
	// CategoryDataConflict means the request conflicts with current state,
	// such as spending more than the available balance.
	CategoryDataConflict
	// CategoryDependencyFailure means a chain node rejected our submission.
	CategoryDependencyFailure
	// CategoryGeneralError is an unexpected internal failure.
	CategoryGeneralError
	// CategoryRecovering means a dependency is down and retrying later may succeed.
	CategoryRecovering
	// CategoryConnectionTimeout means a dependency did not answer in time.
	CategoryConnectionTimeout
)

func (c Category) String() string {
	switch c {
	case CategoryNoError:
		return "CategoryNoError"
	case CategoryDataError:
		return "CategoryDataError"
	case CategoryUnauthorized:
		return "CategoryUnauthorized"
	case CategoryForbidden:
		return "CategoryForbidden"
	case CategoryResourceNotFound:
		return "CategoryResourceNotFound"
	case CategoryDataConflict:
		return "CategoryDataConflict"
	case CategoryDependencyFailure:
		return "CategoryDependencyFailure"
	case CategoryRecovering:
		return "CategoryRecovering"
	case CategoryConnectionTimeout:
		return "CategoryConnectionTimeout"
	default:
		return "CategoryGeneralError"
	}
}

// ServiceError is an error with a client-safe message. Err is only logged.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
	// Kind is the machine-readable error kind returned to the client.
	Kind string
	// Detail carries numeric context such as a shortfall or remaining allowance.
	Detail map[string]string
}

func (err ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

func (err ServiceError) Unwrap() error {
	return err.Err
}

// Is matches any error carrying the same message.
func (err ServiceError) Is(target error) bool {
	return err.Message == target.Error()
}

// Is reports whether err is a ServiceError of category cat.
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Category == cat
}

// Retryable reports whether the client may retry the same request unchanged.
func Retryable(err error) bool {
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		return false
	}
	return svcErr.Category == CategoryRecovering || svcErr.Category == CategoryConnectionTimeout
}

func newError(cat Category, err error, message, fallback string) error {
	if err == nil {
		err = errors.New(fallback)
	}
	return &ServiceError{Category: cat, Message: message, Err: err}
}

// GeneralError hides err from the client behind "Internal Server Error".
func GeneralError(err error) error {
	return newError(CategoryGeneralError, err, "Internal Server Error", "internal server error")
}

// ResourceNotFoundError returns a 404 with message.
func ResourceNotFoundError(err error, message string) error {
	return newError(CategoryResourceNotFound, err, message, "resource not found: "+message)
}

// BadRequestError returns a 400 with message.
func BadRequestError(err error, message string) error {
	return newError(CategoryDataError, err, message, "bad request: "+message)
}

// ForbiddenError returns a 403 with message.
func ForbiddenError(err error, message string) error {
	return newError(CategoryForbidden, err, message, "request forbidden")
}

// UnAuthorizedError returns a 401 with message.
func UnAuthorizedError(err error, message string) error {
	return newError(CategoryUnauthorized, err, message, "unauthorized")
}

// ConflictError returns a 409 with message.
func ConflictError(err error, message string) error {
	return newError(CategoryDataConflict, err, message, "conflict")
}

// DependencyFailureError returns a 502 with message.
func DependencyFailureError(err error, message string) error {
	return newError(CategoryDependencyFailure, err, message, "dependency failure")
}

// UnavailableError returns a 503 with message.
func UnavailableError(err error, message string) error {
	return newError(CategoryRecovering, err, message, "service unavailable")
}

// TimeoutError returns a 504 with message.
func TimeoutError(err error, message string) error {
	return newError(CategoryConnectionTimeout, err, message, "timeout")
}

// StatusCode returns the HTTP status code for the error category
func (err ServiceError) StatusCode() int {
	switch err.Category {
	case CategoryDataError:
		return http.StatusBadRequest
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryResourceNotFound:
		return http.StatusNotFound
	case CategoryDataConflict:
		return http.StatusConflict
	case CategoryDependencyFailure:
		return http.StatusBadGateway
	case CategoryRecovering:
		return http.StatusServiceUnavailable
	case CategoryConnectionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
