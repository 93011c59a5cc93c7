package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies gateway failures by how callers should react.
type Kind int

// Error kinds.
const (
	// Transient failures (network, timeout, server error) are retryable.
	Transient Kind = iota
	// Conflict means the write collided with existing state, e.g. a duplicate key.
	Conflict
	// Forbidden means row-level security or auth rejected the call.
	Forbidden
	// NotFound means the target row does not exist or is not visible.
	NotFound
	// Invalid means the request itself was malformed.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Conflict:
		return "conflict"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies err under kind, keeping it as the cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = NewError(NotFound, "PGRST116", "no rows returned")

// KindOf returns the kind of err. Errors that were never classified,
// including transport and context failures, are Transient.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return Transient
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsCanceled reports whether err came from the caller's context ending.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// KindForStatus maps an HTTP status returned by the gateway to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusConflict:
		return Conflict
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Forbidden
	case status == http.StatusNotFound, status == http.StatusNotAcceptable:
		return NotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity,
		status == http.StatusRequestEntityTooLarge:
		return Invalid
	default:
		return Transient
	}
}

// StatusForKind is the inverse of KindForStatus, used when serving errors.
func StatusForKind(kind Kind) int {
	switch kind {
	case Conflict:
		return http.StatusConflict
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Invalid:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}
