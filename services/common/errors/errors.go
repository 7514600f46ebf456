package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies an application error. The HTTP status is derived from it.
type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindForbidden        Kind = "forbidden"
	KindInvalidRequest   Kind = "invalid_request"
	KindMethodNotAllowed Kind = "method_not_allowed"
	KindNotFound         Kind = "not_found"
	KindInvalidState     Kind = "invalid_state"
	KindInternal         Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindUnauthenticated:  http.StatusUnauthorized,
	KindForbidden:        http.StatusForbidden,
	KindInvalidRequest:   http.StatusBadRequest,
	KindMethodNotAllowed: http.StatusMethodNotAllowed,
	KindNotFound:         http.StatusNotFound,
	KindInvalidState:     http.StatusBadRequest,
	KindInternal:         http.StatusInternalServerError,
}

// Error represents an application error
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works for
// every not-found error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Body is the JSON payload written for this error. Internal errors echo the cause under
// "message" for diagnostics.
func (e *Error) Body() gin.H {
	if e.Kind == KindInternal {
		body := gin.H{"error": e.Message}
		if e.Err != nil {
			body["message"] = e.Err.Error()
		}
		return body
	}
	return gin.H{"error": e.Message}
}

// New creates a new Error
func New(kind Kind, message string, err error) *Error {
	code, ok := statusByKind[kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func Unauthenticated(message string, err error) *Error {
	return New(KindUnauthenticated, message, err)
}

func Forbidden(message string) *Error {
	return New(KindForbidden, message, nil)
}

func InvalidRequest(message string, err error) *Error {
	return New(KindInvalidRequest, message, err)
}

func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

func InvalidState(message string) *Error {
	return New(KindInvalidState, message, nil)
}

func Internal(err error) *Error {
	return New(KindInternal, "Internal server error", err)
}

// Sentinels for errors.Is checks. Never return these directly; they are compared by kind only.
var (
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrInvalidRequest = &Error{Kind: KindInvalidRequest}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrInvalidState   = &Error{Kind: KindInvalidState}
	ErrInternal       = &Error{Kind: KindInternal}
)

// From returns err as an *Error, wrapping anything else as an internal error.
func From(err error) *Error {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// Respond writes err as a JSON error response and aborts the handler chain.
func Respond(c *gin.Context, err error) {
	appErr := From(err)
	c.AbortWithStatusJSON(appErr.Code, appErr.Body())
}
