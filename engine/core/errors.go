package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for boundary mapping. Every error that crosses
// a use-case boundary carries one.
type Kind string

const (
	KindBadRequest            Kind = "bad_request"
	KindUnauthorized          Kind = "unauthorized"
	KindAccessDenied          Kind = "forbidden"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindJustificationRequired Kind = "justification_required"
	KindUpstreamUnavailable   Kind = "upstream_unavailable"
	KindInternal              Kind = "internal"
)

// Error is the typed error surfaced by core operations. Code is a stable
// machine-readable string; Details is an opaque payload echoed to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error; Code defaults to the kind's name.
func NewError(kind Kind, code, message string) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

func NotFoundError(message string) *Error {
	return NewError(KindNotFound, "", message)
}

func AccessDeniedError(message string) *Error {
	return NewError(KindAccessDenied, "", message)
}

func BadRequestError(message string) *Error {
	return NewError(KindBadRequest, "", message)
}

func ConflictError(code, message string) *Error {
	return NewError(KindConflict, code, message)
}

func UnauthorizedError(message string) *Error {
	return NewError(KindUnauthorized, "", message)
}

func JustificationRequiredError(message string) *Error {
	return NewError(KindJustificationRequired, "", message)
}

func UpstreamError(message string, err error) *Error {
	return NewError(KindUpstreamUnavailable, "", message).WithCause(err)
}

func InternalError(err error) *Error {
	return NewError(KindInternal, "", "internal error").WithCause(err)
}

// KindOf extracts the failure kind, defaulting to internal for untyped
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns the typed error wrapped in err, or an internal wrapper.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalError(err)
}

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

func IsConflict(err error) bool { return KindOf(err) == KindConflict }
