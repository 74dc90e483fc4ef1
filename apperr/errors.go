// Package apperr defines the error kinds shared by the REST services, the
// date resolver and the training pipelines.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind string

const (
	KindMissingFilter Kind = "missing_filter"
	KindNotFound      Kind = "not_found"
	KindInvalidDateID Kind = "invalid_date_id"
	KindConflict      Kind = "conflict"
	KindDependency    Kind = "dependency"
	KindValidation    Kind = "validation"
	KindInternal      Kind = "internal"
)

// Error is an error with a stable kind and a human-readable detail.
type Error struct {
	Kind    Kind
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

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// MissingFilter reports that a request omitted every required filter.
func MissingFilter(format string, args ...any) error {
	return newf(KindMissingFilter, format, args...)
}

// NotFound reports an empty result set or a missing record.
func NotFound(format string, args ...any) error {
	return newf(KindNotFound, format, args...)
}

// InvalidDateID reports a negative date id or an unparsable row id.
func InvalidDateID(format string, args ...any) error {
	return newf(KindInvalidDateID, format, args...)
}

// Conflict reports a uniqueness or foreign-key violation on create.
func Conflict(format string, args ...any) error {
	return newf(KindConflict, format, args...)
}

// Validation reports a malformed request.
func Validation(format string, args ...any) error {
	return newf(KindValidation, format, args...)
}

// Dependency wraps a failure of a downstream store or service. The stack
// trace is captured at the wrap site.
func Dependency(err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindDependency, Message: message, Err: pkgerrors.WithStack(err)}
}

// Wrap attaches kind and message to err.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Detail returns the message safe to show to API callers.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindDependency || e.Kind == KindInternal {
			return e.Message
		}
		return e.Error()
	}
	return "internal server error"
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindMissingFilter, KindInvalidDateID, KindConflict, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus maps an HTTP status returned by a remote service back to a kind.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindDependency
	}
}
