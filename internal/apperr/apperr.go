// Package apperr provides the typed error taxonomy shared by the HTTP layer
// and the conversion core, plus the mapping from error kinds to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for HTTP mapping and retry decisions.
type Kind int

const (
	// KindInternal is the default for unclassified failures.
	KindInternal Kind = iota
	// KindValidation covers malformed or unsupported request input.
	KindValidation
	// KindNotFound covers missing jobs, input objects, and outputs.
	KindNotFound
	// KindPermission covers storage access refusals.
	KindPermission
	// KindThrottled covers rate-limit and quota rejections.
	KindThrottled
	// KindTimeout covers gateway and pipeline deadline expiry.
	KindTimeout
	// KindGone covers requests against terminally failed jobs.
	KindGone
)

// Error is a classified error carrying a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a client-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error while keeping it unwrappable.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validationf builds a KindValidation error from a format string.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a KindNotFound error from a format string.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain. Errors that do not carry a
// typed Kind fall back to message classification; see Classify.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Classify(err)
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Classify derives a Kind by matching the error message. It exists as a
// compatibility shim for errors that cross process or SDK boundaries without
// type information; typed errors should always be preferred.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "missing"):
		return KindNotFound
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "unsupported"):
		return KindValidation
	case strings.Contains(msg, "quota") || strings.Contains(msg, "limit") || strings.Contains(msg, "throttl"):
		return KindThrottled
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return KindPermission
	default:
		return KindInternal
	}
}
