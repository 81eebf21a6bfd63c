// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockerr defines the structured error taxonomy shared by all
// BlockNet components. Core packages return *Error values with a stable
// Kind; transport status codes are derived only at the API boundary.
package blockerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is an enumeration of BlockNet error categories.
type Kind int

const (
	KindNone Kind = iota

	// KindInvalidInput covers malformed block ids, size classes, and
	// signature formats supplied by a caller.
	KindInvalidInput

	// KindUnauthorized covers signature mismatches.
	KindUnauthorized

	// KindConflict covers an already-reserved or already-committed block id.
	// Conflict is never retried: retrying a content-addressed create for
	// the same id can never succeed.
	KindConflict

	// KindExpired covers signatures and tokens outside their validity window.
	KindExpired

	// KindIntegrityViolation covers uploads whose content hash does not
	// match the claimed block id.
	KindIntegrityViolation

	// KindNotFound covers unknown server ids and missing blocks.
	KindNotFound

	// KindUnavailable covers backing-store connectivity failures. Safe for
	// the caller to retry with backoff.
	KindUnavailable

	// KindConfigError covers invalid fleet configuration detected at load
	// time. Always fatal at startup.
	KindConfigError
)

var kindNames = map[Kind]string{
	KindNone:               "None",
	KindInvalidInput:       "InvalidInput",
	KindUnauthorized:       "Unauthorized",
	KindConflict:           "Conflict",
	KindExpired:            "Expired",
	KindIntegrityViolation: "IntegrityViolation",
	KindNotFound:           "NotFound",
	KindUnavailable:        "Unavailable",
	KindConfigError:        "ConfigError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HTTPStatus maps an error kind to the HTTP status returned at the API
// boundary. Core packages never use these values directly.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput, KindExpired, KindIntegrityViolation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error returned across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from an error chain. Errors outside the taxonomy
// report KindNone; callers at the API boundary treat that as a 500.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
