// Package gvmerr defines the typed error taxonomy shared across the daemon
// core. Every error that crosses a package boundary inside gvmd is either a
// *gvmerr.Error or wraps one, so the API layer can map it to an HTTP status
// without re-deriving intent from a message string.
package gvmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories the core
// distinguishes. See SPEC_FULL.md section 7.
type Kind string

const (
	NotFound                 Kind = "not_found"
	AlreadyExists            Kind = "already_exists"
	InvalidTransition        Kind = "invalid_transition"
	Conflict                 Kind = "conflict"
	BadRequest               Kind = "bad_request"
	HypervisorLaunchFailed   Kind = "hypervisor_launch_failed"
	HypervisorIOFailed       Kind = "hypervisor_io_failed"
	HypervisorProtocolFailed Kind = "hypervisor_protocol_failed"
	SignalFailed             Kind = "signal_failed"
	StorageError             Kind = "storage_error"
	Internal                 Kind = "internal"
)

// Error is the concrete error type carried across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error carrying cause as its wrapped error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf extracts the Kind of err, defaulting to Internal when err is not
// (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
