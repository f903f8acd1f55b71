// Package errors defines the error kinds carried across the tool
// boundary and helpers for wrapping, classifying, and serializing them
// into the wire envelope.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Kind is the machine-readable error tag a tool response carries.
type Kind string

const (
	// KindInvalidArgument covers schema violations, bad enums,
	// out-of-range confidence, malformed keys.
	KindInvalidArgument Kind = "InvalidArgument"
	// KindInvalidTrigger is returned when retrieval is requested
	// without a valid trigger.
	KindInvalidTrigger Kind = "InvalidTrigger"
	// KindNotFound covers missing projects, chunks, facts, episodes.
	KindNotFound Kind = "NotFound"
	// KindForbiddenContent is returned when the semantic content guard
	// rejects an ingest.
	KindForbiddenContent Kind = "ForbiddenContent"
	// KindUploadRejected is returned when the upload sandbox refuses a
	// path, size, or state.
	KindUploadRejected Kind = "UploadRejected"
	// KindConflict covers uniqueness and abstraction violations.
	KindConflict Kind = "Conflict"
	// KindDependencyUnavailable marks a missing embedder or LLM; the
	// caller may still have received partial results.
	KindDependencyUnavailable Kind = "DependencyUnavailable"
	// KindTimeout marks a deadline or cancellation.
	KindTimeout Kind = "Timeout"
	// KindInternal is the unclassified fallback.
	KindInternal Kind = "Internal"
)

// Error is the typed error used throughout the service.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Wrapf attaches a kind and formatted message to an underlying cause.
func Wrapf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies any error. Typed errors report their own kind;
// context expiry maps to Timeout; everything else is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the human-readable message for an error: the typed
// message when available, the raw error text otherwise.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "operation deadline exceeded"
	}
	if stderrors.Is(err, context.Canceled) {
		return "operation canceled"
	}
	return err.Error()
}

// Envelope builds the wire error shape for a failed tool call:
// {status: "error", tool, error: <kind>, message}.
func Envelope(tool string, err error) map[string]interface{} {
	return map[string]interface{}{
		"status":  "error",
		"tool":    tool,
		"error":   string(KindOf(err)),
		"message": MessageOf(err),
	}
}
