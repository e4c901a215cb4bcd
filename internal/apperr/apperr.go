// Package apperr defines the classified errors returned across component
// boundaries. Every failure surfaced to a caller carries a machine-readable
// [Kind] and a human-readable message; lower layers keep wrapping with
// fmt.Errorf and only the component boundary assigns a kind.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and for HTTP status mapping.
type Kind string

const (
	// KindValidation means the caller supplied bad input.
	KindValidation Kind = "validation"
	// KindNotFound means the named document does not exist.
	KindNotFound Kind = "not_found"
	// KindProcessing means ingestion failed for a reason other than embedding.
	KindProcessing Kind = "processing"
	// KindEmbedding means the embedder was unreachable, rejected input, or timed out.
	KindEmbedding Kind = "embedding"
	// KindSynthesis means the answering model failed, timed out, or replied with nothing usable.
	KindSynthesis Kind = "synthesis"
	// KindConfiguration means a component was constructed with invalid settings.
	KindConfiguration Kind = "configuration"
	// KindInternal is reported for unclassified errors.
	KindInternal Kind = "internal"
)

// Error is a classified failure.
type Error struct {
	// Kind is the failure class.
	Kind Kind
	// Op names the operation that failed (e.g. "ingestion.process").
	Op string
	// Message is safe to show to API clients.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface as "op: message: cause".
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the underlying cause is a deadline expiry.
func (e *Error) Timeout() bool { return errors.Is(e.Err, context.DeadlineExceeded) }

// New constructs a classified error.
func New(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// Validation constructs a KindValidation error. msg is formatted with args.
func Validation(op, msg string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(msg, args...), nil)
}

// NotFound constructs a KindNotFound error for the named document.
func NotFound(op, name string) *Error {
	return New(KindNotFound, op, fmt.Sprintf("document %q not found", name), nil)
}

// Processing constructs a KindProcessing error wrapping err.
func Processing(op, msg string, err error) *Error {
	return New(KindProcessing, op, msg, err)
}

// Embedding constructs a KindEmbedding error wrapping err.
func Embedding(op, msg string, err error) *Error {
	return New(KindEmbedding, op, msg, err)
}

// Synthesis constructs a KindSynthesis error wrapping err.
func Synthesis(op, msg string, err error) *Error {
	return New(KindSynthesis, op, msg, err)
}

// Configuration constructs a KindConfiguration error. msg is formatted with args.
func Configuration(op, msg string, args ...any) *Error {
	return New(KindConfiguration, op, fmt.Sprintf(msg, args...), nil)
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries no classification. KindOf(nil) is "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client-facing message for err. Unclassified errors
// yield a generic message so internal details are not leaked.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Timeout() {
			return e.Message + " (timed out)"
		}
		return e.Message
	}
	return "internal error"
}

// IsTimeout reports whether err stems from a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
