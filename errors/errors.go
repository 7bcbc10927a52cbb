package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	return fmt.Errorf("[%s:%d] %s", file, line, fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	return fmt.Errorf("[%s:%d] %s: %w", file, line, fmt.Sprintf(format, a...), err)
}

// Kind classifies an error along the failure taxonomy the agent loop cares
// about. Call-scoped kinds (tool execution, validation) never abort a turn;
// turn-scoped kinds (protocol, provider timeout) do.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProtocol marks a malformed provider stream. Terminal for the turn.
	KindProtocol
	// KindToolExecution marks a tool that ran and failed. Terminal for that
	// call only, unless the failure matches a retryable cause.
	KindToolExecution
	// KindTimeout marks a timeout. A per-call tool timeout is retryable;
	// a per-turn provider timeout is terminal for the turn.
	KindTimeout
	// KindLoopDetected marks the repetition safety valve. Not retried.
	KindLoopDetected
	// KindValidation marks an unknown tool name or arguments that failed
	// validation. Surfaced back to the model as a correction, never fatal.
	KindValidation
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind tags err with a taxonomy kind. Returns nil for a nil err.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf reports the taxonomy kind of err, unwrapping as needed.
// Untagged errors report KindUnknown.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Is re-exports errors.Is so callers don't need two error imports.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports errors.As.
func As(err error, target any) bool { return errors.As(err, target) }
