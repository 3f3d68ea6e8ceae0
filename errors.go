package taskloop

import (
	"errors"
	"fmt"
)

// CancelError is the settlement reason carried by a cancelled task. Handlers
// on the rejection path can distinguish cancellation from an ordinary
// failure with [errors.Is] against any *CancelError, or by checking
// [Task.State] for [Cancelled].
type CancelError struct {
	// Reason optionally identifies what triggered the cancellation, for
	// example [ErrLoopTerminated] when the owning loop shut down. It is nil
	// for a plain [Task.Cancel].
	Reason Result
}

// Error implements the error interface.
func (e *CancelError) Error() string {
	if err, ok := e.Reason.(error); ok {
		return "task cancelled: " + err.Error()
	}
	return "task cancelled"
}

// Unwrap returns the cancellation reason when it is itself an error, which
// makes [errors.Is] match reasons like [ErrLoopTerminated] through the
// cause chain.
func (e *CancelError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

// Is reports whether target is a *CancelError, so all cancellations match
// each other regardless of reason:
//
//	errors.Is(err, &taskloop.CancelError{})
func (e *CancelError) Is(target error) bool {
	var t *CancelError
	return errors.As(target, &t)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain. If the panic Value is not an error, returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Unwrap returns the errors slice for multi-error unwrapping, which lets
// [errors.Is] and [errors.As] check against every contained error.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// Is reports whether target is an *AggregateError. Matching against the
// contained errors happens through Unwrap.
func (e *AggregateError) Is(target error) bool {
	var t *AggregateError
	return errors.As(target, &t)
}

// TypeError reports a value or argument that is not of the expected kind,
// for example a nil callback where one is required.
type TypeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TypeError) Unwrap() error {
	return e.Cause
}

// WorkerError is the structured record of an uncaught worker failure. It is
// delivered through the host port's OnError slot and through
// [Worker.Done]'s rejection path, never thrown synchronously. Once one is
// reported the channel is defunct.
type WorkerError struct {
	// Message is the human-readable failure description.
	Message string
	// Filename names the script or source that failed, when known.
	Filename string
	// Line and Column locate the failure within Filename, when known.
	Line   int
	Column int
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *WorkerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "worker error"
	}
	if e.Filename != "" {
		return fmt.Sprintf("%s (%s:%d:%d)", msg, e.Filename, e.Line, e.Column)
	}
	return msg
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *WorkerError) Unwrap() error {
	return e.Cause
}

// DataCloneError reports a value that cannot cross a worker channel, either
// because its type has no structured-clone representation (functions,
// channels, unsafe pointers) or because a buffer listed for transfer was
// already detached.
type DataCloneError struct {
	// Type describes the offending value.
	Type string
}

// Error implements the error interface.
func (e *DataCloneError) Error() string {
	if e.Type == "" {
		return "data clone error"
	}
	return "cannot clone value of type " + e.Type
}

// WrapError wraps an error with a message, preserving the cause chain. The
// result satisfies errors.Is(result, cause) == true.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
