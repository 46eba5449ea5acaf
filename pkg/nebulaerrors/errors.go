// Package nebulaerrors provides structured error handling for nebula-etl with
// typed categories, key-value details and captured stack traces.
//
// # Overview
//
// The ETL engine classifies every failure it absorbs so that statistics,
// alerts and logs can tell them apart:
//   - ErrorTypeTransformDefinition: the transform itself is broken; the process stops
//   - ErrorTypeData: a single item could not be transformed; the item is skipped
//   - ErrorTypeLoad: the sink rejected a batch; a fallback delay is armed
//   - ErrorTypeCheckpoint: the checkpoint store failed; the iteration makes no progress
//
// # Basic Usage
//
//	if rule.To == "" {
//	    return nebulaerrors.New(nebulaerrors.ErrorTypeTransformDefinition, "rename target is empty").
//	        WithDetail("field", rule.From)
//	}
//
//	if err := tx.Commit(ctx); err != nil {
//	    return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeCheckpoint, "commit checkpoint")
//	}
//
// # Thread Safety
//
// Error instances are not thread-safe for modification. Add details before
// sharing an error across goroutines.
package nebulaerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error, used for handling strategies,
// statistics and alerting.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents per-item data processing errors
	ErrorTypeData ErrorType = "data"
	// ErrorTypeTransformDefinition represents a malformed transform definition.
	// It is fatal for the process that owns the transform.
	ErrorTypeTransformDefinition ErrorType = "transform_definition"
	// ErrorTypeLoad represents sink write errors
	ErrorTypeLoad ErrorType = "load"
	// ErrorTypeCheckpoint represents checkpoint store errors
	ErrorTypeCheckpoint ErrorType = "checkpoint"
	// ErrorTypeExtract represents change feed read errors
	ErrorTypeExtract ErrorType = "extract"
)

// Error represents a structured error with context.
//
// Fields:
//   - Type: Categorizes the error for handling strategies
//   - Message: Human-readable error description
//   - Cause: The underlying error that caused this error
//   - Details: Key-value pairs providing additional context
//   - Stack: Call stack at the point of error creation
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Error implements the error interface, returning a formatted error message
// that includes the error type, message, and cause (if present).
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, enabling errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Calls can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, capturing the
// call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the original
// error as the cause. If the error is already a structured Error, its stack
// trace is preserved. Returns nil if the input error is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType reports whether any error in err's chain is a structured Error of
// the given type. Wrapping an error with a different type does not hide the
// inner classification.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsFatalTransform reports whether err marks a broken transform definition.
func IsFatalTransform(err error) bool {
	return IsType(err, ErrorTypeTransformDefinition)
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
