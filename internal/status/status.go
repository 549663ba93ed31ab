// Package status provides the unified status/error taxonomy for the engine.
// Orchestrator operations return a *AppError whose Code callers branch on;
// queue contention codes (BufferFull, BufferEmpty) are expected under load
// and handled by polling or backpressure rather than logged per call.
package status

import (
	"errors"
	"fmt"
)

// Code identifies the outcome class of an engine operation.
type Code int

const (
	// OK is the zero value; it never appears inside an AppError.
	OK Code = iota

	// InvalidParams signals bad caller input. Never retried.
	InvalidParams

	// InvalidSession signals an unknown or already-ended session id.
	InvalidSession

	// InvalidRecording signals an unknown recording id.
	InvalidRecording

	// FileNotFound signals a missing master-call asset.
	FileNotFound

	// ProcessingError signals a feature-extraction or decode fault.
	ProcessingError

	// InsufficientData signals that no master call is loaded yet.
	// It is a legitimate "not ready" outcome, not a fault.
	InsufficientData

	// BufferFull signals the chunk queue is at capacity.
	BufferFull

	// BufferEmpty signals the chunk queue has nothing to dequeue.
	BufferEmpty

	// InvalidSize signals a chunk exceeding the per-slot capacity.
	InvalidSize
)

var codeNames = map[Code]string{
	OK:               "OK",
	InvalidParams:    "INVALID_PARAMS",
	InvalidSession:   "INVALID_SESSION",
	InvalidRecording: "INVALID_RECORDING",
	FileNotFound:     "FILE_NOT_FOUND",
	ProcessingError:  "PROCESSING_ERROR",
	InsufficientData: "INSUFFICIENT_DATA",
	BufferFull:       "BUFFER_FULL",
	BufferEmpty:      "BUFFER_EMPTY",
	InvalidSize:      "INVALID_SIZE",
}

// String returns the canonical name of the code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// AppError is the base error type with structured code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the Code from an error, walking wrapped causes.
// A nil error reports OK; a non-AppError reports ProcessingError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ProcessingError
}

// IsCode checks if an error carries a specific code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
