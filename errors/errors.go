// Package errors provides the error taxonomy shared by the capture, calibration and
// relay components. Every error that crosses a package boundary is classified as
// invalid (caller contract), transient (device or network, retry may succeed) or
// fatal (no safe degraded mode).
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents device or network failures that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents caller-contract violations
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors such as allocation exhaustion
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Caller-contract errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownStream   = errors.New("unknown stream kind")
	ErrWrongState      = errors.New("operation not valid in current state")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Device and network errors
	ErrUnsupportedStream = errors.New("stream not supported by device")
	ErrDeviceFailure     = errors.New("device failure")
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrSourceNotFound    = errors.New("source not advertised")
	ErrQueueFull         = errors.New("queue full")

	// Data errors
	ErrInvalidData    = errors.New("invalid data format")
	ErrSchemaMismatch = errors.New("schema version mismatch")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Resource errors
	ErrResourceExhausted = errors.New("resource exhausted")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// sentinelClass maps the sentinels above to the class an unwrapped occurrence
// belongs to. Sentinels not listed here classify by message or default to transient.
var sentinelClass = []struct {
	err   error
	class ErrorClass
}{
	{ErrInvalidArgument, ErrorInvalid},
	{ErrUnknownStream, ErrorInvalid},
	{ErrWrongState, ErrorInvalid},
	{ErrNotFound, ErrorInvalid},
	{ErrAlreadyExists, ErrorInvalid},
	{ErrInvalidData, ErrorInvalid},
	{ErrSchemaMismatch, ErrorInvalid},

	{ErrConnectionTimeout, ErrorTransient},
	{ErrConnectionLost, ErrorTransient},
	{ErrNoConnection, ErrorTransient},
	{ErrDeviceFailure, ErrorTransient},
	{ErrQueueFull, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
	{context.Canceled, ErrorTransient},

	{ErrResourceExhausted, ErrorFatal},
	{ErrInvalidConfig, ErrorFatal},
}

var (
	transientPatterns = []string{"timeout", "connection", "temporary", "unavailable"}
	fatalPatterns     = []string{"out of memory"}
)

// explicitClass returns the class of the outermost ClassifiedError in err's chain.
func explicitClass(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func hasSentinel(err error, class ErrorClass) bool {
	for _, sc := range sentinelClass {
		if sc.class == class && errors.Is(err, sc.err) {
			return true
		}
	}
	return false
}

func mentions(err error, patterns []string) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// is reports whether err belongs to class: an explicit classification wins,
// then known sentinels, then message patterns.
func is(err error, class ErrorClass, patterns []string) bool {
	if err == nil {
		return false
	}
	if c, ok := explicitClass(err); ok {
		return c == class
	}
	return hasSentinel(err, class) || mentions(err, patterns)
}

// IsTransient checks if an error is transient and could succeed on retry
func IsTransient(err error) bool {
	return is(err, ErrorTransient, transientPatterns)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	return is(err, ErrorFatal, fatalPatterns)
}

// IsInvalid checks if an error is a caller-contract violation
func IsInvalid(err error) bool {
	return is(err, ErrorInvalid, nil)
}

// Classify returns the error class for an error. Unknown errors are treated as
// transient so callers may retry them.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsInvalid(err):
		return ErrorInvalid
	case IsFatal(err):
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Invalidf builds an invalid-class error around a sentinel with a formatted detail.
func Invalidf(sentinel error, component, method, format string, args ...any) error {
	detail := fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
	return WrapInvalid(detail, component, method, "validate")
}
