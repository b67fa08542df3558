package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidSubject indicates that the provided subject is invalid
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidMessage indicates that the message is invalid
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrNoResponse indicates that no response was received for a request
	ErrNoResponse = errors.New("no response received")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrNotFound indicates that the control plane has no record for the lookup
	ErrNotFound = errors.New("not found")
)

// ErrorType classifies an AppError. The pipeline and the dispatch boundary
// branch on the type, never on message text.
type ErrorType int

const (
	// Internal is an unclassified failure.
	Internal ErrorType = iota
	// InitializationFailed means the processor identity could not be resolved or created.
	InitializationFailed
	// MissingCacheData means expected input was absent from the cache.
	MissingCacheData
	// SchemaValidationFailed means a payload violated its schema under a hard policy.
	SchemaValidationFailed
	// ExecutorFailure wraps anything raised by the plugged-in executor.
	ExecutorFailure
	// TransportUnavailable means the bus or the cache could not be reached.
	TransportUnavailable
	// BadRequest means an inbound command could not be decoded.
	BadRequest
)

// String returns the stable name of the error type.
func (t ErrorType) String() string {
	switch t {
	case InitializationFailed:
		return "InitializationFailed"
	case MissingCacheData:
		return "MissingCacheData"
	case SchemaValidationFailed:
		return "SchemaValidationFailed"
	case ExecutorFailure:
		return "ExecutorFailure"
	case TransportUnavailable:
		return "TransportUnavailable"
	case BadRequest:
		return "BadRequest"
	default:
		return "Internal"
	}
}

// AppError represents a structured processor error
type AppError struct {
	// Type classifies the failure
	Type ErrorType

	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new typed error
func NewAppError(t ErrorType, code, message string, err error) *AppError {
	return &AppError{
		Type:    t,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInitializationError creates an InitializationFailed error
func NewInitializationError(message string, err error) *AppError {
	return NewAppError(InitializationFailed, "INITIALIZATION_FAILED", message, err)
}

// NewMissingCacheDataError creates a MissingCacheData error for the given cache key
func NewMissingCacheDataError(key string) *AppError {
	return NewAppError(MissingCacheData, "MISSING_CACHE_DATA", fmt.Sprintf("no input data found for key %s", key), nil)
}

// NewSchemaValidationError creates a SchemaValidationFailed error
func NewSchemaValidationError(side string, violations []string) *AppError {
	msg := fmt.Sprintf("%s validation failed", side)
	if len(violations) > 0 {
		msg = fmt.Sprintf("%s validation failed: %s", side, violations[0])
	}
	return NewAppError(SchemaValidationFailed, "SCHEMA_VALIDATION_FAILED", msg, nil)
}

// NewExecutorError wraps an executor failure
func NewExecutorError(err error) *AppError {
	return NewAppError(ExecutorFailure, "EXECUTOR_FAILED", "executor failed", err)
}

// NewTransportError wraps a bus or cache failure
func NewTransportError(message string, err error) *AppError {
	return NewAppError(TransportUnavailable, "TRANSPORT_UNAVAILABLE", message, err)
}

// NewBadRequestError reports an undecodable inbound command
func NewBadRequestError(message string, err error) *AppError {
	return NewAppError(BadRequest, "BAD_REQUEST", message, err)
}

// NewInternalError creates an unclassified error
func NewInternalError(message, code string, err error) *AppError {
	return NewAppError(Internal, code, message, err)
}

// IsType reports whether err carries an AppError of the given type anywhere in its chain
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// TypeOf returns the AppError type of err, or Internal when err is not typed
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return Internal
}

// Retryable reports whether redelivering the triggering message could succeed.
// Undecodable commands never become decodable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return TypeOf(err) != BadRequest
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
