// Package errors provides structured error handling for the protocol engine.
// It defines rich error types that map to JSON-RPC error codes and carry
// category, severity, and structured data for programmatic handling.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category classifies an error by the engine layer that produced it.
type Category string

const (
	CategoryCodec       Category = "codec"
	CategoryTransport   Category = "transport"
	CategoryCorrelation Category = "correlation"
	CategoryAuth        Category = "auth"
	CategoryProtocol    Category = "protocol"
	CategoryInternal    Category = "internal"
	CategoryTimeout     Category = "timeout"
	CategoryCancelled   Category = "cancelled"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context records where and when an error occurred.
type Context struct {
	RequestID string    `json:"request_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
}

// EngineError is the interface implemented by all engine errors.
type EngineError interface {
	error

	// Code returns the JSON-RPC error code.
	Code() int

	// Message returns a human-readable error message.
	Message() string

	// Details returns detailed technical description for debugging.
	Details() string

	// Data returns structured error data for programmatic handling.
	Data() interface{}

	// Category returns the error category for classification.
	Category() Category

	// Severity returns the error severity level.
	Severity() Severity

	// Context returns the error context information.
	Context() *Context

	// WithContext returns a new error with the provided context.
	WithContext(ctx *Context) EngineError

	// WithDetail returns a new error with additional detail.
	WithDetail(detail string) EngineError

	// WithData returns a new error with structured data.
	WithData(data interface{}) EngineError

	// Unwrap returns the underlying error for error chain traversal.
	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map.
	ToJSON() map[string]interface{}
}

// baseError implements the EngineError interface.
type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

// Error implements the error interface.
func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

// Code returns the JSON-RPC error code.
func (e *baseError) Code() int {
	return e.code
}

// Message returns the human-readable error message.
func (e *baseError) Message() string {
	return e.message
}

// Details returns detailed technical description.
func (e *baseError) Details() string {
	return e.details
}

// Data returns structured error data.
func (e *baseError) Data() interface{} {
	return e.data
}

// Category returns the error category.
func (e *baseError) Category() Category {
	return e.category
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// Context returns the error context.
func (e *baseError) Context() *Context {
	return e.context
}

// WithContext returns a new error with the provided context.
func (e *baseError) WithContext(ctx *Context) EngineError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

// WithDetail returns a new error with additional detail.
func (e *baseError) WithDetail(detail string) EngineError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

// WithData returns a new error with structured data.
func (e *baseError) WithData(data interface{}) EngineError {
	newErr := *e
	newErr.data = data
	return &newErr
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// ToJSON returns the error as a JSON-serializable map.
func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}

	if e.details != "" {
		result["details"] = e.details
	}

	if e.data != nil {
		result["data"] = e.data
	}

	if e.context != nil {
		result["context"] = e.context
	}

	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}

	return result
}

// MarshalJSON implements json.Marshaler for baseError.
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// New creates a new EngineError with the specified parameters.
func New(code int, message string, category Category, severity Severity) EngineError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// Newf creates a new EngineError with a formatted message.
func Newf(code int, category Category, severity Severity, format string, args ...interface{}) EngineError {
	return &baseError{
		code:     code,
		message:  fmt.Sprintf(format, args...),
		category: category,
		severity: severity,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// Wrap wraps an existing error as an EngineError.
func Wrap(err error, code int, message string, category Category, severity Severity) EngineError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// Wrapf wraps an existing error as an EngineError with a formatted message.
func Wrapf(err error, code int, category Category, severity Severity, format string, args ...interface{}) EngineError {
	return &baseError{
		code:     code,
		message:  fmt.Sprintf(format, args...),
		category: category,
		severity: severity,
		cause:    err,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// AsEngineError extracts an EngineError from any error in the chain.
func AsEngineError(err error) (EngineError, bool) {
	if err == nil {
		return nil, false
	}

	for e := err; e != nil; e = unwrapOnce(e) {
		if engErr, ok := e.(EngineError); ok {
			return engErr, true
		}
	}

	return nil, false
}

func unwrapOnce(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

// IsEngineError checks if an error is an EngineError.
func IsEngineError(err error) bool {
	_, ok := AsEngineError(err)
	return ok
}

// IsCategory checks if an error belongs to a specific category.
func IsCategory(err error, category Category) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Category() == category
	}
	return false
}

// IsCode checks if an error carries a specific error code.
func IsCode(err error, code int) bool {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Code() == code
	}
	return false
}
