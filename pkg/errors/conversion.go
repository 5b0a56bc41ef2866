package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// WireError is the code/message/data triple that travels inside a response
// error member. It mirrors the JSON-RPC error object without depending on
// the protocol package, so conversions work in both directions from here.
type WireError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ToWireError converts any error to a wire error object suitable for
// embedding in an outbound response. Plain errors are classified through
// ConvertStandardError first, so context cancellation and JSON failures keep
// their codes.
func ToWireError(err error) *WireError {
	if err == nil {
		return nil
	}

	engErr, ok := AsEngineError(err)
	if !ok {
		engErr = ConvertStandardError(err)
	}

	return &WireError{
		Code:    engErr.Code(),
		Message: engErr.Message(),
		Data:    engErr.Data(),
	}
}

// FromWireError converts an inbound wire error object to an EngineError,
// classifying it through the code registry.
func FromWireError(wireErr *WireError) EngineError {
	if wireErr == nil {
		return nil
	}

	category := GetErrorCodeCategory(wireErr.Code)
	severity := GetErrorCodeSeverity(wireErr.Code)

	err := New(wireErr.Code, wireErr.Message, category, severity)
	if wireErr.Data != nil {
		err = err.WithData(wireErr.Data)
	}

	return err
}

// FromCode builds an EngineError for a bare code/message pair, classifying
// it through the code registry.
func FromCode(code int, message string) EngineError {
	return New(code, message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
}

// ConvertStandardError converts common Go errors to appropriate engine errors.
func ConvertStandardError(err error) EngineError {
	if err == nil {
		return nil
	}

	if engErr, ok := AsEngineError(err); ok {
		return engErr
	}

	if errors.Is(err, context.Canceled) {
		return OperationCancelled("", "context cancelled")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(CodeOperationTimeout, "operation deadline exceeded", CategoryTimeout, SeverityError)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return MalformedMessage("invalid JSON", nil)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return MalformedMessagef(nil, "unexpected %s for field %q", typeErr.Value, typeErr.Field)
	}

	return Wrap(err, CodeInternalError, err.Error(), CategoryInternal, SeverityError)
}

// MethodNotFound creates a standardized method-not-found error.
func MethodNotFound(method string) EngineError {
	return New(
		CodeMethodNotFound,
		fmt.Sprintf("method not found: %s", method),
		CategoryProtocol,
		SeverityError,
	)
}

// InvalidParams creates a standardized invalid-params error.
func InvalidParams(method, details string) EngineError {
	message := "invalid method parameters"
	if details != "" {
		message = fmt.Sprintf("invalid method parameters: %s", details)
	}

	err := New(CodeInvalidParams, message, CategoryProtocol, SeverityError)
	if method != "" {
		err = err.WithContext(&Context{Method: method})
	}
	return err
}

// Internal creates a standardized internal error with an optional cause.
func Internal(operation string, cause error) EngineError {
	message := "internal error"
	if operation != "" {
		message = fmt.Sprintf("internal error during %s", operation)
	}

	err := Wrap(cause, CodeInternalError, message, CategoryInternal, SeverityError)
	if operation != "" {
		err = err.WithContext(&Context{Operation: operation})
	}
	return err
}

// IsRetryable reports whether an error may reasonably be retried by the
// embedding application. The engine itself never retries.
func IsRetryable(err error) bool {
	engErr, ok := AsEngineError(err)
	if !ok {
		return errors.Is(err, context.DeadlineExceeded)
	}

	if data := engErr.Data(); data != nil {
		switch d := data.(type) {
		case *TransportErrorData:
			return d.Retryable
		case *ConnectionErrorData:
			return d.Retryable
		}
	}

	switch engErr.Category() {
	case CategoryTimeout:
		return true
	case CategoryCancelled, CategoryAuth, CategoryCodec:
		return false
	}

	switch engErr.Code() {
	case CodeConnectFailed, CodeConnectionTimeout:
		return true
	}

	return false
}
