package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransportErrorData contains structured data for transport-related errors.
type TransportErrorData struct {
	Transport  string        `json:"transport"`
	Operation  string        `json:"operation,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	Connected  bool          `json:"connected"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
}

// ConnectionErrorData contains structured data for connection-related errors.
type ConnectionErrorData struct {
	Transport     string        `json:"transport"`
	Endpoint      string        `json:"endpoint,omitempty"`
	RemoteAddress string        `json:"remote_address,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Retryable     bool          `json:"retryable"`
	Reason        string        `json:"reason,omitempty"`
}

// TransportError creates a generic transport error.
func TransportError(transport, operation string, cause error) EngineError {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return Wrap(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Connected: false,
		Retryable: true,
		Reason:    causeReason(cause),
	})
}

// ConnectFailed creates an error for connection establishment failures.
// Connect failures are surfaced to the caller and never retried inside the
// engine; retry policy belongs to the embedding application.
func ConnectFailed(transport, endpoint string, cause error) EngineError {
	message := fmt.Sprintf("failed to connect via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("failed to connect to %s via %s", endpoint, transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	var endpointHost string
	if endpoint != "" {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			endpointHost = u.Host
		} else {
			endpointHost = endpoint
		}
	}

	return Wrap(
		cause,
		CodeConnectFailed,
		message,
		CategoryTransport,
		SeverityCritical,
	).WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  endpointHost,
		Retryable: true,
		Reason:    causeReason(cause),
	})
}

// ConnectionClosed creates an error for operations on a closed connection.
// Once a transport is closed, every pending or subsequent send fails with
// this error and the receive stream terminates.
func ConnectionClosed(transport, endpoint string, cause error) EngineError {
	message := fmt.Sprintf("connection closed on %s transport", transport)
	if endpoint != "" {
		message = fmt.Sprintf("connection to %s closed on %s transport", endpoint, transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return Wrap(
		cause,
		CodeConnectionClosed,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  endpoint,
		Retryable: false,
		Reason:    causeReason(cause),
	})
}

// ConnectionTimeout creates an error for connection timeouts.
func ConnectionTimeout(transport, endpoint string, timeout time.Duration) EngineError {
	message := fmt.Sprintf("connection timeout via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("connection timeout to %s via %s", endpoint, transport)
	}
	if timeout > 0 {
		message = fmt.Sprintf("%s after %v", message, timeout)
	}

	return New(
		CodeConnectionTimeout,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&ConnectionErrorData{
		Transport: transport,
		Endpoint:  endpoint,
		Timeout:   timeout,
		Retryable: true,
		Reason:    "timeout",
	})
}

// Forbidden creates an error for connections rejected by the origin policy.
// Rejection is always explicit, never a silent drop.
func Forbidden(transport, origin string) EngineError {
	message := "origin not allowed"
	if origin != "" {
		message = fmt.Sprintf("origin %q not allowed", origin)
	}

	return New(
		CodeForbidden,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport:  transport,
		Operation:  "ingress",
		Connected:  false,
		Retryable:  false,
		Reason:     "origin policy",
		StatusCode: 403,
	})
}

// NotSupported creates an error for operations a transport variant cannot
// perform, such as server-initiated messages on the request-per-call HTTP
// transport.
func NotSupported(transport, operation string) EngineError {
	return New(
		CodeNotSupported,
		fmt.Sprintf("%s not supported on %s transport", operation, transport),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Connected: true,
		Retryable: false,
		Reason:    "unsupported on this transport variant",
	})
}

// HTTPError creates an error for HTTP transport failures carrying a status code.
func HTTPError(operation, endpoint string, statusCode int, cause error) EngineError {
	message := fmt.Sprintf("HTTP transport error during %s", operation)
	if statusCode > 0 {
		message = fmt.Sprintf("HTTP %d error during %s", statusCode, operation)
	}
	if endpoint != "" {
		message = fmt.Sprintf("%s to %s", message, endpoint)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	retryable := statusCode >= 500 || statusCode == 429 || statusCode == 408

	return Wrap(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport:  "http2",
		Operation:  operation,
		Endpoint:   endpoint,
		Connected:  statusCode > 0,
		Retryable:  retryable,
		StatusCode: statusCode,
		Reason:     causeReason(cause),
	})
}

// EventSourceError creates an error for Server-Sent Events stream failures.
func EventSourceError(endpoint, reason string, cause error) EngineError {
	message := fmt.Sprintf("event source error: %s", reason)
	if endpoint != "" {
		message = fmt.Sprintf("event source error for %s: %s", endpoint, reason)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return Wrap(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: "sse",
		Operation: "event_stream",
		Endpoint:  endpoint,
		Connected: false,
		Retryable: true,
		Reason:    reason,
	})
}

// MessageSendError creates an error for frame send failures.
func MessageSendError(transport string, cause error) EngineError {
	message := fmt.Sprintf("failed to send frame via %s", transport)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return Wrap(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: "send",
		Connected: true,
		Retryable: true,
		Reason:    causeReason(cause),
	})
}

// MessageTooLarge creates an error for frames that exceed the size limit.
func MessageTooLarge(transport string, frameSize, maxSize int64) EngineError {
	return New(
		CodeTransportError,
		fmt.Sprintf("frame size %d exceeds maximum %d on %s transport", frameSize, maxSize, transport),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: "send",
		Connected: true,
		Retryable: false,
		Reason:    fmt.Sprintf("frame size %d > max %d", frameSize, maxSize),
	})
}

// TransportNotConnected creates an error for operations before Connect.
func TransportNotConnected(transport string) EngineError {
	return New(
		CodeTransportError,
		fmt.Sprintf("%s transport is not connected", transport),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Connected: false,
		Retryable: false,
		Reason:    "not connected",
	})
}

// InvalidTransportConfiguration creates an error for invalid transport configurations.
func InvalidTransportConfiguration(transport, parameter, reason string) EngineError {
	return New(
		CodeTransportError,
		fmt.Sprintf("invalid %s transport configuration for %q: %s", transport, parameter, reason),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: "configure",
		Connected: false,
		Retryable: false,
		Reason:    fmt.Sprintf("invalid %s: %s", parameter, reason),
	})
}

// IsForbidden reports whether an error is an origin-policy rejection.
func IsForbidden(err error) bool {
	return IsCode(err, CodeForbidden)
}

// IsConnectionClosed reports whether an error is a closed-connection failure.
func IsConnectionClosed(err error) bool {
	return IsCode(err, CodeConnectionClosed)
}

func causeReason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
