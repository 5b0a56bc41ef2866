package errors

import (
	"fmt"
	"time"
)

// CorrelationErrorData contains structured data for correlation-layer errors.
type CorrelationErrorData struct {
	RequestID   string        `json:"request_id,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Outstanding int           `json:"outstanding,omitempty"`
	Capacity    int           `json:"capacity,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// DuplicateIdentifier creates an error for registering an identifier that is
// already outstanding in the session.
func DuplicateIdentifier(requestID string) EngineError {
	return New(
		CodeDuplicateIdentifier,
		fmt.Sprintf("identifier %s is already outstanding", requestID),
		CategoryCorrelation,
		SeverityError,
	).WithData(&CorrelationErrorData{
		RequestID: requestID,
		Reason:    "duplicate identifier",
	})
}

// StrayResponse creates an error for an inbound response that matches no
// outstanding request. Stray responses are reported and discarded; they never
// terminate the session.
func StrayResponse(requestID string) EngineError {
	return New(
		CodeStrayResponse,
		fmt.Sprintf("response for unknown or already-resolved identifier %s", requestID),
		CategoryCorrelation,
		SeverityWarning,
	).WithData(&CorrelationErrorData{
		RequestID: requestID,
		Reason:    "no matching pending request",
	})
}

// ResponseTimeout creates an error for a request whose deadline elapsed
// without a response. Only the timed-out request is affected; the session
// stays alive.
func ResponseTimeout(requestID string, timeout time.Duration) EngineError {
	message := fmt.Sprintf("request %s timed out", requestID)
	if timeout > 0 {
		message = fmt.Sprintf("%s after %v", message, timeout)
	}

	return New(
		CodeOperationTimeout,
		message,
		CategoryTimeout,
		SeverityError,
	).WithData(&CorrelationErrorData{
		RequestID: requestID,
		Timeout:   timeout,
		Reason:    "deadline elapsed",
	})
}

// SessionClosed creates the error delivered to every waiter still pending
// when its session is torn down. No request is ever silently dropped.
func SessionClosed(sessionID string, outstanding int) EngineError {
	return New(
		CodeSessionClosed,
		"session closed with request pending",
		CategoryCorrelation,
		SeverityError,
	).WithData(&CorrelationErrorData{
		SessionID:   sessionID,
		Outstanding: outstanding,
		Reason:      "session teardown",
	})
}

// OperationCancelled creates an error for an explicitly cancelled request.
func OperationCancelled(requestID, reason string) EngineError {
	message := fmt.Sprintf("request %s cancelled", requestID)
	if reason != "" {
		message = fmt.Sprintf("%s: %s", message, reason)
	}

	return New(
		CodeOperationCancelled,
		message,
		CategoryCancelled,
		SeverityInfo,
	).WithData(&CorrelationErrorData{
		RequestID: requestID,
		Reason:    reason,
	})
}

// NotificationOverflow creates an error reported when the bounded
// notification queue is full and a frame had to be dropped.
func NotificationOverflow(sessionID string, capacity int) EngineError {
	return New(
		CodeNotificationOverflow,
		fmt.Sprintf("notification queue full (capacity %d), frame dropped", capacity),
		CategoryCorrelation,
		SeverityWarning,
	).WithData(&CorrelationErrorData{
		SessionID: sessionID,
		Capacity:  capacity,
		Reason:    "subscriber not keeping up",
	})
}

// IsDuplicateIdentifier reports whether an error is a duplicate-identifier failure.
func IsDuplicateIdentifier(err error) bool {
	return IsCode(err, CodeDuplicateIdentifier)
}

// IsStrayResponse reports whether an error is a stray-response report.
func IsStrayResponse(err error) bool {
	return IsCode(err, CodeStrayResponse)
}

// IsTimeout reports whether an error is a request timeout.
func IsTimeout(err error) bool {
	return IsCode(err, CodeOperationTimeout)
}

// IsSessionClosed reports whether an error is a session-teardown resolution.
func IsSessionClosed(err error) bool {
	return IsCode(err, CodeSessionClosed)
}

// IsCancelled reports whether an error is an explicit cancellation.
func IsCancelled(err error) bool {
	return IsCode(err, CodeOperationCancelled)
}

// IsNotificationOverflow reports whether an error is a queue-overflow report.
func IsNotificationOverflow(err error) bool {
	return IsCode(err, CodeNotificationOverflow)
}
