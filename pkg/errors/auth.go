package errors

import (
	"fmt"
	"time"
)

// AuthErrorData contains structured data for authentication-layer errors.
type AuthErrorData struct {
	Stage     string        `json:"stage,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// AuthenticationFailed creates the error surfaced to the embedding
// application when the keypair handshake fails for any reason. Authentication
// failure is always fatal to the session; the engine never downgrades to
// unauthenticated mode once authentication was advertised as required.
func AuthenticationFailed(stage string, cause error) EngineError {
	message := "authentication failed"
	if stage != "" {
		message = fmt.Sprintf("authentication failed during %s", stage)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return Wrap(
		cause,
		CodeAuthenticationFailed,
		message,
		CategoryAuth,
		SeverityCritical,
	).WithData(&AuthErrorData{
		Stage:  stage,
		Reason: causeReason(cause),
	})
}

// HandshakeTimeout creates an error for a handshake that did not complete
// within the configured window.
func HandshakeTimeout(timeout time.Duration) EngineError {
	message := "authentication handshake timed out"
	if timeout > 0 {
		message = fmt.Sprintf("%s after %v", message, timeout)
	}

	return New(
		CodeHandshakeTimeout,
		message,
		CategoryAuth,
		SeverityCritical,
	).WithData(&AuthErrorData{
		Stage:   "handshake",
		Timeout: timeout,
		Reason:  "timeout",
	})
}

// VerificationFailed creates an error for a signature that does not verify
// against the claimed public key.
func VerificationFailed(reason string) EngineError {
	message := "signature verification failed"
	if reason != "" {
		message = fmt.Sprintf("signature verification failed: %s", reason)
	}

	return New(
		CodeVerificationFailed,
		message,
		CategoryAuth,
		SeverityCritical,
	).WithData(&AuthErrorData{
		Stage:  "verify",
		Reason: reason,
	})
}

// AuthRejected creates an error for a peer that rejected the authentication
// attempt.
func AuthRejected(reason string) EngineError {
	message := "authentication rejected by peer"
	if reason != "" {
		message = fmt.Sprintf("authentication rejected by peer: %s", reason)
	}

	return New(
		CodeAuthRejected,
		message,
		CategoryAuth,
		SeverityCritical,
	).WithData(&AuthErrorData{
		Stage:  "verify",
		Reason: reason,
	})
}

// IsAuthenticationFailed reports whether an error belongs to the
// authentication category, regardless of the specific failure stage.
func IsAuthenticationFailed(err error) bool {
	return IsCategory(err, CategoryAuth)
}
