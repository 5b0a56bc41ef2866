// Package session runs the protocol engine over one transport connection.
//
// A Session owns the receive pump, the correlation table matching responses
// to outstanding requests, the inbound notification queue, handler dispatch,
// and the authentication gate. Every outstanding request resolves exactly
// once: with its response, a timeout, a cancellation, or a session-closed
// error at teardown.
//
// The correlation table linearizes all completions under one mutex and
// delivers outcomes on buffered channels, so a response racing a timeout or
// a cancellation produces one winner and one reported stray, never a double
// completion and never a panic.
//
// While an authentication handshake is pending, traffic other than the
// reserved setup and auth methods is queued in issuance order on both
// directions; it is released when the handshake succeeds and failed when it
// is rejected.
package session
