// Package protocol implements the wire codec: a JSON-RPC 2.0 message union
// of requests, responses, and notifications, plus the reserved methods used
// for session setup, authentication, and cancellation.
//
// A request expects exactly one response carrying the same identifier:
//
//	{"jsonrpc": "2.0", "id": 1, "method": "files/read", "params": {"path": "a.txt"}}
//	{"jsonrpc": "2.0", "id": 1, "result": {"data": "..."}}
//
// A response carries exactly one of result or error, never both:
//
//	{"jsonrpc": "2.0", "id": 1, "error": {"code": -32601, "message": "Method not found"}}
//
// A notification has no identifier and is never answered:
//
//	{"jsonrpc": "2.0", "method": "notifications/cancelled", "params": {"requestId": 1}}
//
// Decode classifies every inbound frame into exactly one arm of the union or
// returns a malformed-message error; it never panics on hostile input.
// Encode enforces the same rules, so for every valid message m,
// Decode(Encode(m)) yields a message equal to m.
//
// Identifiers are strings or integers. Fractional numbers, booleans, nulls,
// and composite values are rejected. Batch frames are not supported.
package protocol
