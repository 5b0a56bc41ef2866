package errors

// JSON-RPC 2.0 standard error codes.
const (
	// CodeParseError indicates a frame that could not be decoded into a
	// message: invalid JSON, a response carrying both result and error (or
	// neither), or an identifier of unexpected shape.
	CodeParseError int = -32700

	// CodeInvalidRequest indicates the payload is not a valid request object.
	CodeInvalidRequest int = -32600

	// CodeMethodNotFound indicates the method does not exist or is not available.
	CodeMethodNotFound int = -32601

	// CodeInvalidParams indicates invalid method parameters.
	CodeInvalidParams int = -32602

	// CodeInternalError indicates an internal JSON-RPC error.
	CodeInternalError int = -32603
)

// Engine-specific error codes, grouped by layer.
const (
	// Authentication errors (-32100 to -32199)
	CodeAuthenticationFailed int = -32100 // Handshake failed; session torn down
	CodeHandshakeTimeout     int = -32101 // Handshake did not complete in time
	CodeVerificationFailed   int = -32102 // Signature did not verify against the claimed key
	CodeAuthRejected         int = -32103 // Peer rejected the authentication attempt

	// Correlation errors (-32300 to -32399)
	CodeOperationCancelled   int = -32300 // Request cancelled by the caller or peer
	CodeOperationTimeout     int = -32301 // Request deadline elapsed without a response
	CodeDuplicateIdentifier  int = -32302 // Identifier already outstanding in this session
	CodeStrayResponse        int = -32303 // Response for an unknown or already-resolved identifier
	CodeSessionClosed        int = -32304 // Session torn down with the request still pending
	CodeNotificationOverflow int = -32305 // Notification queue full; frame dropped

	// Transport errors (-32500 to -32599)
	CodeTransportError    int = -32500 // Generic transport error
	CodeConnectFailed     int = -32501 // Failed to establish a connection
	CodeConnectionClosed  int = -32502 // Connection closed during operation
	CodeForbidden         int = -32503 // Origin policy rejected the connection
	CodeConnectionTimeout int = -32504 // Connection attempt timed out
	CodeNotSupported      int = -32505 // Operation unavailable on this transport variant

	// Protocol errors (-32900 to -32999)
	CodeProtocolError   int = -32900 // Generic protocol error
	CodeVersionMismatch int = -32901 // Protocol version mismatch
)

// ErrorCodeInfo provides human-readable information about error codes.
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

// errorCodeRegistry maps error codes to their information.
var errorCodeRegistry = map[int]ErrorCodeInfo{
	// JSON-RPC standard errors
	CodeParseError:     {CodeParseError, "MalformedMessage", "Frame could not be decoded into a valid message", CategoryCodec, SeverityError},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid request object", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method does not exist", CategoryProtocol, SeverityError},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid method parameters", CategoryProtocol, SeverityError},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal JSON-RPC error", CategoryInternal, SeverityError},

	// Authentication errors
	CodeAuthenticationFailed: {CodeAuthenticationFailed, "AuthenticationFailed", "Authentication handshake failed", CategoryAuth, SeverityCritical},
	CodeHandshakeTimeout:     {CodeHandshakeTimeout, "HandshakeTimeout", "Authentication handshake timed out", CategoryAuth, SeverityCritical},
	CodeVerificationFailed:   {CodeVerificationFailed, "VerificationFailed", "Signature verification failed", CategoryAuth, SeverityCritical},
	CodeAuthRejected:         {CodeAuthRejected, "AuthRejected", "Authentication rejected by peer", CategoryAuth, SeverityCritical},

	// Correlation errors
	CodeOperationCancelled:   {CodeOperationCancelled, "OperationCancelled", "Request cancelled", CategoryCancelled, SeverityInfo},
	CodeOperationTimeout:     {CodeOperationTimeout, "OperationTimeout", "Request timed out", CategoryTimeout, SeverityError},
	CodeDuplicateIdentifier:  {CodeDuplicateIdentifier, "DuplicateIdentifier", "Identifier already outstanding", CategoryCorrelation, SeverityError},
	CodeStrayResponse:        {CodeStrayResponse, "StrayResponse", "Response does not match an outstanding request", CategoryCorrelation, SeverityWarning},
	CodeSessionClosed:        {CodeSessionClosed, "SessionClosed", "Session closed with the request pending", CategoryCorrelation, SeverityError},
	CodeNotificationOverflow: {CodeNotificationOverflow, "NotificationOverflow", "Notification queue overflow", CategoryCorrelation, SeverityWarning},

	// Transport errors
	CodeTransportError:    {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError},
	CodeConnectFailed:     {CodeConnectFailed, "ConnectFailed", "Connection failed", CategoryTransport, SeverityCritical},
	CodeConnectionClosed:  {CodeConnectionClosed, "ConnectionClosed", "Connection closed", CategoryTransport, SeverityError},
	CodeForbidden:         {CodeForbidden, "Forbidden", "Origin not allowed", CategoryTransport, SeverityError},
	CodeConnectionTimeout: {CodeConnectionTimeout, "ConnectionTimeout", "Connection timeout", CategoryTransport, SeverityError},
	CodeNotSupported:      {CodeNotSupported, "NotSupported", "Operation not supported on this transport", CategoryTransport, SeverityError},

	// Protocol errors
	CodeProtocolError:   {CodeProtocolError, "ProtocolError", "Protocol error", CategoryProtocol, SeverityError},
	CodeVersionMismatch: {CodeVersionMismatch, "VersionMismatch", "Protocol version mismatch", CategoryProtocol, SeverityError},
}

// GetErrorCodeInfo returns information about an error code.
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code.
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code.
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code.
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}

// ListErrorCodes returns all registered error codes.
func ListErrorCodes() []ErrorCodeInfo {
	codes := make([]ErrorCodeInfo, 0, len(errorCodeRegistry))
	for _, info := range errorCodeRegistry {
		codes = append(codes, info)
	}
	return codes
}

// IsStandardJSONRPCCode checks if a code is a standard JSON-RPC error code.
func IsStandardJSONRPCCode(code int) bool {
	return code == CodeParseError || (code >= CodeInvalidRequest && code <= -32600) ||
		(code >= CodeInternalError && code <= CodeMethodNotFound)
}
