package protocol

// ProtocolRevision is the protocol revision this engine implements and
// advertises during initialization.
const ProtocolRevision = "2025-03-26"

// Reserved methods. Everything outside this set is routed to the
// application's registered handlers.
const (
	// MethodInitialize opens a session: the caller sends its identity and
	// capabilities, the peer answers with its own.
	MethodInitialize = "initialize"

	// MethodPing is answered with an empty result by either side.
	MethodPing = "ping"

	// MethodAuthChallenge carries a nonce for the peer to sign. On
	// full-duplex transports the verifier pushes it as a notification; on
	// request-per-call transports the client pulls it as a request.
	MethodAuthChallenge = "auth/challenge"

	// MethodAuthVerify carries the signed nonce back to the verifier.
	MethodAuthVerify = "auth/verify"
)

// Reserved notifications.
const (
	// NotificationInitialized signals that the client finished its side of
	// session setup, including the auth handshake when one is configured.
	NotificationInitialized = "notifications/initialized"

	// NotificationCancelled withdraws interest in an outstanding request.
	NotificationCancelled = "notifications/cancelled"
)

// Info identifies one side of a session.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AuthRequirement states whether a peer demands the keypair handshake.
type AuthRequirement string

const (
	// AuthRequired means the handshake is mandatory. Sessions that skip it
	// are torn down after initialize.
	AuthRequired AuthRequirement = "required"

	// AuthOffered means the peer verifies keys when the other side opts in
	// but also accepts unauthenticated sessions.
	AuthOffered AuthRequirement = "offered"
)

// AuthCapability advertises whether and how a peer authenticates sessions.
// A nil AuthCapability on Capabilities means no handshake at all.
type AuthCapability struct {
	Requirement AuthRequirement `json:"requirement"`

	// Mutual marks that the peer proves its own identity back during the
	// handshake instead of only verifying the other side.
	Mutual bool `json:"mutual,omitempty"`

	// PublicKey is the verifier's Ed25519 public key so clients can pin it
	// before the handshake starts. Always present in mutual mode.
	PublicKey []byte `json:"publicKey,omitempty"`
}

// Capabilities describes what a peer supports beyond the base protocol.
type Capabilities struct {
	Auth *AuthCapability `json:"auth,omitempty"`

	// Notifications reports whether the peer can receive server-initiated
	// messages on this transport.
	Notifications bool `json:"notifications,omitempty"`
}

// InitializeParams is the client half of session setup.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ClientInfo      Info         `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// InitializeResult is the server half of session setup.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      Info         `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// PeerCapabilityRecord is what a session retains about the other side after
// initialization succeeds.
type PeerCapabilityRecord struct {
	Info            Info
	ProtocolVersion string
	Capabilities    Capabilities
}

// ChallengeParams carries the verifier's nonce. Nonce bytes travel as
// base64, the natural JSON encoding for byte slices.
type ChallengeParams struct {
	PublicKey []byte `json:"publicKey"`
	Challenge []byte `json:"challenge"`
}

// VerifyParams carries the prover's signature over the nonce.
type VerifyParams struct {
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`

	// Challenge echoes the nonce being answered so a verifier that issued
	// several challenges can match them up.
	Challenge []byte `json:"challenge,omitempty"`

	// CounterChallenge is the prover's own fresh nonce in mutual mode.
	// The verifier must sign it in the reply, proving both directions in
	// one round trip.
	CounterChallenge []byte `json:"counterChallenge,omitempty"`
}

// VerifyResult reports the handshake outcome.
type VerifyResult struct {
	Authenticated bool `json:"authenticated"`

	// Challenge echoes the counter-challenge and Signature is the
	// verifier's signature over it. Mutual mode only.
	Challenge []byte `json:"challenge,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// CancelledParams identifies the request a cancellation withdraws.
type CancelledParams struct {
	RequestID interface{} `json:"requestId"`
	Reason    string      `json:"reason,omitempty"`
}

// PingResult is the empty ping answer.
type PingResult struct{}
