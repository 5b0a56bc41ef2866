package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/protocol"
)

// Authorizer decides whether a public key that proved possession of its
// private half may open a session. A nil Authorizer admits every key that
// passes signature verification.
type Authorizer func(publicKey ed25519.PublicKey) bool

// AllowKeys builds an Authorizer that admits exactly the given keys.
func AllowKeys(keys ...ed25519.PublicKey) Authorizer {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		allowed = append(allowed, bytes.Clone(k))
	}
	return func(publicKey ed25519.PublicKey) bool {
		for _, k := range allowed {
			if subtle.ConstantTimeCompare(k, publicKey) == 1 {
				return true
			}
		}
		return false
	}
}

// VerifierConfig configures the challenge-issuing side of the handshake.
type VerifierConfig struct {
	// KeyPair identifies the verifier. Required in mutual mode, where the
	// verifier signs the prover's counter-challenge; otherwise only the
	// public half is advertised and the pair may be zero.
	KeyPair KeyPair

	// Mutual makes the verifier answer counter-challenges so the prover can
	// authenticate it in turn.
	Mutual bool

	// Authorize filters which proven keys are admitted. Nil admits all.
	Authorize Authorizer
}

// Verifier runs the server half of one handshake: issue a nonce, then check
// the signed answer. Each Verifier belongs to a single session; nonces are
// single-use and a settled handshake cannot be retried.
type Verifier struct {
	config VerifierConfig

	mu      sync.Mutex
	nonce   []byte
	settled bool
}

// NewVerifier validates the configuration and returns a verifier ready to
// issue its challenge.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.Mutual {
		if err := config.KeyPair.Validate(); err != nil {
			return nil, errors.AuthenticationFailed("configure",
				fmt.Errorf("mutual mode needs a signing key pair: %w", err))
		}
	}
	return &Verifier{config: config}, nil
}

// PublicKey returns the verifier's public key, or nil when it has none.
func (v *Verifier) PublicKey() ed25519.PublicKey {
	return v.config.KeyPair.Public
}

// Challenge draws the handshake nonce. Calling it again before HandleVerify
// replaces the outstanding nonce, which invalidates any in-flight answer.
func (v *Verifier) Challenge() (protocol.ChallengeParams, error) {
	nonce, err := NewChallenge()
	if err != nil {
		return protocol.ChallengeParams{}, err
	}

	v.mu.Lock()
	v.nonce = nonce
	v.settled = false
	v.mu.Unlock()

	return protocol.ChallengeParams{
		PublicKey: v.config.KeyPair.Public,
		Challenge: nonce,
	}, nil
}

// HandleVerify checks the prover's answer against the outstanding nonce.
// Whatever the outcome, the handshake settles: the nonce is consumed and a
// second answer fails. On success in mutual mode the result carries the
// verifier's signature over the prover's counter-challenge.
func (v *Verifier) HandleVerify(params protocol.VerifyParams) (protocol.VerifyResult, error) {
	v.mu.Lock()
	nonce := v.nonce
	settled := v.settled
	v.nonce = nil
	v.settled = true
	v.mu.Unlock()

	if settled || nonce == nil {
		return protocol.VerifyResult{}, errors.VerificationFailed("no outstanding challenge")
	}
	if len(params.Challenge) > 0 && subtle.ConstantTimeCompare(params.Challenge, nonce) != 1 {
		return protocol.VerifyResult{}, errors.VerificationFailed("answer references a different challenge")
	}
	if len(params.PublicKey) != ed25519.PublicKeySize {
		return protocol.VerifyResult{}, errors.VerificationFailed("malformed public key")
	}
	if !ed25519.Verify(ed25519.PublicKey(params.PublicKey), nonce, params.Signature) {
		return protocol.VerifyResult{}, errors.VerificationFailed("signature does not match challenge")
	}
	if v.config.Authorize != nil && !v.config.Authorize(ed25519.PublicKey(params.PublicKey)) {
		return protocol.VerifyResult{}, errors.AuthRejected("public key is not authorized")
	}

	result := protocol.VerifyResult{Authenticated: true}
	if v.config.Mutual {
		if len(params.CounterChallenge) != NonceSize {
			return protocol.VerifyResult{}, errors.VerificationFailed("mutual handshake needs a counter-challenge")
		}
		result.Challenge = params.CounterChallenge
		result.Signature = v.config.KeyPair.Sign(params.CounterChallenge)
	}
	return result, nil
}

// ProverConfig configures the answering side of the handshake.
type ProverConfig struct {
	// KeyPair is the identity the prover authenticates as. Required.
	KeyPair KeyPair

	// Mutual makes the prover demand proof back from the verifier.
	Mutual bool

	// VerifierKey pins the verifier's public key. When set, a challenge
	// carrying a different key is rejected before anything is signed. When
	// empty the key embedded in the challenge is trusted on first use.
	VerifierKey ed25519.PublicKey
}

// Prover runs the client half of one handshake: sign the verifier's nonce
// and, in mutual mode, check the verifier's counter-signature.
type Prover struct {
	config ProverConfig

	mu          sync.Mutex
	verifierKey ed25519.PublicKey
	counter     []byte
}

// NewProver validates the configuration and returns a prover ready to answer
// a challenge.
func NewProver(config ProverConfig) (*Prover, error) {
	if err := config.KeyPair.Validate(); err != nil {
		return nil, errors.AuthenticationFailed("configure", err)
	}
	return &Prover{config: config}, nil
}

// PublicKey returns the identity the prover authenticates as.
func (p *Prover) PublicKey() ed25519.PublicKey {
	return p.config.KeyPair.Public
}

// Solve answers a challenge with the signed nonce. In mutual mode the answer
// also carries a fresh counter-challenge that CheckServer later validates.
func (p *Prover) Solve(challenge protocol.ChallengeParams) (protocol.VerifyParams, error) {
	if len(challenge.Challenge) != NonceSize {
		return protocol.VerifyParams{}, errors.VerificationFailed(
			fmt.Sprintf("challenge nonce must be %d bytes, got %d", NonceSize, len(challenge.Challenge)))
	}
	if len(p.config.VerifierKey) > 0 && len(challenge.PublicKey) > 0 &&
		subtle.ConstantTimeCompare(p.config.VerifierKey, challenge.PublicKey) != 1 {
		return protocol.VerifyParams{}, errors.VerificationFailed("challenge key does not match the pinned verifier key")
	}

	params := protocol.VerifyParams{
		PublicKey: p.config.KeyPair.Public,
		Signature: p.config.KeyPair.Sign(challenge.Challenge),
		Challenge: challenge.Challenge,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.verifierKey = p.config.VerifierKey
	if len(p.verifierKey) == 0 && len(challenge.PublicKey) == ed25519.PublicKeySize {
		p.verifierKey = ed25519.PublicKey(bytes.Clone(challenge.PublicKey))
	}

	if p.config.Mutual {
		counter, err := NewChallenge()
		if err != nil {
			return protocol.VerifyParams{}, err
		}
		p.counter = counter
		params.CounterChallenge = counter
	}
	return params, nil
}

// CheckServer validates the verifier's verdict. A rejection always errors.
// In mutual mode the counter-signature must verify against the verifier's
// key; the counter-challenge is consumed either way, so a replayed result
// cannot pass twice.
func (p *Prover) CheckServer(result protocol.VerifyResult) error {
	if !result.Authenticated {
		return errors.AuthRejected("verifier rejected the handshake")
	}
	if !p.config.Mutual {
		return nil
	}

	p.mu.Lock()
	counter := p.counter
	verifierKey := p.verifierKey
	p.counter = nil
	p.mu.Unlock()

	if counter == nil {
		return errors.VerificationFailed("no counter-challenge outstanding")
	}
	if len(verifierKey) != ed25519.PublicKeySize {
		return errors.VerificationFailed("verifier public key unknown")
	}
	if len(result.Challenge) > 0 && subtle.ConstantTimeCompare(result.Challenge, counter) != 1 {
		return errors.VerificationFailed("verifier answered a different counter-challenge")
	}
	if !ed25519.Verify(verifierKey, counter, result.Signature) {
		return errors.VerificationFailed("verifier signature does not match counter-challenge")
	}
	return nil
}
