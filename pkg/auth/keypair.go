// Package auth implements the optional keypair handshake that sessions can
// run immediately after initialize. A verifier issues a single-use random
// challenge, the prover signs it with its Ed25519 private key, and the
// verifier checks the signature before admitting the session. In mutual mode
// the prover attaches a counter-challenge of its own so the verifier has to
// prove possession of its key in the same round trip.
//
// The package is deliberately small: key generation and distribution belong
// to the embedding application. The engine only ever signs and verifies.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mcpwire/mcpwire/pkg/errors"
)

// NonceSize is the length in bytes of every handshake challenge.
const NonceSize = 32

// KeyPair holds the Ed25519 keys a peer authenticates with. Pairs are
// supplied by the embedding application; the engine never persists or
// rotates them.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair returns a fresh Ed25519 pair. It exists as a convenience
// for applications and tests; the engine itself never generates keys.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, errors.AuthenticationFailed("keygen", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed rebuilds a pair from a stored 32-byte Ed25519 seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, errors.AuthenticationFailed("keygen",
			fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed)))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// IsZero reports whether the pair has no key material.
func (kp KeyPair) IsZero() bool {
	return len(kp.Public) == 0 && len(kp.Private) == 0
}

// Validate checks that both halves are present and correctly sized.
func (kp KeyPair) Validate() error {
	if len(kp.Public) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(kp.Public))
	}
	if len(kp.Private) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(kp.Private))
	}
	return nil
}

// Sign signs msg with the private key.
func (kp KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.Private, msg)
}

// Verify reports whether sig is a valid signature over msg by pub. A pub of
// the wrong length verifies nothing rather than panicking.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// NewChallenge draws a fresh random nonce. Challenges are single-use; a
// verifier never accepts the same nonce twice.
func NewChallenge() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.AuthenticationFailed("challenge", err)
	}
	return nonce, nil
}
