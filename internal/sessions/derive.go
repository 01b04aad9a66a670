package sessions

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Credential derivation for anonymous browser sessions.
//
// A session is identified by a random high-entropy seed held by the client.
// The server never stores the seed; it stores only values derived from it.
// One HKDF pass over the seed yields two computationally independent halves:
// the session id (sent on the wire) and the auth key (used to authenticate
// requests). Disclosure of one half reveals nothing about the other.

const (
	// SeedSize is the minimum entropy required of a session seed, in bytes.
	SeedSize = 32

	// credentialSize is the size of each derived output half, in bytes.
	credentialSize = 32

	// deriveInfo namespaces the derivation so the same seed material can
	// never collide with keys derived for another purpose.
	deriveInfo = "call-broker/v1/sessionToken"
)

// ErrDerivation is returned when the key-derivation primitive fails or its
// input does not carry enough entropy. It is fatal to session creation.
var ErrDerivation = errors.New("sessions: credential derivation failed")

// Credentials are the two derived outputs of a session seed, hex-encoded.
type Credentials struct {
	SessionID string
	AuthKey   string
}

// NewSeed returns a fresh random session seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return seed, nil
}

// Derive deterministically expands seed into session credentials.
// Identical seeds always yield identical credentials.
func Derive(seed []byte) (Credentials, error) {
	if len(seed) < SeedSize {
		return Credentials{}, fmt.Errorf("%w: seed must be at least %d bytes, got %d",
			ErrDerivation, SeedSize, len(seed))
	}

	r := hkdf.New(sha256.New, seed, nil, []byte(deriveInfo))
	material := make([]byte, 2*credentialSize)
	if _, err := io.ReadFull(r, material); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrDerivation, err)
	}

	return Credentials{
		SessionID: hex.EncodeToString(material[:credentialSize]),
		AuthKey:   hex.EncodeToString(material[credentialSize:]),
	}, nil
}
