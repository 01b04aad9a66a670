package sessions

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
)

// minSecretBytes is the smallest MAC secret accepted, after hex decoding.
const minSecretBytes = 16

// ErrInvalidSecret is a configuration error: the MAC secret is not valid hex
// or is too short. It is fatal and never retried.
var ErrInvalidSecret = errors.New("sessions: invalid MAC secret")

// MAC computes the keyed SHA-256 digest of payload using a hex-encoded
// secret, returned as a hex string.
//
// Identifiers are passed through MAC before they ever touch storage, so a
// storage compromise yields pseudonyms rather than usable identifiers. The
// digest is a pure function of payload and secret, which keeps lookups
// idempotent.
func MAC(payload, secret string) (string, error) {
	return MACWith(sha256.New, payload, secret)
}

// MACWith is MAC with an explicit hash constructor.
func MACWith(h func() hash.Hash, payload, secret string) (string, error) {
	key, err := DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	m := hmac.New(h, key)
	m.Write([]byte(payload))
	return hex.EncodeToString(m.Sum(nil)), nil
}

// DecodeSecret validates and decodes a hex-encoded MAC secret.
func DecodeSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrInvalidSecret)
	}
	key, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex-encoded", ErrInvalidSecret)
	}
	if len(key) < minSecretBytes {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d",
			ErrInvalidSecret, minSecretBytes, len(key))
	}
	return key, nil
}
