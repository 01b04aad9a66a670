package sessions

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0xab}, SeedSize)

	first, err := Derive(seed)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	second, err := Derive(seed)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if first != second {
		t.Fatalf("same seed produced different credentials: %+v vs %+v", first, second)
	}
}

func TestDeriveOutputsIndependent(t *testing.T) {
	seed := bytes.Repeat([]byte{0x01}, SeedSize)
	creds, err := Derive(seed)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if creds.SessionID == creds.AuthKey {
		t.Fatalf("session id and auth key must differ")
	}
	if len(creds.SessionID) != 2*credentialSize || len(creds.AuthKey) != 2*credentialSize {
		t.Fatalf("unexpected credential lengths: %d, %d", len(creds.SessionID), len(creds.AuthKey))
	}
	if _, err := hex.DecodeString(creds.SessionID); err != nil {
		t.Fatalf("session id is not hex: %v", err)
	}
}

func TestDeriveDifferentSeeds(t *testing.T) {
	a, err := Derive(bytes.Repeat([]byte{0x01}, SeedSize))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b, err := Derive(bytes.Repeat([]byte{0x02}, SeedSize))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if a.SessionID == b.SessionID || a.AuthKey == b.AuthKey {
		t.Fatalf("different seeds produced overlapping credentials")
	}
}

func TestDeriveShortSeed(t *testing.T) {
	_, err := Derive([]byte("too short"))
	if !errors.Is(err, ErrDerivation) {
		t.Fatalf("expected ErrDerivation, got %v", err)
	}
}

func TestNewSeedEntropy(t *testing.T) {
	a, err := NewSeed()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b, err := NewSeed()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(a) != SeedSize {
		t.Fatalf("expected %d byte seed, got %d", SeedSize, len(a))
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two fresh seeds should not be equal")
	}
}
