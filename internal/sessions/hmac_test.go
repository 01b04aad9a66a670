package sessions

import (
	"errors"
	"strings"
	"testing"
)

// 16 bytes, hex-encoded.
const testSecret = "000102030405060708090a0b0c0d0e0f"

func TestMACDeterministic(t *testing.T) {
	a, err := MAC("alice@example.com", testSecret)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b, err := MAC("alice@example.com", testSecret)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if a != b {
		t.Fatalf("same payload and secret produced different digests: %q vs %q", a, b)
	}
}

func TestMACSensitivity(t *testing.T) {
	base, err := MAC("payload", testSecret)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	changedPayload, err := MAC("paylOad", testSecret)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if changedPayload == base {
		t.Fatalf("changing the payload must change the digest")
	}

	otherSecret := strings.Replace(testSecret, "00", "ff", 1)
	changedSecret, err := MAC("payload", otherSecret)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if changedSecret == base {
		t.Fatalf("changing the secret must change the digest")
	}
}

func TestMACInvalidSecret(t *testing.T) {
	cases := []struct {
		name   string
		secret string
	}{
		{"empty", ""},
		{"not hex", "zzzz"},
		{"too short", "0011223344"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := MAC("payload", tc.secret); !errors.Is(err, ErrInvalidSecret) {
				t.Fatalf("expected ErrInvalidSecret, got %v", err)
			}
		})
	}
}
