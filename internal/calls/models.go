package calls

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// CallType distinguishes audio-only calls from audio+video calls.
type CallType string

const (
	CallTypeAudio      CallType = "audio"
	CallTypeAudioVideo CallType = "audio-video"
)

// ParseCallType validates a call type supplied by a client.
func ParseCallType(name string) (CallType, error) {
	switch t := CallType(name); t {
	case CallTypeAudio, CallTypeAudioVideo:
		return t, nil
	default:
		return "", fmt.Errorf("call type %q is invalid, should be one of: audio, audio-video", name)
	}
}

// Call is the stored metadata of one attempted or active communication.
// Every field is immutable after creation; lifecycle progress lives in a
// separate Progress record that may expire independently.
//
// The caller's provider token is deliberately absent: it is single-use,
// returned once to the initiating caller, and never persisted.
type Call struct {
	CallID string `json:"call_id"`

	CallerID           string   `json:"caller_id"`
	CalleeFriendlyName string   `json:"callee_friendly_name,omitempty"`
	CallType           CallType `json:"call_type"`
	Subject            string   `json:"subject,omitempty"`

	// Credentials issued by the external session provider.
	SessionID   string `json:"session_id"`
	APIKey      string `json:"api_key"`
	CalleeToken string `json:"callee_token"`

	// Tokens authorizing a signaling connection to drive one side of the
	// call.
	WSCallerToken string `json:"ws_caller_token"`
	WSCalleeToken string `json:"ws_callee_token"`

	// CallToken is the call-url token used to initiate the call, if any.
	CallToken string `json:"call_token,omitempty"`

	// Timestamp is the creation time in milliseconds since epoch. It orders
	// a user's pending calls and doubles as the push-notification version.
	Timestamp int64 `json:"timestamp"`
}

// CreatedCall bundles a stored call with the single-use caller-side
// provider token.
type CreatedCall struct {
	Call        Call
	CallerToken string
}

// randomHex returns n random bytes hex-encoded; call ids and signaling
// tokens all carry 16 bytes of entropy.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("calls: entropy source failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
