package models

import "time"

// HTTP wire shapes shared by quadgated and pkg/client.

type CryptoChallengeRequest struct {
	DeviceID string `json:"device_id"`
}

type SemanticChallengeRequest struct {
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// ChallengeResponse is what a client needs to answer a challenge. Nonce is
// set for crypto challenges, Prompt for semantic ones.
type ChallengeResponse struct {
	ChallengeID string        `json:"challenge_id"`
	Kind        ChallengeKind `json:"kind"`
	Nonce       string        `json:"nonce,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	Difficulty  Difficulty    `json:"difficulty,omitempty"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

func NewChallengeResponse(c Challenge, prompt string) ChallengeResponse {
	return ChallengeResponse{
		ChallengeID: c.ChallengeID,
		Kind:        c.Kind,
		Nonce:       c.Nonce,
		Prompt:      prompt,
		Difficulty:  c.Difficulty,
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
	}
}

// RegisterDeviceRequest carries the Ed25519 public key (base64 in JSON) and
// the base32 TOTP secret produced at enrollment.
type RegisterDeviceRequest struct {
	DeviceID   string `json:"device_id"`
	PublicKey  []byte `json:"public_key"`
	TOTPSecret string `json:"totp_secret"`
	Label      string `json:"label,omitempty"`
}
