package models

import (
	"crypto/ed25519"
	"time"
)

// Device is a registered client device. The sealed TOTP secret never leaves
// the registry package in serialized form.
type Device struct {
	DeviceID     string            `json:"device_id"`
	PublicKey    ed25519.PublicKey `json:"public_key"`
	Label        string            `json:"label,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	SealedTOTP   []byte            `json:"-"`
}

type ChallengeKind string

const (
	KindCrypto   ChallengeKind = "crypto"
	KindSemantic ChallengeKind = "semantic"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Challenge is a single-use, time-boxed proof request.
type Challenge struct {
	ChallengeID string         `json:"challenge_id"`
	Kind        ChallengeKind  `json:"kind"`
	DeviceID    string         `json:"device_id"`
	SessionID   string         `json:"session_id,omitempty"`
	Nonce       string         `json:"nonce,omitempty"`
	PromptID    string         `json:"prompt_id,omitempty"`
	Difficulty  Difficulty     `json:"difficulty,omitempty"`
	IssuedAt    time.Time      `json:"issued_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Consumed    bool           `json:"consumed"`
	State       ChallengeState `json:"state"`
}

// Expired reports whether now is past the challenge deadline.
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

type GateID string

const (
	GateCrypto    GateID = "Q1"
	GateBehavior  GateID = "Q2"
	GateSemantic  GateID = "Q3"
	GateIntegrity GateID = "Q4"
)

// GateResult is the one fixed shape every gate produces. Evidence must never
// carry keys, signing secrets or TOTP material.
type GateResult struct {
	Gate       GateID         `json:"gate"`
	Attempted  bool           `json:"attempted"`
	Success    bool           `json:"success"`
	Confidence int            `json:"confidence"`
	Reason     string         `json:"reason,omitempty"`
	Evidence   map[string]any `json:"evidence,omitempty"`
}

// NotAttempted is the result for a gate whose input was not supplied.
func NotAttempted(gate GateID) GateResult {
	return GateResult{Gate: gate}
}

// Failed builds an attempted, unsuccessful result carrying err's reason code.
func Failed(gate GateID, err error, evidence map[string]any) GateResult {
	return GateResult{
		Gate:      gate,
		Attempted: true,
		Reason:    ReasonCode(err),
		Evidence:  evidence,
	}
}

// Session is the server-side view of a minted session token.
type Session struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CryptoResponse struct {
	ChallengeID string `json:"challenge_id"`
	Signature   []byte `json:"signature"`
}

type SemanticResponse struct {
	ChallengeID  string         `json:"challenge_id"`
	ResponseText string         `json:"response_text"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AuthenticationRequest is the input to the decision engine.
type AuthenticationRequest struct {
	DeviceID            string            `json:"device_id"`
	TOTP                string            `json:"totp"`
	CryptoResponse      *CryptoResponse   `json:"crypto_response,omitempty"`
	SemanticResponse    *SemanticResponse `json:"semantic_response,omitempty"`
	SessionToken        string            `json:"session_token,omitempty"`
	FreeTextForBehavior string            `json:"free_text_for_behavior,omitempty"`
	Context             map[string]any    `json:"context,omitempty"`
}

// SessionID returns the session binding the caller claims through context,
// used for semantic challenge binding checks.
func (r AuthenticationRequest) SessionID() string {
	if r.Context == nil {
		return ""
	}
	if v, ok := r.Context["session_id"].(string); ok {
		return v
	}
	return ""
}

type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Decision is the engine's verdict for one AuthenticationRequest.
type Decision struct {
	DecisionID   string       `json:"decision_id"`
	Outcome      Outcome      `json:"outcome"`
	Reasons      []string     `json:"reasons"`
	SessionToken string       `json:"session_token,omitempty"`
	GateResults  []GateResult `json:"gate_results"`
	DecidedAt    time.Time    `json:"decided_at"`
}

// Public strips audit detail for the end-user channel so a denied caller
// cannot learn which gate failed.
func (d Decision) Public() Decision {
	out := Decision{
		DecisionID:   d.DecisionID,
		Outcome:      d.Outcome,
		SessionToken: d.SessionToken,
		DecidedAt:    d.DecidedAt,
		Reasons:      []string{},
		GateResults:  []GateResult{},
	}
	if d.Outcome == OutcomeDeny {
		out.Reasons = []string{"DENIED"}
	}
	return out
}
