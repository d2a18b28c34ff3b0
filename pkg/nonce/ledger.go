// Package nonce tracks issued challenges and enforces single use.
//
// Consume is the one compare-and-swap every gate goes through: the first
// caller flips consumed=true and receives the challenge, every later caller
// receives ErrChallengeAlreadyConsumed. Expiry is evaluated inside the same
// step, so a late first attempt still burns the challenge.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"quadgate/pkg/models"
)

type Ledger interface {
	// Issue records a fresh challenge in state issued.
	Issue(ctx context.Context, c models.Challenge) error
	// Consume marks the challenge consumed. It returns the stored challenge
	// together with ErrChallengeExpired when now is past its deadline.
	Consume(ctx context.Context, challengeID string, now time.Time) (models.Challenge, error)
	// Resolve records the terminal state reached after verification.
	Resolve(ctx context.Context, challengeID string, state models.ChallengeState) error
	// PurgeDevice drops every challenge bound to deviceID.
	PurgeDevice(ctx context.Context, deviceID string) (int, error)
	// Sweep drops challenges that expired before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// NewID returns a url-safe challenge identifier carrying 128 random bits.
func NewID() (string, error) {
	return RandomToken(16)
}

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("nonce: random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// consumeState is the state a challenge enters when consumed at now.
func consumeState(c models.Challenge, now time.Time) models.ChallengeState {
	if c.Expired(now) {
		return models.StateExpired
	}
	return models.StateAwaitingResponse
}
