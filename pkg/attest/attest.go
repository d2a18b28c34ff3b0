// Package attest implements the cryptographic attestation gate (Q1): the
// device signs a server-issued nonce with its registered Ed25519 key.
package attest

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"time"

	"quadgate/pkg/models"
	"quadgate/pkg/nonce"
)

const DefaultTTL = 60 * time.Second

type KeyLookup interface {
	Lookup(ctx context.Context, deviceID string) (ed25519.PublicKey, error)
}

type Gate struct {
	Keys   KeyLookup
	Ledger nonce.Ledger
	TTL    time.Duration
	Now    func() time.Time
}

func New(keys KeyLookup, ledger nonce.Ledger) *Gate {
	return &Gate{Keys: keys, Ledger: ledger, TTL: DefaultTTL, Now: time.Now}
}

// IssueChallenge records a fresh crypto challenge for a registered device.
func (g *Gate) IssueChallenge(ctx context.Context, deviceID string) (models.Challenge, error) {
	if _, err := g.Keys.Lookup(ctx, deviceID); err != nil {
		return models.Challenge{}, err
	}
	id, err := nonce.NewID()
	if err != nil {
		return models.Challenge{}, err
	}
	n, err := nonce.RandomToken(32)
	if err != nil {
		return models.Challenge{}, err
	}
	now := g.Now().UTC()
	c := models.Challenge{
		ChallengeID: id,
		Kind:        models.KindCrypto,
		DeviceID:    deviceID,
		Nonce:       n,
		IssuedAt:    now,
		ExpiresAt:   now.Add(g.ttl()),
		State:       models.StateIssued,
	}
	if err := g.Ledger.Issue(ctx, c); err != nil {
		return models.Challenge{}, fmt.Errorf("attest: issue: %w", err)
	}
	return c, nil
}

// Verify consumes the challenge and checks the signature. The challenge is
// burned whatever the outcome.
func (g *Gate) Verify(ctx context.Context, challengeID, deviceID string, signature []byte) models.GateResult {
	evidence := map[string]any{"challenge_id": challengeID}
	c, err := g.Ledger.Consume(ctx, challengeID, g.Now().UTC())
	if err != nil {
		return models.Failed(models.GateCrypto, err, evidence)
	}
	if c.Kind != models.KindCrypto {
		g.resolve(ctx, challengeID, models.StateFailed)
		return models.Failed(models.GateCrypto, models.ErrChallengeNotFound, evidence)
	}
	if c.DeviceID != deviceID {
		g.resolve(ctx, challengeID, models.StateFailed)
		evidence["binding"] = "device"
		return models.Failed(models.GateCrypto, models.ErrBindingMismatch, evidence)
	}
	pub, err := g.Keys.Lookup(ctx, deviceID)
	if err != nil {
		g.resolve(ctx, challengeID, models.StateFailed)
		return models.Failed(models.GateCrypto, err, evidence)
	}
	payload, err := SignaturePayload(c.ChallengeID, c.Nonce)
	if err != nil {
		g.resolve(ctx, challengeID, models.StateFailed)
		return models.Failed(models.GateCrypto, err, evidence)
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(pub, payload, signature) {
		g.resolve(ctx, challengeID, models.StateFailed)
		evidence["signature_len"] = len(signature)
		return models.Failed(models.GateCrypto, models.ErrSignatureInvalid, evidence)
	}
	g.resolve(ctx, challengeID, models.StateVerified)
	return models.GateResult{
		Gate:       models.GateCrypto,
		Attempted:  true,
		Success:    true,
		Confidence: 100,
		Reason:     models.ReasonOK,
		Evidence:   evidence,
	}
}

func (g *Gate) resolve(ctx context.Context, challengeID string, state models.ChallengeState) {
	if err := g.Ledger.Resolve(ctx, challengeID, state); err != nil {
		log.Printf("attest: record %s for challenge failed: %v", state, err)
	}
}

func (g *Gate) ttl() time.Duration {
	if g.TTL <= 0 {
		return DefaultTTL
	}
	return g.TTL
}

// SignaturePayload is the canonical JSON {"challenge_id":…,"nonce":…} the
// device signs.
func SignaturePayload(challengeID, nonceValue string) ([]byte, error) {
	canon, err := models.Canonical(struct {
		ChallengeID string `json:"challenge_id"`
		Nonce       string `json:"nonce"`
	}{ChallengeID: challengeID, Nonce: nonceValue})
	if err != nil {
		return nil, fmt.Errorf("canonicalize signature payload: %w", err)
	}
	return canon, nil
}

// Sign produces the signature a device submits for c.
func Sign(priv ed25519.PrivateKey, challengeID, nonceValue string) ([]byte, error) {
	payload, err := SignaturePayload(challengeID, nonceValue)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, payload), nil
}
