// Package semantic implements the semantic challenge gate (Q3): a bound,
// time-boxed knowledge prompt graded against a rubric.
package semantic

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"quadgate/pkg/models"
	"quadgate/pkg/nonce"
)

const DefaultThreshold = 75

// TTLFor returns the response window for a difficulty.
func TTLFor(d models.Difficulty) time.Duration {
	switch d {
	case models.DifficultyEasy:
		return 180 * time.Second
	case models.DifficultyHard:
		return 60 * time.Second
	default:
		return 120 * time.Second
	}
}

// Binding ties a challenge to the device and session that requested it.
type Binding struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id,omitempty"`
}

type DeviceChecker interface {
	Get(ctx context.Context, deviceID string) (models.Device, error)
}

type Gate struct {
	Devices   DeviceChecker
	Ledger    nonce.Ledger
	KB        *KnowledgeBase
	Scorer    Scorer
	Threshold int
	Now       func() time.Time
}

func New(devices DeviceChecker, ledger nonce.Ledger, kb *KnowledgeBase, scorer Scorer) *Gate {
	if kb == nil {
		kb = DefaultKnowledgeBase()
	}
	if scorer == nil {
		scorer = RubricScorer{}
	}
	return &Gate{Devices: devices, Ledger: ledger, KB: kb, Scorer: scorer, Threshold: DefaultThreshold, Now: time.Now}
}

// GenerateChallenge issues a prompt bound to b and returns the challenge
// with the prompt text.
func (g *Gate) GenerateChallenge(ctx context.Context, topic string, difficulty models.Difficulty, b Binding) (models.Challenge, string, error) {
	if strings.TrimSpace(b.DeviceID) == "" {
		return models.Challenge{}, "", models.ErrUnknownDevice
	}
	if _, err := g.Devices.Get(ctx, b.DeviceID); err != nil {
		return models.Challenge{}, "", err
	}
	if difficulty == "" {
		difficulty = models.DifficultyMedium
	}
	p, err := g.KB.Select(topic, difficulty)
	if err != nil {
		return models.Challenge{}, "", err
	}
	id, err := nonce.NewID()
	if err != nil {
		return models.Challenge{}, "", err
	}
	now := g.Now().UTC()
	c := models.Challenge{
		ChallengeID: id,
		Kind:        models.KindSemantic,
		DeviceID:    b.DeviceID,
		SessionID:   b.SessionID,
		PromptID:    p.ID,
		Difficulty:  difficulty,
		IssuedAt:    now,
		ExpiresAt:   now.Add(TTLFor(difficulty)),
		State:       models.StateIssued,
	}
	if err := g.Ledger.Issue(ctx, c); err != nil {
		return models.Challenge{}, "", fmt.Errorf("semantic: issue: %w", err)
	}
	return c, p.Text, nil
}

// Verify consumes the challenge, checks its binding and grades the response.
// Elapsed time is measured from issued_at; a client-reported duration in
// metadata is kept as evidence only.
func (g *Gate) Verify(ctx context.Context, challengeID, responseText string, b Binding, metadata map[string]any) models.GateResult {
	now := g.Now().UTC()
	evidence := map[string]any{"challenge_id": challengeID}
	if v, ok := metadata["client_elapsed_ms"]; ok {
		evidence["client_elapsed_ms"] = v
	}
	c, err := g.Ledger.Consume(ctx, challengeID, now)
	if err != nil {
		return models.Failed(models.GateSemantic, err, evidence)
	}
	evidence["elapsed_ms"] = now.Sub(c.IssuedAt).Milliseconds()
	if c.Kind != models.KindSemantic {
		g.resolve(ctx, challengeID, models.StateFailed)
		return models.Failed(models.GateSemantic, models.ErrChallengeNotFound, evidence)
	}
	if c.DeviceID != b.DeviceID || c.SessionID != b.SessionID {
		g.resolve(ctx, challengeID, models.StateFailed)
		evidence["binding"] = bindingField(c, b)
		return models.Failed(models.GateSemantic, models.ErrBindingMismatch, evidence)
	}
	p, ok := g.KB.Prompt(c.PromptID)
	if !ok {
		g.resolve(ctx, challengeID, models.StateFailed)
		return models.Failed(models.GateSemantic, models.ErrChallengeNotFound, evidence)
	}
	evidence["prompt_id"] = p.ID
	evidence["difficulty"] = string(c.Difficulty)

	score, err := g.Scorer.Score(ctx, p, responseText)
	if err != nil {
		g.resolve(ctx, challengeID, models.StateFailed)
		if ctx.Err() != nil {
			return models.Failed(models.GateSemantic, models.Wrap(models.ErrGateTimeout, ctx.Err()), evidence)
		}
		evidence["error"] = err.Error()
		return models.Failed(models.GateSemantic, models.Wrap(models.ErrScorerError, err), evidence)
	}
	for k, v := range score.Components {
		evidence[k] = v
	}
	evidence["threshold"] = g.threshold()
	res := models.GateResult{
		Gate:       models.GateSemantic,
		Attempted:  true,
		Confidence: score.Confidence,
		Success:    score.Confidence >= g.threshold(),
		Reason:     models.ReasonOK,
		Evidence:   evidence,
	}
	if res.Success {
		g.resolve(ctx, challengeID, models.StateVerified)
	} else {
		res.Reason = models.ReasonBelowThreshold
		g.resolve(ctx, challengeID, models.StateFailed)
	}
	return res
}

func bindingField(c models.Challenge, b Binding) string {
	if c.DeviceID != b.DeviceID {
		return "device"
	}
	return "session"
}

func (g *Gate) threshold() int {
	if g.Threshold <= 0 {
		return DefaultThreshold
	}
	return g.Threshold
}

func (g *Gate) resolve(ctx context.Context, challengeID string, state models.ChallengeState) {
	if err := g.Ledger.Resolve(context.WithoutCancel(ctx), challengeID, state); err != nil {
		log.Printf("semantic: record %s for challenge failed: %v", state, err)
	}
}
