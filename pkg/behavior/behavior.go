// Package behavior implements the behavioral gate (Q2). It is advisory: a
// passing score counts as one quorum vote and can never authorize alone.
package behavior

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"quadgate/pkg/models"
)

const (
	DefaultThreshold = 75

	maxKeywords = 50
	maxPatterns = 20
	maxLength   = 15
	maxContext  = 15
)

// Score is a graded confidence plus the sub-scores it was built from.
type Score struct {
	Confidence int
	Components map[string]int
}

// Scorer is the pluggable scoring contract.
type Scorer interface {
	Score(ctx context.Context, text string, hints map[string]any) (Score, error)
}

// RubricScorer is deterministic: identical input always yields the same
// score.
type RubricScorer struct {
	profile  Profile
	patterns []compiledPattern
}

func NewRubricScorer(p Profile) (*RubricScorer, error) {
	compiled, err := p.compile()
	if err != nil {
		return nil, err
	}
	return &RubricScorer{profile: p, patterns: compiled}, nil
}

func (s *RubricScorer) Score(ctx context.Context, text string, hints map[string]any) (Score, error) {
	words := tokenize(text)
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}

	keywords := 0
	for _, kw := range s.profile.Keywords {
		if _, ok := seen[strings.ToLower(strings.TrimSpace(kw.Term))]; ok {
			keywords += kw.Weight
		}
	}
	patterns := 0
	for _, p := range s.patterns {
		if p.re.MatchString(text) {
			patterns += p.weight
		}
	}
	length := lengthFit(len(words), s.profile.Length)
	trust := 0
	for _, h := range s.profile.TrustHints {
		if v, ok := hints[h.Key]; ok && fmt.Sprint(v) == h.Value {
			trust += h.Weight
		}
	}

	c := map[string]int{
		"keywords": clamp(keywords, maxKeywords),
		"patterns": clamp(patterns, maxPatterns),
		"length":   length,
		"context":  clamp(trust, maxContext),
	}
	return Score{
		Confidence: clamp(c["keywords"]+c["patterns"]+c["length"]+c["context"], 100),
		Components: c,
	}, nil
}

// lengthFit gives full marks inside the range and decays proportionally
// outside it.
func lengthFit(n int, r LengthRange) int {
	if n == 0 {
		return 0
	}
	lo, hi := r.MinWords, r.MaxWords
	if lo <= 0 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	switch {
	case n < lo:
		return maxLength * n / lo
	case n > hi:
		return clamp(maxLength*hi/n, maxLength)
	default:
		return maxLength
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

type Gate struct {
	Scorer    Scorer
	Threshold int
}

func NewGate(s Scorer, threshold int) *Gate {
	return &Gate{Scorer: s, Threshold: threshold}
}

// Analyze scores text. Empty text means the gate was not attempted.
func (g *Gate) Analyze(ctx context.Context, text string, hints map[string]any) models.GateResult {
	if strings.TrimSpace(text) == "" {
		return models.NotAttempted(models.GateBehavior)
	}
	score, err := g.Scorer.Score(ctx, text, hints)
	if err != nil {
		return models.Failed(models.GateBehavior, models.Wrap(models.ErrScorerError, err), map[string]any{"error": err.Error()})
	}
	threshold := g.threshold()
	evidence := map[string]any{"threshold": threshold}
	for k, v := range score.Components {
		evidence[k] = v
	}
	res := models.GateResult{
		Gate:       models.GateBehavior,
		Attempted:  true,
		Success:    score.Confidence >= threshold,
		Confidence: score.Confidence,
		Evidence:   evidence,
		Reason:     models.ReasonOK,
	}
	if !res.Success {
		res.Reason = models.ReasonBelowThreshold
	}
	return res
}

func (g *Gate) threshold() int {
	if g.Threshold <= 0 {
		return DefaultThreshold
	}
	return g.Threshold
}
