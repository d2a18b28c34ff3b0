package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"quadgate/pkg/httpx"
	"quadgate/pkg/telemetry"
)

const (
	maxCoverage    = 60
	maxSpecificity = 25
	maxConsistency = 15

	longTokenLen = 9
)

type Score struct {
	Confidence int            `json:"confidence"`
	Components map[string]int `json:"components,omitempty"`
}

type Scorer interface {
	Score(ctx context.Context, p Prompt, text string) (Score, error)
}

// RubricScorer grades a response against the prompt's rubric. It is
// deterministic.
type RubricScorer struct{}

func (RubricScorer) Score(ctx context.Context, p Prompt, text string) (Score, error) {
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	has := func(term string) bool {
		term = strings.ToLower(strings.TrimSpace(term))
		if strings.ContainsRune(term, ' ') {
			return strings.Contains(lower, term)
		}
		if _, ok := set[term]; ok {
			return true
		}
		// accept simple inflections such as escalate/escalated/escalates
		for w := range set {
			if len(term) >= 4 && strings.HasPrefix(w, term) {
				return true
			}
		}
		return false
	}

	coverage := maxCoverage
	if len(p.Required) > 0 {
		hit := 0
		for _, t := range p.Required {
			if has(t) {
				hit++
			}
		}
		coverage = maxCoverage * hit / len(p.Required)
	}

	specificity := 0
	for _, t := range p.Optional {
		if has(t) {
			specificity += 5
		}
	}
	specificity = min(specificity, 15)
	if strings.IndexFunc(lower, unicode.IsDigit) >= 0 {
		specificity += 5
	}
	for _, w := range words {
		if len(w) >= longTokenLen {
			specificity += 5
			break
		}
	}
	specificity = min(specificity, maxSpecificity)

	consistency := 0
	contradicted := false
	for _, t := range p.Contradictions {
		if has(t) {
			contradicted = true
			break
		}
	}
	if !contradicted {
		consistency += 10
	}
	if len(words) >= p.MinWords {
		consistency += 5
	}
	if len(words) == 0 {
		consistency = 0
	}

	return Score{
		Confidence: min(coverage+specificity+consistency, 100),
		Components: map[string]int{
			"coverage":    coverage,
			"specificity": specificity,
			"consistency": consistency,
		},
	}, nil
}

// HTTPScorer delegates grading to an external service that accepts
// {prompt_id, topic, prompt, response_text} and answers with a Score.
type HTTPScorer struct {
	URL     string
	Client  *http.Client
	Retries int
}

func NewHTTPScorer(url string) *HTTPScorer {
	return &HTTPScorer{
		URL:    url,
		Client: telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}),
	}
}

func (s *HTTPScorer) Score(ctx context.Context, p Prompt, text string) (Score, error) {
	body, err := json.Marshal(map[string]string{
		"prompt_id":     p.ID,
		"topic":         p.Topic,
		"prompt":        p.Text,
		"response_text": text,
	})
	if err != nil {
		return Score{}, err
	}
	status, resp, err := httpx.RequestJSON(ctx, s.Client, http.MethodPost, s.URL, body, nil, s.Retries, 100*time.Millisecond)
	if err != nil {
		return Score{}, fmt.Errorf("semantic scorer: %w", err)
	}
	if status != http.StatusOK {
		return Score{}, fmt.Errorf("semantic scorer: status %d", status)
	}
	var out Score
	if err := json.Unmarshal(resp, &out); err != nil {
		return Score{}, fmt.Errorf("semantic scorer: decode: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 100 {
		return Score{}, fmt.Errorf("semantic scorer: confidence %d out of range", out.Confidence)
	}
	return out, nil
}
