package semantic

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"quadgate/pkg/models"
)

// Prompt is one knowledge-base entry together with its grading rubric.
type Prompt struct {
	ID             string            `toml:"id"`
	Topic          string            `toml:"topic"`
	Difficulty     models.Difficulty `toml:"difficulty"`
	Text           string            `toml:"text"`
	Required       []string          `toml:"required"`
	Optional       []string          `toml:"optional"`
	Contradictions []string          `toml:"contradictions"`
	MinWords       int               `toml:"min_words"`
}

type KnowledgeBase struct {
	Prompts []Prompt `toml:"prompts"`

	byID map[string]Prompt
}

var ErrNoPrompt = errors.New("semantic: no prompt for topic and difficulty")

// NewKnowledgeBase indexes prompts and rejects duplicates or entries without
// an id, text or difficulty.
func NewKnowledgeBase(prompts []Prompt) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{Prompts: prompts, byID: make(map[string]Prompt, len(prompts))}
	for _, p := range prompts {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("semantic: prompt missing id or text")
		}
		if _, err := ParseDifficulty(string(p.Difficulty)); err != nil {
			return nil, fmt.Errorf("semantic: prompt %s: %w", p.ID, err)
		}
		if _, dup := kb.byID[p.ID]; dup {
			return nil, fmt.Errorf("semantic: duplicate prompt id %s", p.ID)
		}
		kb.byID[p.ID] = p
	}
	if len(kb.byID) == 0 {
		return nil, fmt.Errorf("semantic: knowledge base is empty")
	}
	return kb, nil
}

// LoadKnowledgeBase reads a TOML file with [[prompts]] tables; an empty
// path yields DefaultKnowledgeBase.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultKnowledgeBase(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("semantic knowledge base not found: %s", path)
	}
	var raw struct {
		Prompts []Prompt `toml:"prompts"`
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse semantic knowledge base %s: %w", path, err)
	}
	return NewKnowledgeBase(raw.Prompts)
}

func (kb *KnowledgeBase) Prompt(id string) (Prompt, bool) {
	p, ok := kb.byID[id]
	return p, ok
}

// Select picks a prompt matching topic and difficulty. An empty topic
// matches any topic.
func (kb *KnowledgeBase) Select(topic string, difficulty models.Difficulty) (Prompt, error) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	var matches []Prompt
	for _, p := range kb.Prompts {
		if p.Difficulty != difficulty {
			continue
		}
		if topic != "" && strings.ToLower(p.Topic) != topic {
			continue
		}
		matches = append(matches, p)
	}
	if len(matches) == 0 {
		return Prompt{}, ErrNoPrompt
	}
	return matches[rand.Intn(len(matches))], nil
}

func ParseDifficulty(s string) (models.Difficulty, error) {
	switch d := models.Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard:
		return d, nil
	case "":
		return models.DifficultyMedium, nil
	default:
		return "", fmt.Errorf("unknown difficulty %q", s)
	}
}

func DefaultKnowledgeBase() *KnowledgeBase {
	kb, err := NewKnowledgeBase([]Prompt{
		{
			ID: "ops-rollback-easy", Topic: "operations", Difficulty: models.DifficultyEasy,
			Text:           "Describe the first step you take when a production deploy needs to be rolled back.",
			Required:       []string{"rollback", "deploy"},
			Optional:       []string{"previous", "release", "alert", "version"},
			Contradictions: []string{"never rollback"},
			MinWords:       8,
		},
		{
			ID: "ops-incident-medium", Topic: "operations", Difficulty: models.DifficultyMedium,
			Text:           "Walk through how the on-call rotation escalates a paging incident that is not acknowledged.",
			Required:       []string{"page", "escalate", "acknowledge"},
			Optional:       []string{"secondary", "minutes", "manager", "pagerduty", "runbook"},
			Contradictions: []string{"no escalation", "ignore"},
			MinWords:       12,
		},
		{
			ID: "ops-keys-hard", Topic: "operations", Difficulty: models.DifficultyHard,
			Text:           "Explain how signing keys for the release pipeline are rotated and where the old keys go.",
			Required:       []string{"rotate", "key", "revoke", "pipeline"},
			Optional:       []string{"vault", "hsm", "quarterly", "fingerprint", "archive"},
			Contradictions: []string{"never rotate", "shared password"},
			MinWords:       15,
		},
		{
			ID: "team-standup-easy", Topic: "team", Difficulty: models.DifficultyEasy,
			Text:           "What is discussed in the daily standup?",
			Required:       []string{"blockers", "yesterday"},
			Optional:       []string{"today", "sprint", "ticket"},
			MinWords:       6,
		},
		{
			ID: "team-review-medium", Topic: "team", Difficulty: models.DifficultyMedium,
			Text:           "Describe what a code review must check before a change is merged.",
			Required:       []string{"tests", "review", "merge"},
			Optional:       []string{"approval", "coverage", "lint", "security"},
			Contradictions: []string{"skip review"},
			MinWords:       10,
		},
		{
			ID: "team-postmortem-hard", Topic: "team", Difficulty: models.DifficultyHard,
			Text:           "Summarize how a blameless postmortem is written and who signs off on its action items.",
			Required:       []string{"timeline", "root", "cause", "action"},
			Optional:       []string{"blameless", "owner", "deadline", "followup", "impact"},
			Contradictions: []string{"who is to blame"},
			MinWords:       15,
		},
	})
	if err != nil {
		panic(err)
	}
	return kb
}
