package behavior

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Profile describes how the enrolled operator writes. It is loaded from a
// TOML file such as:
//
//	[length]
//	min_words = 6
//	max_words = 60
//
//	[[keywords]]
//	term = "ledger"
//	weight = 10
//
//	[[patterns]]
//	pattern = "(?i)\\bcheers\\b"
//	weight = 10
//
//	[[trust_hints]]
//	key = "network"
//	value = "office"
//	weight = 10
type Profile struct {
	Keywords   []WeightedTerm    `toml:"keywords"`
	Patterns   []WeightedPattern `toml:"patterns"`
	Length     LengthRange       `toml:"length"`
	TrustHints []TrustHint       `toml:"trust_hints"`
}

type WeightedTerm struct {
	Term   string `toml:"term"`
	Weight int    `toml:"weight"`
}

type WeightedPattern struct {
	Pattern string `toml:"pattern"`
	Weight  int    `toml:"weight"`
}

type LengthRange struct {
	MinWords int `toml:"min_words"`
	MaxWords int `toml:"max_words"`
}

// TrustHint awards weight when the request context carries key=value.
type TrustHint struct {
	Key    string `toml:"key"`
	Value  string `toml:"value"`
	Weight int    `toml:"weight"`
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() Profile {
	return Profile{
		Keywords: []WeightedTerm{
			{Term: "deploy", Weight: 10},
			{Term: "rollback", Weight: 10},
			{Term: "pipeline", Weight: 10},
			{Term: "staging", Weight: 10},
			{Term: "checklist", Weight: 10},
			{Term: "runbook", Weight: 10},
		},
		Patterns: []WeightedPattern{
			{Pattern: `(?i)\b(thanks|cheers)\b`, Weight: 10},
			{Pattern: `(?i)\bticket\s+[A-Z]+-\d+\b`, Weight: 10},
		},
		Length: LengthRange{MinWords: 6, MaxWords: 80},
		TrustHints: []TrustHint{
			{Key: "network", Value: "corp", Weight: 10},
			{Key: "client", Value: "cli", Weight: 5},
		},
	}
}

// LoadProfile reads a profile file; an empty path yields DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultProfile(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Profile{}, fmt.Errorf("behavior profile not found: %s", path)
	}
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse behavior profile %s: %w", path, err)
	}
	return p, nil
}

type compiledPattern struct {
	re     *regexp.Regexp
	weight int
	source string
}

func (p Profile) compile() ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(p.Patterns))
	for _, wp := range p.Patterns {
		re, err := regexp.Compile(wp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("behavior: pattern %q: %w", wp.Pattern, err)
		}
		out = append(out, compiledPattern{re: re, weight: wp.Weight, source: wp.Pattern})
	}
	return out, nil
}
