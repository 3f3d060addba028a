// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package safety

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// CATEGORIES
// =============================================================================

// Category classifies a detection pattern.
type Category string

const (
	CategoryInstructionOverride    Category = "instruction_override"
	CategoryJailbreak              Category = "jailbreak"
	CategorySystemPromptExtraction Category = "system_prompt_extraction"
	CategoryRoleManipulation       Category = "role_manipulation"
	CategoryDataExfiltration       Category = "data_exfiltration"
	CategoryEncodingEvasion        Category = "encoding_evasion"
)

var knownCategories = map[Category]bool{
	CategoryInstructionOverride:    true,
	CategoryJailbreak:              true,
	CategorySystemPromptExtraction: true,
	CategoryRoleManipulation:       true,
	CategoryDataExfiltration:       true,
	CategoryEncodingEvasion:        true,
}

// DefaultHighRiskCategories reject a prompt on any single match.
var DefaultHighRiskCategories = []Category{CategoryInstructionOverride, CategoryJailbreak}

// =============================================================================
// PATTERNS
// =============================================================================

const (
	MinSeverity = 1
	MaxSeverity = 5

	// DefaultContextWindow applies when a context block omits its window.
	DefaultContextWindow = 40
)

// ErrInvalidPattern is returned for malformed pattern tables.
var ErrInvalidPattern = errors.New("invalid detection pattern")

// PatternContext restricts a pattern to text near one of its keywords.
type PatternContext struct {
	Keywords []string `yaml:"keywords"`
	Window   int      `yaml:"window"`
}

// DetectionPattern is one entry of the injection table.
type DetectionPattern struct {
	ID       string          `yaml:"id"`
	Text     string          `yaml:"text"`
	Category Category        `yaml:"category"`
	Severity int             `yaml:"severity"`
	Context  *PatternContext `yaml:"context,omitempty"`
}

type patternFile struct {
	Version  int                `yaml:"version"`
	Patterns []DetectionPattern `yaml:"patterns"`
}

//go:embed patterns.yaml
var defaultPatternsYAML []byte

// DefaultPatterns returns a fresh copy of the built-in table.
func DefaultPatterns() []DetectionPattern {
	patterns, err := ParsePatterns(defaultPatternsYAML)
	if err != nil {
		panic(fmt.Sprintf("safety: built-in pattern table: %v", err))
	}
	return patterns
}

// ParsePatterns decodes and validates a YAML pattern table.
func ParsePatterns(data []byte) ([]DetectionPattern, error) {
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if pf.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported table version %d", ErrInvalidPattern, pf.Version)
	}
	for i := range pf.Patterns {
		if err := validatePattern(&pf.Patterns[i]); err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
	}
	return pf.Patterns, nil
}

// LoadPatternFile reads an operator-supplied table.
func LoadPatternFile(path string) ([]DetectionPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}
	return ParsePatterns(data)
}

func validatePattern(p *DetectionPattern) error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidPattern)
	}
	if !knownCategories[p.Category] {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidPattern, p.Category)
	}
	if p.Severity < MinSeverity || p.Severity > MaxSeverity {
		return fmt.Errorf("%w: severity %d out of range %d..%d", ErrInvalidPattern, p.Severity, MinSeverity, MaxSeverity)
	}
	if p.ID == "" {
		p.ID = string(p.Category) + ":" + p.Text
	}
	if p.Context != nil {
		if len(p.Context.Keywords) == 0 {
			return fmt.Errorf("%w: context without keywords", ErrInvalidPattern)
		}
		for _, k := range p.Context.Keywords {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("%w: empty context keyword", ErrInvalidPattern)
			}
		}
		if p.Context.Window <= 0 {
			p.Context.Window = DefaultContextWindow
		}
	}
	return nil
}
