// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package safety

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultRiskThreshold is the highest total severity still accepted.
	DefaultRiskThreshold = 6

	// FilteredMarker replaces matched spans in sanitized prompts.
	FilteredMarker = "[FILTERED]"
)

// =============================================================================
// RESULTS
// =============================================================================

// InjectionMatch is one counted pattern occurrence. Start and End are byte
// offsets into ScanResult.Normalized.
type InjectionMatch struct {
	PatternID string
	Category  Category
	Severity  int
	Start     int
	End       int
}

// ScanResult is the outcome of scanning one prompt.
type ScanResult struct {
	IsSafe    bool
	RiskScore int

	// HighRisk is set when a high-risk category matched.
	HighRisk bool

	Matches []InjectionMatch

	// Normalized is the text the offsets refer to.
	Normalized string

	// Sanitized is Normalized with every matched span replaced.
	Sanitized string
}

// Categories returns the distinct matched categories, sorted.
func (r ScanResult) Categories() []Category {
	seen := make(map[Category]bool, len(r.Matches))
	var out []Category
	for _, m := range r.Matches {
		if !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, m.Category)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// FILTER
// =============================================================================

// wordRef points an automaton word back at the pattern or keyword it came
// from.
type wordRef struct {
	keyword bool
	index   int
}

// InjectionFilter scores prompts against a static pattern table. It is
// immutable after construction and safe for concurrent use.
type InjectionFilter struct {
	patterns []DetectionPattern
	words    []string
	refs     []wordRef

	// contextKeywords lists keyword indexes per pattern.
	contextKeywords [][]int
	keywordCount    int

	ac        *automaton
	threshold int
	highRisk  map[Category]bool
	marker    string
}

// FilterOption configures an InjectionFilter.
type FilterOption func(*InjectionFilter)

// WithRiskThreshold sets the highest accepted risk score.
func WithRiskThreshold(n int) FilterOption {
	return func(f *InjectionFilter) {
		if n >= 0 {
			f.threshold = n
		}
	}
}

// WithHighRiskCategories replaces the categories that reject on sight.
func WithHighRiskCategories(cats ...Category) FilterOption {
	return func(f *InjectionFilter) {
		f.highRisk = make(map[Category]bool, len(cats))
		for _, c := range cats {
			f.highRisk[c] = true
		}
	}
}

// WithMarker sets the replacement text for sanitized spans.
func WithMarker(marker string) FilterOption {
	return func(f *InjectionFilter) {
		f.marker = marker
	}
}

// NewInjectionFilter builds the automaton over every pattern and context
// keyword.
func NewInjectionFilter(patterns []DetectionPattern, opts ...FilterOption) (*InjectionFilter, error) {
	f := &InjectionFilter{
		patterns:  make([]DetectionPattern, len(patterns)),
		threshold: DefaultRiskThreshold,
		marker:    FilteredMarker,
	}
	WithHighRiskCategories(DefaultHighRiskCategories...)(f)
	for _, opt := range opts {
		opt(f)
	}

	copy(f.patterns, patterns)
	for i := range f.patterns {
		if c := f.patterns[i].Context; c != nil {
			f.patterns[i].Context = &PatternContext{
				Keywords: append([]string(nil), c.Keywords...),
				Window:   c.Window,
			}
		}
	}
	f.contextKeywords = make([][]int, len(f.patterns))
	keywordIndex := make(map[string]int)

	for i := range f.patterns {
		p := &f.patterns[i]
		if err := validatePattern(p); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.ID, err)
		}
		folded := foldPattern(p.Text)
		if folded == "" || folded == " " {
			return nil, fmt.Errorf("pattern %q: %w: folds to nothing", p.ID, ErrInvalidPattern)
		}
		f.words = append(f.words, folded)
		f.refs = append(f.refs, wordRef{index: i})

		if p.Context == nil {
			continue
		}
		for _, kw := range p.Context.Keywords {
			fk := foldPattern(kw)
			idx, ok := keywordIndex[fk]
			if !ok {
				idx = f.keywordCount
				f.keywordCount++
				keywordIndex[fk] = idx
				f.words = append(f.words, fk)
				f.refs = append(f.refs, wordRef{keyword: true, index: idx})
			}
			f.contextKeywords[i] = append(f.contextKeywords[i], idx)
		}
	}

	f.ac = buildAutomaton(f.words)
	return f, nil
}

// PatternCount returns the number of loaded patterns.
func (f *InjectionFilter) PatternCount() int {
	return len(f.patterns)
}

// Threshold returns the configured risk threshold.
func (f *InjectionFilter) Threshold() int {
	return f.threshold
}

type byteSpan struct{ start, end int }

type patternHit struct {
	pattern int
	byteSpan
}

// Scan normalizes text and scores it.
func (f *InjectionFilter) Scan(text string) ScanResult {
	normalized := Normalize(text)
	folded := fold(normalized)

	var hits []patternHit
	var keywords map[int][]byteSpan

	f.ac.scan(folded.bytes, func(word, start, end int) {
		if !atWordBoundary(folded.bytes, f.words[word], start, end) {
			return
		}
		ref := f.refs[word]
		if ref.keyword {
			if keywords == nil {
				keywords = make(map[int][]byteSpan)
			}
			keywords[ref.index] = append(keywords[ref.index], byteSpan{start, end})
			return
		}
		hits = append(hits, patternHit{pattern: ref.index, byteSpan: byteSpan{start, end}})
	})

	result := ScanResult{Normalized: normalized}
	for _, h := range hits {
		p := f.patterns[h.pattern]
		if p.Context != nil && !f.keywordNear(h, keywords, p.Context.Window) {
			continue
		}
		start, end := folded.span(h.start, h.end)
		result.Matches = append(result.Matches, InjectionMatch{
			PatternID: p.ID,
			Category:  p.Category,
			Severity:  p.Severity,
			Start:     start,
			End:       end,
		})
		result.RiskScore += p.Severity
		if f.highRisk[p.Category] {
			result.HighRisk = true
		}
	}

	sort.SliceStable(result.Matches, func(i, j int) bool {
		return result.Matches[i].Start < result.Matches[j].Start
	})
	result.IsSafe = !result.HighRisk && result.RiskScore <= f.threshold
	result.Sanitized = f.sanitize(normalized, result.Matches)
	return result
}

func (f *InjectionFilter) keywordNear(h patternHit, keywords map[int][]byteSpan, window int) bool {
	for _, kw := range f.contextKeywords[h.pattern] {
		for _, s := range keywords[kw] {
			if s.start < h.end+window && s.end > h.start-window {
				return true
			}
		}
	}
	return false
}

// sanitize replaces the union of matched spans with the marker.
func (f *InjectionFilter) sanitize(normalized string, matches []InjectionMatch) string {
	if len(matches) == 0 {
		return normalized
	}
	var b strings.Builder
	b.Grow(len(normalized))
	pos := 0
	for i := 0; i < len(matches); {
		start, end := matches[i].Start, matches[i].End
		i++
		for i < len(matches) && matches[i].Start < end {
			if matches[i].End > end {
				end = matches[i].End
			}
			i++
		}
		b.WriteString(normalized[pos:start])
		b.WriteString(f.marker)
		pos = end
	}
	b.WriteString(normalized[pos:])
	return b.String()
}

func isWordByte(c byte) bool {
	return c >= 0x80 || c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// atWordBoundary rejects occurrences that sit inside a larger word, such as
// "rot13" in "carrot13". Edges of a word that are not word characters match
// anywhere.
func atWordBoundary(text []byte, word string, start, end int) bool {
	if start > 0 && isWordByte(word[0]) && isWordByte(text[start-1]) {
		return false
	}
	if end < len(text) && isWordByte(word[len(word)-1]) && isWordByte(text[end]) {
		return false
	}
	return true
}
