// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package safety

import (
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// TYPES
// =============================================================================

// PIIType names a kind of personally identifiable information.
type PIIType string

const (
	PIICreditCard PIIType = "CreditCard"
	PIISSN        PIIType = "SSN"
	PIIEmail      PIIType = "Email"
	PIIPhone      PIIType = "Phone"
	PIIAPIKey     PIIType = "APIKey"
	PIIIPAddress  PIIType = "IPAddress"
	PIIIBAN       PIIType = "IBAN"
)

// AllPIITypes lists every recognized type.
var AllPIITypes = []PIIType{
	PIICreditCard, PIISSN, PIIEmail, PIIPhone, PIIAPIKey, PIIIPAddress, PIIIBAN,
}

// DefaultConfidenceThreshold is the lowest confidence that gets redacted.
const DefaultConfidenceThreshold = 0.5

// Confidence levels assigned by the recognizers.
const (
	confidenceValidated = 0.95
	confidenceStrong    = 0.9
	confidencePartial   = 0.6
	confidenceLoose     = 0.7
	confidenceFailed    = 0.3
)

// PiiMatch is one detected span. Start and End are byte offsets into the
// normalized text.
type PiiMatch struct {
	Type       PIIType
	Start      int
	End        int
	Confidence float64

	// Validated is set when a checksum or range check passed.
	Validated bool
}

// =============================================================================
// RECOGNIZERS
// =============================================================================

type recognizer struct {
	typ PIIType
	re  *regexp.Regexp

	// score rates a candidate. Recognizers without structure return a
	// fixed confidence.
	score func(candidate string) (confidence float64, validated bool)

	// split, when set, yields sub-spans of a candidate to rescore when the
	// whole candidate does not validate fully.
	split func(candidate string) [][2]int
}

// refine rescores the sub-spans of candidate and returns the best one that
// beats conf.
func (r recognizer) refine(candidate string, conf float64) (span [2]int, best float64, ok bool) {
	best = conf
	for _, w := range r.split(candidate) {
		c, validated := r.score(candidate[w[0]:w[1]])
		if !validated {
			continue
		}
		if c > best || (ok && c == best && w[1]-w[0] > span[1]-span[0]) {
			span, best, ok = w, c, true
		}
	}
	return span, best, ok
}

// digitGroupWindows returns every span of s made of whole digit groups,
// except s itself. Adjacent digits such as an expiry, a CVV or a quantity
// then cannot hide a card number inside a longer run.
func digitGroupWindows(s string) [][2]int {
	var groups [][2]int
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] >= '0' && s[i] <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			groups = append(groups, [2]int{start, i})
			start = -1
		}
	}
	var out [][2]int
	for i := range groups {
		for j := i; j < len(groups); j++ {
			if i == 0 && j == len(groups)-1 {
				continue
			}
			out = append(out, [2]int{groups[i][0], groups[j][1]})
		}
	}
	return out
}

func fixedScore(c float64) func(string) (float64, bool) {
	return func(string) (float64, bool) { return c, false }
}

var recognizers = []recognizer{
	{
		typ: PIICreditCard,
		re:  regexp.MustCompile(`\b\d(?:[ -]?\d){11,18}\b`),
		score: func(s string) (float64, bool) {
			digits, ok := digitsOnly(s)
			if !ok || len(digits) < 12 || len(digits) > 19 {
				return 0, false
			}
			if !luhnValid(digits) {
				return confidenceFailed, false
			}
			if knownIssuer(digits) {
				return confidenceValidated, true
			}
			return confidencePartial, true
		},
		split: digitGroupWindows,
	},
	{
		typ: PIISSN,
		re:  regexp.MustCompile(`\b\d{3}[- ]\d{2}[- ]\d{4}\b`),
		score: func(s string) (float64, bool) {
			if s[3] != s[6] {
				return confidenceFailed, false
			}
			digits, _ := digitsOnly(s)
			if ssnValid(digits) {
				return confidenceStrong, true
			}
			return confidenceFailed, false
		},
	},
	{
		typ: PIIEmail,
		re:  regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}\b`),
		score: func(s string) (float64, bool) {
			local := s[:strings.IndexByte(s, '@')]
			if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(s, "..") {
				return confidenceFailed, false
			}
			return confidenceStrong, true
		},
	},
	{
		typ: PIIPhone,
		re:  regexp.MustCompile(`(?:\+?\b1[ .\-]?(?:\(\s?\d{3}\s?\)|\d{3})|\(\s?\d{3}\s?\)|\b\d{3})[ .\-]?\d{3}[ .\-]?\d{4}\b`),
		score: func(s string) (float64, bool) {
			var b strings.Builder
			for i := 0; i < len(s); i++ {
				if s[i] >= '0' && s[i] <= '9' {
					b.WriteByte(s[i])
				}
			}
			if nanpValid(b.String()) {
				return confidenceStrong, true
			}
			return confidenceFailed, false
		},
	},
	{
		typ:   PIIPhone,
		re:    regexp.MustCompile(`\+[1-9]\d{7,14}\b`),
		score: fixedScore(confidenceLoose),
	},
	{
		typ: PIIAPIKey,
		re: regexp.MustCompile(`\b(?:sk-(?:ant-|proj-)?[A-Za-z0-9_\-]{20,}` +
			`|AKIA[0-9A-Z]{16}` +
			`|gh[pousr]_[A-Za-z0-9]{36,}` +
			`|github_pat_[A-Za-z0-9_]{40,}` +
			`|glpat-[A-Za-z0-9_\-]{20,}` +
			`|xox[abprs]-[A-Za-z0-9\-]{10,}` +
			`|AIza[0-9A-Za-z_\-]{35})`),
		score: fixedScore(confidenceValidated),
	},
	{
		typ: PIIIPAddress,
		re:  regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
		score: func(s string) (float64, bool) {
			if ipv4Valid(s) {
				return confidenceStrong, true
			}
			return confidenceFailed, false
		},
	},
	{
		typ: PIIIBAN,
		re:  regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`),
		score: func(s string) (float64, bool) {
			if ibanValid(s) {
				return confidenceValidated, true
			}
			return confidenceFailed, false
		},
	},
}

// =============================================================================
// DETECTOR
// =============================================================================

// Detector finds PII in model output. It is immutable after construction
// and safe for concurrent use.
type Detector struct {
	recognizers []recognizer
	threshold   float64
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithConfidenceThreshold sets the lowest confidence that gets redacted.
func WithConfidenceThreshold(t float64) DetectorOption {
	return func(d *Detector) {
		if t >= 0 && t <= 1 {
			d.threshold = t
		}
	}
}

// WithTypes restricts detection to the given types.
func WithTypes(types ...PIIType) DetectorOption {
	return func(d *Detector) {
		enabled := make(map[PIIType]bool, len(types))
		for _, t := range types {
			enabled[t] = true
		}
		var kept []recognizer
		for _, r := range recognizers {
			if enabled[r.typ] {
				kept = append(kept, r)
			}
		}
		d.recognizers = kept
	}
}

// NewDetector returns a Detector with every recognizer enabled.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		recognizers: recognizers,
		threshold:   DefaultConfidenceThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Threshold returns the redaction threshold.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Detect returns non-overlapping matches in text order. Matches below the
// threshold are included but will not be redacted.
func (d *Detector) Detect(text string) []PiiMatch {
	normalized := Normalize(text)

	var candidates []PiiMatch
	for _, r := range d.recognizers {
		for _, loc := range r.re.FindAllStringIndex(normalized, -1) {
			start, end := loc[0], loc[1]
			conf, validated := r.score(normalized[start:end])
			if r.split != nil && conf < confidenceValidated {
				if w, c, ok := r.refine(normalized[start:end], conf); ok {
					start, end = start+w[0], start+w[1]
					conf, validated = c, true
				}
			}
			if conf <= 0 {
				continue
			}
			candidates = append(candidates, PiiMatch{
				Type:       r.typ,
				Start:      start,
				End:        end,
				Confidence: conf,
				Validated:  validated,
			})
		}
	}
	return resolveOverlaps(candidates)
}

// resolveOverlaps keeps, among overlapping candidates, the one with the
// higher confidence, then the longer span, then the earlier start.
func resolveOverlaps(candidates []PiiMatch) []PiiMatch {
	if len(candidates) < 2 {
		return candidates
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.Start < b.Start
	})

	kept := make([]PiiMatch, 0, len(candidates))
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
