// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import "regexp"

// =============================================================================
// REDACTOR INTERFACE
// =============================================================================

// Redactor scrubs secrets out of detail values before they are recorded.
type Redactor interface {
	// Redact replaces sensitive data in the input string.
	Redact(input string) string
	// Name returns the name of this redactor.
	Name() string
}

// PatternRedactor redacts text matching a regex pattern.
type PatternRedactor struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// NewPatternRedactor creates a new pattern-based redactor.
func NewPatternRedactor(name string, pattern *regexp.Regexp, replace string) *PatternRedactor {
	return &PatternRedactor{name: name, pattern: pattern, replace: replace}
}

// Redact replaces matches with the replacement string.
func (r *PatternRedactor) Redact(input string) string {
	return r.pattern.ReplaceAllString(input, r.replace)
}

// Name returns the redactor name.
func (r *PatternRedactor) Name() string {
	return r.name
}

// =============================================================================
// BUILT-IN SECRET PATTERNS
// =============================================================================

// secretPatterns covers bearer material that could reach a detail value
// through an error string.
var secretPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	replace string
}{
	{"APIKey", regexp.MustCompile(`sk-[a-zA-Z0-9\-]{20,}`), "[API_KEY_REDACTED]"},
	{"GitHub", regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36,}`), "[GITHUB_TOKEN_REDACTED]"},
	{"AWS", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[AWS_KEY_REDACTED]"},
	{"Bearer", regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
	{"Password", regexp.MustCompile(`(?i)(password|passphrase|passwd|pwd|secret)\s*[=:]\s*\S+`), "[PASSWORD_REDACTED]"},
	{"JWT", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[JWT_REDACTED]"},
	// Session IDs are 64 hex characters.
	{"SessionID", regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`), "[SESSION_ID_REDACTED]"},
}

// DefaultRedactors returns the built-in secret redactors.
func DefaultRedactors() []Redactor {
	redactors := make([]Redactor, 0, len(secretPatterns))
	for _, sp := range secretPatterns {
		redactors = append(redactors, NewPatternRedactor(sp.name, sp.pattern, sp.replace))
	}
	return redactors
}

func redactDetail(detail map[string]string, redactors []Redactor) map[string]string {
	if len(detail) == 0 {
		return nil
	}
	out := make(map[string]string, len(detail))
	for k, v := range detail {
		for _, r := range redactors {
			v = r.Redact(v)
		}
		out[k] = v
	}
	return out
}
