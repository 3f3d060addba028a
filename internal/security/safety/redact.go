// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package safety

import (
	"sort"
	"strings"
)

// RedactionMarker returns the placeholder for a PII type.
func RedactionMarker(t PIIType) string {
	return "[REDACTED:" + string(t) + "]"
}

// Redact replaces every match at or above the threshold with its marker.
// Offsets refer to the normalized text, so the result is built from
// Normalize(text); Detect and Redact may be given the same raw input.
// Spans that are out of range or overlap an earlier replacement are
// skipped.
func (d *Detector) Redact(text string, matches []PiiMatch) string {
	normalized := Normalize(text)
	accepted := make([]PiiMatch, 0, len(matches))
	for _, m := range matches {
		if m.Confidence >= d.threshold && m.Start >= 0 && m.End <= len(normalized) && m.Start < m.End {
			accepted = append(accepted, m)
		}
	}
	if len(accepted) == 0 {
		return normalized
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })

	var b strings.Builder
	b.Grow(len(normalized))
	pos := 0
	for _, m := range accepted {
		if m.Start < pos {
			continue
		}
		b.WriteString(normalized[pos:m.Start])
		b.WriteString(RedactionMarker(m.Type))
		pos = m.End
	}
	b.WriteString(normalized[pos:])
	return b.String()
}

// Sanitize detects and redacts in one call. It returns the redacted text
// and every match, including those left in place.
func (d *Detector) Sanitize(text string) (string, []PiiMatch) {
	matches := d.Detect(text)
	return d.Redact(text, matches), matches
}

// Redacted counts the matches at or above the threshold.
func (d *Detector) Redacted(matches []PiiMatch) int {
	n := 0
	for _, m := range matches {
		if m.Confidence >= d.threshold {
			n++
		}
	}
	return n
}
