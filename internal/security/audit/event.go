// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SEVERITY
// =============================================================================

// Severity orders events for filtering. The zero value is SeverityInfo.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityNotice
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = [...]string{"info", "notice", "warning", "error", "critical"}

// String returns the lower-case severity name.
func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(severityNames) {
		return nil, fmt.Errorf("audit: invalid severity %d", int(s))
	}
	return []byte(severityNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("audit: unknown severity %q", name)
}

// =============================================================================
// CATEGORY AND OUTCOME
// =============================================================================

// Category groups events by the component that produced them.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategorySession        Category = "session"
	CategoryContentSafety  Category = "content_safety"
	CategoryPII            Category = "pii"
	CategoryCrypto         Category = "crypto"
	CategoryKeyMaterial    Category = "key_material"
	CategorySandbox        Category = "sandbox"
	CategorySystem         Category = "system"
)

// Outcome is the result of the audited decision.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
	OutcomeBlocked Outcome = "blocked"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is a single audit record. Fields are only ever added, never
// renamed or removed, so older exports stay readable.
type Event struct {
	// ID is a random UUIDv4 assigned by the sink.
	ID string `json:"id"`

	// Timestamp is assigned by the sink, always UTC.
	Timestamp time.Time `json:"timestamp"`

	Severity Severity `json:"severity"`
	Category Category `json:"category"`

	// Action is a short upper-case verb such as AUTH_FAILURE.
	Action string `json:"action"`

	Outcome Outcome `json:"outcome,omitempty"`

	// CorrelationID ties together the events of one request.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Identity is the claimed caller identity. Never a credential.
	Identity string `json:"identity,omitempty"`

	// SessionRef is a one-way reference to the session, not the bearer ID.
	SessionRef string `json:"session_ref,omitempty"`

	// Detail holds structured, non-secret context.
	Detail map[string]string `json:"detail,omitempty"`

	// PrevHash links this event to the serialized form of its predecessor.
	PrevHash string `json:"prev_hash"`
}

// =============================================================================
// FILTER
// =============================================================================

// Filter selects events for incident queries. Zero fields match anything.
type Filter struct {
	MinSeverity   Severity
	Categories    []Category
	Outcome       Outcome
	Action        string
	CorrelationID string
	Identity      string
	Since         time.Time
	Until         time.Time

	// Limit keeps only the most recent matches. Zero means no limit.
	Limit int
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if e.Severity < f.MinSeverity {
		return false
	}
	if len(f.Categories) > 0 {
		found := false
		for _, c := range f.Categories {
			if c == e.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Outcome != "" && f.Outcome != e.Outcome {
		return false
	}
	if f.Action != "" && f.Action != e.Action {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != e.CorrelationID {
		return false
	}
	if f.Identity != "" && f.Identity != e.Identity {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
