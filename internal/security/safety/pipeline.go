// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package safety

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-guard/internal/security/audit"
)

// ErrContentRejected is returned when a prompt fails screening.
var ErrContentRejected = errors.New("content rejected")

// Rejection reasons.
const (
	ReasonHighRiskCategory = "high_risk_category"
	ReasonRiskThreshold    = "risk_threshold_exceeded"
)

// =============================================================================
// REQUESTS AND VERDICTS
// =============================================================================

// PromptRequest carries an inbound prompt.
type PromptRequest struct {
	CorrelationID string
	Identity      string
	SessionRef    string
	Prompt        string
}

// PromptVerdict is the inbound decision.
type PromptVerdict struct {
	Accepted bool
	Reason   string

	// SanitizedPrompt is what may be forwarded. Empty when rejected.
	SanitizedPrompt string

	RiskScore  int
	Categories []Category

	// PIIRedactions counts inbound PII spans removed.
	PIIRedactions int
}

// Err returns ErrContentRejected with the reason, or nil when accepted.
func (v PromptVerdict) Err() error {
	if v.Accepted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrContentRejected, v.Reason)
}

// OutputRequest carries a raw completion.
type OutputRequest struct {
	CorrelationID string
	Identity      string
	SessionRef    string
	Output        string
}

// OutputVerdict is the outbound decision. Output is never rejected, only
// redacted.
type OutputVerdict struct {
	SanitizedOutput string
	PIIFound        bool
	Redactions      int

	// Types lists the redacted PII types, sorted.
	Types []PIIType
}

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline screens prompts and completions and audits each decision.
type Pipeline struct {
	filter   *InjectionFilter
	detector *Detector

	sanitizePrompts bool
	redactPromptPII bool

	recorder audit.Recorder
	logger   zerolog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithSanitizePrompts controls whether accepted prompts have matched spans
// replaced before forwarding. Enabled by default.
func WithSanitizePrompts(enabled bool) PipelineOption {
	return func(p *Pipeline) { p.sanitizePrompts = enabled }
}

// WithPromptPIIRedaction also redacts PII in accepted prompts.
func WithPromptPIIRedaction(enabled bool) PipelineOption {
	return func(p *Pipeline) { p.redactPromptPII = enabled }
}

// WithRecorder sets the audit destination.
func WithRecorder(r audit.Recorder) PipelineOption {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline combines a filter and a detector.
func NewPipeline(filter *InjectionFilter, detector *Detector, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		filter:          filter,
		detector:        detector,
		sanitizePrompts: true,
		recorder:        audit.Discard,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Filter returns the injection filter.
func (p *Pipeline) Filter() *InjectionFilter { return p.filter }

// Detector returns the PII detector.
func (p *Pipeline) Detector() *Detector { return p.detector }

// CheckPrompt screens an inbound prompt.
func (p *Pipeline) CheckPrompt(req PromptRequest) PromptVerdict {
	res := p.filter.Scan(req.Prompt)
	v := PromptVerdict{
		Accepted:   res.IsSafe,
		RiskScore:  res.RiskScore,
		Categories: res.Categories(),
	}

	if !res.IsSafe {
		v.Reason = ReasonRiskThreshold
		if res.HighRisk {
			v.Reason = ReasonHighRiskCategory
		}
		p.recordPrompt(req, res, v, audit.SeverityWarning, audit.OutcomeBlocked, "PROMPT_REJECTED")
		p.logger.Debug().
			Str("correlation_id", req.CorrelationID).
			Int("risk_score", res.RiskScore).
			Str("reason", v.Reason).
			Msg("prompt rejected")
		return v
	}

	forward := res.Normalized
	if p.sanitizePrompts {
		forward = res.Sanitized
	}
	if p.redactPromptPII {
		var matches []PiiMatch
		forward, matches = p.detector.Sanitize(forward)
		v.PIIRedactions = p.detector.Redacted(matches)
	}
	v.SanitizedPrompt = forward

	sev := audit.SeverityInfo
	action := "PROMPT_ACCEPTED"
	if len(res.Matches) > 0 || v.PIIRedactions > 0 {
		sev = audit.SeverityNotice
		action = "PROMPT_SANITIZED"
	}
	p.recordPrompt(req, res, v, sev, audit.OutcomeSuccess, action)
	return v
}

func (p *Pipeline) recordPrompt(req PromptRequest, res ScanResult, v PromptVerdict, sev audit.Severity, outcome audit.Outcome, action string) {
	detail := map[string]string{
		"risk_score":  strconv.Itoa(res.RiskScore),
		"threshold":   strconv.Itoa(p.filter.Threshold()),
		"match_count": strconv.Itoa(len(res.Matches)),
	}
	if len(v.Categories) > 0 {
		detail["categories"] = joinCategories(v.Categories)
	}
	if v.Reason != "" {
		detail["reason"] = v.Reason
	}
	if v.PIIRedactions > 0 {
		detail["pii_redactions"] = strconv.Itoa(v.PIIRedactions)
	}
	p.recorder.Record(audit.Event{
		Severity:      sev,
		Category:      audit.CategoryContentSafety,
		Action:        action,
		Outcome:       outcome,
		CorrelationID: req.CorrelationID,
		Identity:      req.Identity,
		SessionRef:    req.SessionRef,
		Detail:        detail,
	})
}

// CheckOutput redacts PII from a completion.
func (p *Pipeline) CheckOutput(req OutputRequest) OutputVerdict {
	sanitized, matches := p.detector.Sanitize(req.Output)
	v := OutputVerdict{SanitizedOutput: sanitized}

	counts := make(map[PIIType]int)
	for _, m := range matches {
		if m.Confidence >= p.detector.Threshold() {
			counts[m.Type]++
			v.Redactions++
		}
	}
	v.PIIFound = v.Redactions > 0
	for t := range counts {
		v.Types = append(v.Types, t)
	}
	sort.Slice(v.Types, func(i, j int) bool { return v.Types[i] < v.Types[j] })

	detail := map[string]string{
		"redactions":      strconv.Itoa(v.Redactions),
		"below_threshold": strconv.Itoa(len(matches) - v.Redactions),
	}
	for t, n := range counts {
		detail["type."+string(t)] = strconv.Itoa(n)
	}

	sev := audit.SeverityInfo
	action := "OUTPUT_CLEAN"
	if v.PIIFound {
		sev = audit.SeverityNotice
		action = "PII_REDACTED"
	}
	p.recorder.Record(audit.Event{
		Severity:      sev,
		Category:      audit.CategoryPII,
		Action:        action,
		Outcome:       audit.OutcomeSuccess,
		CorrelationID: req.CorrelationID,
		Identity:      req.Identity,
		SessionRef:    req.SessionRef,
		Detail:        detail,
	})
	return v
}

func joinCategories(cats []Category) string {
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
