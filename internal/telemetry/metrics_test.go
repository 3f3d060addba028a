// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-guard/internal/security/audit"
	"github.com/jeranaias/rigrun-guard/internal/security/auth"
)

// value returns the sample of the named metric whose labels include want.
func value(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue next
				}
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func TestObserve_CountsByAction(t *testing.T) {
	m := New()
	sink, err := audit.NewSink(audit.WithObserver(m.Observe))
	require.NoError(t, err)
	defer sink.Close()

	sink.Record(audit.Event{Category: audit.CategoryAuthentication, Action: "AUTH_SUCCESS", Outcome: audit.OutcomeSuccess})
	sink.Record(audit.Event{Category: audit.CategoryAuthentication, Action: "AUTH_FAILURE", Outcome: audit.OutcomeFailure})
	sink.Record(audit.Event{Category: audit.CategoryAuthentication, Action: "AUTH_FAILURE", Outcome: audit.OutcomeFailure})
	sink.Record(audit.Event{Category: audit.CategoryContentSafety, Action: "PROMPT_REJECTED", Outcome: audit.OutcomeBlocked, Severity: audit.SeverityWarning})
	sink.Record(audit.Event{Category: audit.CategoryCrypto, Action: "DECRYPT_FAILED", Outcome: audit.OutcomeFailure})
	sink.Record(audit.Event{Category: audit.CategorySandbox, Action: "SANDBOX_APPLIED", Outcome: audit.OutcomeSuccess})

	assert.Equal(t, 1.0, value(t, m, "rigrun_guard_auth_attempts_total", map[string]string{"result": "success"}))
	assert.Equal(t, 2.0, value(t, m, "rigrun_guard_auth_attempts_total", map[string]string{"result": "failure"}))
	assert.Equal(t, 1.0, value(t, m, "rigrun_guard_prompts_total", map[string]string{"decision": "rejected"}))
	assert.Equal(t, 1.0, value(t, m, "rigrun_guard_vault_operations_total", map[string]string{"action": "decrypt_failed", "outcome": "failure"}))
	assert.Equal(t, 1.0, value(t, m, "rigrun_guard_sandbox_events_total", map[string]string{"action": "applied"}))
	assert.Equal(t, 1.0, value(t, m, "rigrun_guard_audit_events_total",
		map[string]string{"category": "content_safety", "severity": "warning", "outcome": "blocked"}))
}

func TestObserve_RedactionsByType(t *testing.T) {
	m := New()
	m.Observe(audit.Event{
		Category: audit.CategoryPII,
		Action:   "PII_REDACTED",
		Detail: map[string]string{
			"redactions":      "3",
			"type.Email":      "2",
			"type.CreditCard": "1",
			"type.SSN":        "garbage",
		},
	})

	assert.Equal(t, 2.0, value(t, m, "rigrun_guard_pii_redactions_total", map[string]string{"type": "Email"}))
	assert.Equal(t, 1.0, value(t, m, "rigrun_guard_pii_redactions_total", map[string]string{"type": "CreditCard"}))
	assert.Equal(t, 0.0, value(t, m, "rigrun_guard_pii_redactions_total", map[string]string{"type": "SSN"}))
}

func TestSetStats(t *testing.T) {
	m := New()
	m.SetAuditStats(audit.Stats{Retained: 10, Evicted: 4, WriterMissed: 2, ArchiveDropped: 1})
	m.SetAuthStats(auth.Stats{ActiveSessions: 3, LockedIdentities: 1})

	assert.Equal(t, 10.0, value(t, m, "rigrun_guard_audit_retained_events", nil))
	assert.Equal(t, 2.0, value(t, m, "rigrun_guard_audit_writer_missed_lines", nil))
	assert.Equal(t, 3.0, value(t, m, "rigrun_guard_sessions_active", nil))
	assert.Equal(t, 1.0, value(t, m, "rigrun_guard_identities_locked", nil))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Observe(audit.Event{Category: audit.CategoryAuthentication, Action: "AUTH_LOCKOUT", Outcome: audit.OutcomeDenied})

	path := filepath.Join(t.TempDir(), "guard.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `rigrun_guard_auth_attempts_total{result="lockout"} 1`)
	assert.Contains(t, string(data), "# HELP rigrun_guard_sessions_active")
}
