// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeranaias/rigrun-guard/internal/security/audit"
	"github.com/jeranaias/rigrun-guard/internal/security/auth"
)

const namespace = "rigrun_guard"

// =============================================================================
// METRICS
// =============================================================================

// Metrics holds all Prometheus metrics for the boundary.
type Metrics struct {
	auditEvents *prometheus.CounterVec
	authResults *prometheus.CounterVec
	prompts     *prometheus.CounterVec
	redactions  *prometheus.CounterVec
	vaultOps    *prometheus.CounterVec
	sandbox     *prometheus.CounterVec

	sessionsActive   prometheus.Gauge
	identitiesLocked prometheus.Gauge
	auditRetained    prometheus.Gauge
	auditEvicted     prometheus.Gauge
	writerMissed     prometheus.Gauge
	archiveDropped   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a metrics instance on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		auditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_total",
				Help:      "Audit events recorded by category, severity and outcome",
			},
			[]string{"category", "severity", "outcome"},
		),
		authResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Authentication attempts by result",
			},
			[]string{"result"},
		),
		prompts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prompts_total",
				Help:      "Prompts screened by decision",
			},
			[]string{"decision"},
		),
		redactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pii_redactions_total",
				Help:      "PII spans redacted from model output by type",
			},
			[]string{"type"},
		),
		vaultOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_operations_total",
				Help:      "Vault and key store operations by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		sandbox: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_events_total",
				Help:      "Sandbox lifecycle events by action",
			},
			[]string{"action"},
		),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Currently active sessions",
		}),
		identitiesLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities_locked",
			Help:      "Identities currently locked out",
		}),
		auditRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_retained_events",
			Help:      "Events held in the in-memory audit ring",
		}),
		auditEvicted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_evicted_events",
			Help:      "Events evicted from the in-memory audit ring",
		}),
		writerMissed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_writer_missed_lines",
			Help:      "Audit log lines dropped by the asynchronous writer",
		}),
		archiveDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_archive_dropped_events",
			Help:      "Events the archive queue could not accept",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.auditEvents, m.authResults, m.prompts, m.redactions, m.vaultOps, m.sandbox,
		m.sessionsActive, m.identitiesLocked,
		m.auditRetained, m.auditEvicted, m.writerMissed, m.archiveDropped,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// =============================================================================
// EVENT OBSERVER
// =============================================================================

// Observe counts an audit event. It is intended for audit.WithObserver.
func (m *Metrics) Observe(e audit.Event) {
	outcome := string(e.Outcome)
	if outcome == "" {
		outcome = "none"
	}
	m.auditEvents.WithLabelValues(string(e.Category), e.Severity.String(), outcome).Inc()

	switch {
	case strings.HasPrefix(e.Action, "AUTH_"):
		m.authResults.WithLabelValues(strings.ToLower(strings.TrimPrefix(e.Action, "AUTH_"))).Inc()
	case strings.HasPrefix(e.Action, "PROMPT_"):
		m.prompts.WithLabelValues(strings.ToLower(strings.TrimPrefix(e.Action, "PROMPT_"))).Inc()
	case e.Action == "PII_REDACTED":
		m.observeRedactions(e.Detail)
	case strings.HasPrefix(e.Action, "SANDBOX_"):
		m.sandbox.WithLabelValues(strings.ToLower(strings.TrimPrefix(e.Action, "SANDBOX_"))).Inc()
	case e.Category == audit.CategoryCrypto || e.Category == audit.CategoryKeyMaterial:
		m.vaultOps.WithLabelValues(strings.ToLower(e.Action), outcome).Inc()
	}
}

func (m *Metrics) observeRedactions(detail map[string]string) {
	for k, v := range detail {
		t, ok := strings.CutPrefix(k, "type.")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		m.redactions.WithLabelValues(t).Add(float64(n))
	}
}

// =============================================================================
// STATE GAUGES
// =============================================================================

// SetAuditStats publishes sink counters.
func (m *Metrics) SetAuditStats(st audit.Stats) {
	m.auditRetained.Set(float64(st.Retained))
	m.auditEvicted.Set(float64(st.Evicted))
	m.writerMissed.Set(float64(st.WriterMissed))
	m.archiveDropped.Set(float64(st.ArchiveDropped))
}

// SetAuthStats publishes authenticator state.
func (m *Metrics) SetAuthStats(st auth.Stats) {
	m.sessionsActive.Set(float64(st.ActiveSessions))
	m.identitiesLocked.Set(float64(st.LockedIdentities))
}

// WriteTextfile writes every metric in the text exposition format for the
// node exporter textfile collector. The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
