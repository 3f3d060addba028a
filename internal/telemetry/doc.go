// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry exposes security boundary counters as Prometheus metrics.
//
// Metrics are derived from audit events, so no component reports to this
// package directly. Register Observe with the audit sink and every recorded
// decision is counted.
//
// # Key Types
//
//   - Metrics: private registry plus the counters and gauges
//
// # Usage
//
//	m := telemetry.New()
//	sink, _ := audit.NewSink(audit.WithObserver(m.Observe))
//	...
//	m.SetAuditStats(sink.Stats())
//	_ = m.WriteTextfile("/var/lib/node_exporter/rigrun_guard.prom")
//
// # Privacy
//
// Labels carry categories, actions and outcomes only. Identities, session
// references and content never become label values.
package telemetry
