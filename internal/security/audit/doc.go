// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records every security decision made by the guard.
//
// Events are append-only. The Sink keeps a bounded in-memory ring for
// incident queries (oldest events are evicted first), links each event to
// its predecessor with a SHA-256 (or keyed HMAC-SHA-256) hash chain, and
// hands the serialized line to a non-blocking diode writer so callers never
// wait on disk I/O. An optional SQLite Archive keeps a longer history.
//
// # Usage
//
//	sink, err := audit.NewSink(audit.WithLogFile(path), audit.WithCapacity(10000))
//	if err != nil {
//		return err
//	}
//	defer sink.Close()
//
//	sink.Record(audit.Event{
//		Severity: audit.SeverityWarning,
//		Category: audit.CategoryAuthentication,
//		Action:   "AUTH_FAILURE",
//		Outcome:  audit.OutcomeFailure,
//		Identity: "operator",
//	})
//
// Events never carry credentials, prompts, or the text that triggered a
// content decision. Detail values pass through secret redactors before
// they are stored.
package audit
