// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package safety screens prompts going into the model and completions
// coming out of it.
//
// Inbound, the InjectionFilter normalizes the prompt (NFKC, invisible code
// points removed, case and lookalike folding) and runs a single
// Aho-Corasick pass over it against a static pattern table. Matched
// severities add up to a risk score; high-risk categories reject outright.
//
// Outbound, the Detector finds personally identifiable information with a
// table of recognizers. Structured types (card numbers, SSNs, IBANs,
// addresses) must pass a checksum or range check before they are trusted.
// Redact replaces accepted spans with [REDACTED:<Type>].
//
// All tables are built once and read-only afterwards, so scanning takes no
// locks.
package safety
