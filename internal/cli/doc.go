// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-guard command line.
//
// # Commands Overview
//
//   - init: write the default configuration, create the key salt and
//     optionally an identity with a generated credential
//   - hash-credential: digest a credential for the identities table
//   - vault encrypt|decrypt|status: seal and open model files
//   - scan: screen prompts for injection attempts
//   - pii: detect and redact PII
//   - audit verify|query|export: audit log integrity and search
//   - sandbox check: compile (and optionally apply) the sandbox policy
//   - doctor: health checks for the whole installation
//   - version
//
// Every command accepts --json and writes a single JSONResponse envelope
// for SIEM ingestion. Checks that complete but do not pass exit with
// status 2 (ExitRejected).
//
// Terminal access (TTY detection, no-echo passphrase input) happens before
// a boundary is built: once the sandbox is applied the syscall filter does
// not admit terminal ioctls.
package cli
