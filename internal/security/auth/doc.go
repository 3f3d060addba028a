// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth authenticates callers and manages their sessions.
//
// This package implements NIST 800-53 IA-* and AC-* controls:
//   - IA-2: Identification and Authentication
//   - IA-2(1): Multi-factor Authentication (optional TOTP per identity)
//   - IA-5: Authenticator Management (only credential hashes are stored)
//   - AC-7: Unsuccessful Logon Attempts (per-identity lockout)
//   - AC-12: Session Termination (idle and absolute expiry)
//
// Credential checks compare SHA-256 digests with a full-length scan and
// every Authenticate call is padded to a minimum duration, so neither the
// position of the first wrong byte nor the early exit paths are visible in
// timing. Each identity has its own lock; unrelated identities never wait
// on each other.
//
// # Usage
//
//	a := auth.New([]auth.Identity{auth.NewIdentity("operator", secret, "generate")},
//		auth.WithRecorder(sink))
//	session, err := a.Authenticate(auth.Credential{Identity: "operator", Secret: secret}, nil)
//	...
//	if _, err := a.Validate(session.ID); err != nil {
//		// ErrSessionExpired, ErrLocked, ErrRateLimited, ErrSessionNotFound
//	}
package auth
