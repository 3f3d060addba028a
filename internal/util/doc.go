// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the guard packages.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//   - AtomicWriteFileWithDir: Same, with explicit parent directory permissions
//   - CheckPrivatePerm: Refuses key or salt files readable by group/other
//
// Log Hygiene:
//   - MaskIdentifier: Shows only the edges of an identifier
//   - RefForLog: Short stable reference for a secret-bearing token
//
// # Usage
//
//	// Persist a salt so only the owner can read it
//	err := util.AtomicWriteFileWithDir(path, salt, 0600, 0700)
//
//	// Log a session without leaking the bearer value
//	log.Info().Str("session", util.RefForLog(sessionID)).Msg("session opened")
package util
