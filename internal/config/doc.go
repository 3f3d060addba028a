// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the rigrun-guard configuration.
//
// The file is TOML. Missing sections fall back to built-in defaults and
// environment variables override the file.
//
// # Key Types
//
//   - Config: the complete configuration
//   - AuthConfig: identities, lockout and session limits
//   - VaultConfig: salt location and key derivation cost
//   - SafetyConfig: injection threshold and PII settings
//   - AuditConfig: log, archive and retention
//   - SandboxConfig: resource ceilings and syscall admissions
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RIGRUN_GUARD_*)
//   - the file given with --config, or ~/.rigrun-guard/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, w := range cfg.Warnings() {
//	    log.Println(w)
//	}
package config
