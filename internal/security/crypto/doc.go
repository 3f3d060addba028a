// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crypto holds the key material the vault encrypts models with.
//
// This package implements NIST 800-53 SC-12 and SC-28 support:
//   - SC-12: Cryptographic Key Establishment (PBKDF2-SHA-256, per-install salt)
//   - SC-28: Protection of Information at Rest (zeroized key material)
//
// # Key Lifetime
//
// A KeyMaterial is derived once per process from an operator passphrase and
// the installation salt. The key bytes are only reachable inside Use, and
// Destroy overwrites them with zeros. The NonceLedger remembers recently
// issued GCM nonces; a repeat is fatal and never retried.
//
// # Usage
//
//	store := crypto.NewKeyStore(saltPath, crypto.WithRecorder(sink))
//	km, err := store.Unlock(passphrase)
//	if err != nil {
//		return err
//	}
//	defer km.Destroy()
package crypto
