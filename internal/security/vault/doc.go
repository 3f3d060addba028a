// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vault encrypts and decrypts model files at rest.
//
// This package implements NIST 800-53 SC-28 (Protection of Information at
// Rest) with AES-256-GCM. Every encryption draws a fresh 96-bit nonce from
// the CSPRNG and registers it in a NonceLedger before use. A repeated nonce
// latches the vault into a failed state; nothing is retried.
//
// # File Format
//
//	magic "RGMV" | version u16 LE | salt_len u8 | salt
//	nonce [12] | ciphertext_len u64 LE | ciphertext | tag [16]
//
// The header (magic through salt) is authenticated as associated data, so
// any change to it fails decryption just like a change to the ciphertext.
// Decrypt is the only legitimate way to read model bytes.
package vault
