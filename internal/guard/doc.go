// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package guard composes the security components into one boundary.
//
// A Boundary owns every piece of shared state: the audit sink, the nonce
// ledger, the identity table and the key material. Transport code calls
// Handshake once per caller, then PreInference and PostInference around
// each request to the inference engine.
//
// # Request Flow
//
//	credential + prompt
//	  -> Handshake (session)
//	  -> PreInference (injection screening, optional prompt PII redaction)
//	  -> inference engine (not part of this package)
//	  -> PostInference (output PII redaction)
//
// Every decision is recorded by the audit sink. Errors returned by the
// boundary are *Error values carrying a stable Code for the transport.
//
// # Fatal Conditions
//
// Sandbox failure and nonce reuse are fatal: the caller should log the
// error and exit. Code.Fatal reports which codes these are.
package guard
