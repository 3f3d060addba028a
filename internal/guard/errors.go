// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package guard

import (
	"errors"

	"github.com/jeranaias/rigrun-guard/internal/security/auth"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
	"github.com/jeranaias/rigrun-guard/internal/security/safety"
	"github.com/jeranaias/rigrun-guard/internal/security/sandbox"
	"github.com/jeranaias/rigrun-guard/internal/security/vault"
)

// Code is the stable, transport-facing error classification.
type Code string

const (
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeLocked               Code = "locked"
	CodeRateLimited          Code = "rate_limited"
	CodeSessionInvalid       Code = "session_invalid"
	CodeCapabilityDenied     Code = "capability_denied"
	CodeNonceReuse           Code = "nonce_reuse"
	CodeDecryptionFailed     Code = "decryption_failed"
	CodeInvalidModel         Code = "invalid_model"
	CodeVaultLocked          Code = "vault_locked"
	CodeContentRejected      Code = "content_rejected"
	CodeSandboxFailed        Code = "sandbox_failed"
	CodeInternal             Code = "internal"
)

// Fatal reports whether the process must stop after an error with this code.
func (c Code) Fatal() bool {
	return c == CodeNonceReuse || c == CodeSandboxFailed
}

var (
	// ErrVaultLocked is returned by model operations before Unlock.
	ErrVaultLocked = errors.New("vault is locked")

	// ErrAlreadyUnlocked is returned by a second Unlock.
	ErrAlreadyUnlocked = errors.New("vault already unlocked")

	// ErrCapabilityDenied is returned when a session lacks the capability
	// a request names.
	ErrCapabilityDenied = errors.New("session lacks capability")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("boundary closed")
)

// Error is returned by every Boundary operation.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of err, or CodeInternal when err is not an *Error.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// classify maps component sentinels onto codes.
func classify(err error) Code {
	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed):
		return CodeAuthenticationFailed
	case errors.Is(err, auth.ErrLocked):
		return CodeLocked
	case errors.Is(err, auth.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, auth.ErrSessionExpired), errors.Is(err, auth.ErrSessionNotFound):
		return CodeSessionInvalid
	case errors.Is(err, ErrCapabilityDenied):
		return CodeCapabilityDenied
	case errors.Is(err, crypto.ErrNonceReuseDetected), errors.Is(err, vault.ErrVaultDisabled):
		return CodeNonceReuse
	case errors.Is(err, vault.ErrDecryptionFailed):
		return CodeDecryptionFailed
	case errors.Is(err, vault.ErrInvalidFormat),
		errors.Is(err, vault.ErrUnsupportedVersion),
		errors.Is(err, vault.ErrSaltMismatch):
		return CodeInvalidModel
	case errors.Is(err, ErrVaultLocked), errors.Is(err, crypto.ErrKeyDestroyed):
		return CodeVaultLocked
	case errors.Is(err, safety.ErrContentRejected):
		return CodeContentRejected
	case errors.Is(err, sandbox.ErrSandboxApplyFailed):
		return CodeSandboxFailed
	default:
		return CodeInternal
	}
}

// wrap returns nil for nil and an *Error otherwise.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	return &Error{Code: classify(err), Err: err}
}
