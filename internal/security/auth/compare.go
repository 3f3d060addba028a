// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"time"
)

// =============================================================================
// CREDENTIAL HASHING
// =============================================================================

// HashSize is the size of a stored credential digest.
const HashSize = sha256.Size

// HashCredential returns the digest stored for a credential.
func HashCredential(secret []byte) [HashSize]byte {
	return sha256.Sum256(secret)
}

// ParseCredentialHash decodes a hex digest as written in the config file.
func ParseCredentialHash(s string) ([HashSize]byte, error) {
	var out [HashSize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid credential hash: %w", err)
	}
	if len(b) != HashSize {
		return out, fmt.Errorf("invalid credential hash: want %d bytes, got %d", HashSize, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// constantTimeEqual compares two digests without an early exit. Every byte
// pair is visited and the decision is made once, after the loop.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// padToMinimum blocks until at least min has elapsed since start. Sleeping
// is only accurate to about a millisecond, so the tail is spun.
func padToMinimum(start time.Time, min time.Duration) {
	remaining := min - time.Since(start)
	if remaining <= 0 {
		return
	}
	if remaining > 2*time.Millisecond {
		time.Sleep(remaining - time.Millisecond)
	}
	for time.Since(start) < min {
		runtime.Gosched()
	}
}

// =============================================================================
// SESSION IDS
// =============================================================================

// SessionIDBytes is the amount of CSPRNG output behind a session ID.
const SessionIDBytes = 32

// generateSessionID returns 32 random bytes, hex encoded (64 characters).
func generateSessionID() (string, error) {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		// Log critical security error to stderr for audit trail
		fmt.Fprintf(os.Stderr, "CRITICAL SECURITY ERROR: crypto/rand failed: %v\n", err)
		return "", fmt.Errorf("cryptographic random generation failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
