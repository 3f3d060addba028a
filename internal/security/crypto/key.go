// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// KeySize is the size of the AES-256 key (32 bytes / 256 bits)
const KeySize = 32

const (
	// DefaultIterations is the PBKDF2-SHA-256 work factor. OWASP 2023
	// recommends 600,000+ against modern GPU cracking rigs.
	DefaultIterations = 600_000

	// MinIterations is accepted for compatibility with older installs but
	// reported as outdated.
	MinIterations = 100_000
)

var (
	// ErrKeyDestroyed is returned when key material is used after Destroy.
	ErrKeyDestroyed = errors.New("key material has been destroyed")

	// ErrIterationsTooLow rejects work factors below MinIterations.
	ErrIterationsTooLow = fmt.Errorf("pbkdf2 iterations below minimum of %d", MinIterations)
)

// ZeroBytes securely zeros sensitive byte slices to prevent memory disclosure.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// Keep the loop from being treated as a dead store.
	runtime.KeepAlive(b)
}

// IterationsOutdated reports whether n is accepted but below the default.
func IterationsOutdated(n int) bool {
	return n >= MinIterations && n < DefaultIterations
}

// =============================================================================
// KEY MATERIAL
// =============================================================================

// KeyMaterial wraps a derived key. It is safe for concurrent use; Use
// holds a read lock so Destroy waits for in-flight operations.
type KeyMaterial struct {
	mu        sync.RWMutex
	key       []byte
	salt      []byte
	destroyed bool
}

// NewKeyMaterial copies key into a new wrapper and zeros the caller's slice.
func NewKeyMaterial(key, salt []byte) *KeyMaterial {
	km := &KeyMaterial{
		key:  append(make([]byte, 0, len(key)), key...),
		salt: append([]byte(nil), salt...),
	}
	ZeroBytes(key)
	// A forgotten wrapper still gets wiped once it is unreachable.
	runtime.SetFinalizer(km, func(k *KeyMaterial) { k.Destroy() })
	return km
}

// Use runs fn with the raw key. fn must not retain the slice.
func (k *KeyMaterial) Use(fn func(key []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.destroyed {
		return ErrKeyDestroyed
	}
	return fn(k.key)
}

// Salt returns a copy of the salt the key was derived with.
func (k *KeyMaterial) Salt() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]byte(nil), k.salt...)
}

// Destroy zero-overwrites the key. Safe to call more than once.
func (k *KeyMaterial) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return
	}
	ZeroBytes(k.key)
	k.key = nil
	k.destroyed = true
}

// Destroyed reports whether Destroy has run.
func (k *KeyMaterial) Destroyed() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.destroyed
}

// =============================================================================
// KEY DERIVATION
// =============================================================================

// DeriveKey derives a 256-bit key with PBKDF2-HMAC-SHA-256. The passphrase
// slice is zeroed before DeriveKey returns, on success and on error.
func DeriveKey(passphrase, salt []byte, iterations int) (*KeyMaterial, error) {
	defer ZeroBytes(passphrase)

	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: got %d", ErrIterationsTooLow, iterations)
	}
	if len(salt) < MinSaltSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrSaltTooShort, len(salt))
	}

	key := pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New)
	return NewKeyMaterial(key, salt), nil
}
