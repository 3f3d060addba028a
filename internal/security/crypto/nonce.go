// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// =============================================================================
// NONCE LEDGER
// =============================================================================

// NonceSize is the size of the nonce/IV for AES-GCM (12 bytes / 96 bits)
const NonceSize = 12

const (
	// DefaultLedgerSize is the number of recent nonces remembered.
	DefaultLedgerSize = 10_000

	// MaxLedgerSize bounds the ledger regardless of configuration.
	MaxLedgerSize = 10_000
)

// ErrNonceReuseDetected means a nonce was issued twice under one key. It is
// fatal: GCM confidentiality and integrity are both lost on reuse.
var ErrNonceReuseDetected = errors.New("nonce reuse detected")

// NonceLedger is a bounded FIFO set of issued nonces. When full, the oldest
// nonce is forgotten. It is safe for concurrent use.
type NonceLedger struct {
	mu    sync.Mutex
	seen  map[[NonceSize]byte]struct{}
	order [][NonceSize]byte
	next  int
	full  bool
}

// NewNonceLedger creates a ledger holding up to capacity nonces. Values
// outside (0, MaxLedgerSize] fall back to the default.
func NewNonceLedger(capacity int) *NonceLedger {
	if capacity <= 0 || capacity > MaxLedgerSize {
		capacity = DefaultLedgerSize
	}
	return &NonceLedger{
		seen:  make(map[[NonceSize]byte]struct{}, capacity),
		order: make([][NonceSize]byte, capacity),
	}
}

// Register records nonce. It returns ErrNonceReuseDetected if the nonce is
// already in the ledger and leaves the ledger unchanged.
func (l *NonceLedger) Register(nonce [NonceSize]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[nonce]; dup {
		return fmt.Errorf("%w: %s", ErrNonceReuseDetected, hex.EncodeToString(nonce[:4]))
	}

	if l.full {
		delete(l.seen, l.order[l.next])
	}
	l.order[l.next] = nonce
	l.seen[nonce] = struct{}{}
	l.next++
	if l.next == len(l.order) {
		l.next = 0
		l.full = true
	}
	return nil
}

// Len returns the number of nonces currently remembered.
func (l *NonceLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Cap returns the ledger capacity.
func (l *NonceLedger) Cap() int {
	return len(l.order)
}
