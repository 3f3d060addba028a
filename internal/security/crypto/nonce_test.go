// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func counterNonce(i uint64) [NonceSize]byte {
	var n [NonceSize]byte
	binary.BigEndian.PutUint64(n[4:], i)
	return n
}

// =============================================================================
// NONCE LEDGER TESTS
// =============================================================================

func TestNonceLedger_DetectsReuse(t *testing.T) {
	l := NewNonceLedger(0)
	n := counterNonce(1)

	require.NoError(t, l.Register(n))
	err := l.Register(n)
	require.ErrorIs(t, err, ErrNonceReuseDetected)
	require.Equal(t, 1, l.Len())
}

func TestNonceLedger_BoundedFIFO(t *testing.T) {
	l := NewNonceLedger(3)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, l.Register(counterNonce(i)))
	}
	require.Equal(t, 3, l.Len())

	// Nonce 0 was evicted; 1..3 are still remembered.
	require.NoError(t, l.Register(counterNonce(0)))
	require.ErrorIs(t, l.Register(counterNonce(3)), ErrNonceReuseDetected)
}

func TestNonceLedger_CapacityClamped(t *testing.T) {
	require.Equal(t, DefaultLedgerSize, NewNonceLedger(-1).Cap())
	require.Equal(t, DefaultLedgerSize, NewNonceLedger(MaxLedgerSize+1).Cap())
	require.Equal(t, 50, NewNonceLedger(50).Cap())
}

func TestNonceLedger_TenThousandRandomNonces(t *testing.T) {
	l := NewNonceLedger(DefaultLedgerSize)
	for i := 0; i < 12_000; i++ {
		var n [NonceSize]byte
		_, err := rand.Read(n[:])
		require.NoError(t, err)
		require.NoError(t, l.Register(n))
	}
	require.Equal(t, DefaultLedgerSize, l.Len())
}

func TestNonceLedger_ConcurrentRegister(t *testing.T) {
	l := NewNonceLedger(DefaultLedgerSize)

	var wg sync.WaitGroup
	errs := make(chan error, 8*500)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				errs <- l.Register(counterNonce(uint64(w*1000 + i)))
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 4000, l.Len())
}

func TestNonceLedger_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "capacity")
		l := NewNonceLedger(capacity)
		ids := rapid.SliceOf(rapid.Uint64Range(0, 40)).Draw(t, "ids")

		// Model: the last `capacity` accepted nonces.
		var window []uint64
		for _, id := range ids {
			inWindow := false
			for _, w := range window {
				if w == id {
					inWindow = true
					break
				}
			}
			err := l.Register(counterNonce(id))
			if inWindow {
				if err == nil {
					t.Fatalf("reuse of %d inside window not detected", id)
				}
				continue
			}
			if err != nil {
				t.Fatalf("fresh nonce %d rejected: %v", id, err)
			}
			window = append(window, id)
			if len(window) > capacity {
				window = window[1:]
			}
		}
	})
}
