// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"sync"
	"time"
)

// =============================================================================
// AC-7 CONSTANTS
// =============================================================================

const (
	// DefaultMaxFailures is the number of consecutive failures that locks
	// an identity.
	DefaultMaxFailures = 5

	// DefaultLockoutDuration is how long a lockout lasts.
	DefaultLockoutDuration = 30 * time.Second

	// DefaultMinAuthDuration is the floor on every Authenticate call.
	DefaultMinAuthDuration = 100 * time.Microsecond

	// unknownIdentity is the shared lock domain for names that are not
	// registered, so spraying random names cannot grow the table.
	unknownIdentity = "\x00unknown"
)

// =============================================================================
// IDENTITY STATE
// =============================================================================

// identityState is the rate-limit state of one identity. Each has its own
// mutex; the table lock is only held for lookup and insert.
type identityState struct {
	mu          sync.Mutex
	failures    int
	lockedUntil time.Time
	lockouts    int
}

// lockedAt reports whether the identity is locked at now. Caller holds mu.
func (s *identityState) lockedAt(now time.Time) bool {
	return now.Before(s.lockedUntil)
}

// recordFailure bumps the counter and returns true when this failure
// triggered a lockout. Caller holds mu.
func (s *identityState) recordFailure(now time.Time, max int, d time.Duration) bool {
	s.failures++
	if s.failures < max {
		return false
	}
	s.failures = 0
	s.lockedUntil = now.Add(d)
	s.lockouts++
	return true
}

type lockoutTable struct {
	mu     sync.RWMutex
	states map[string]*identityState
}

func newLockoutTable() *lockoutTable {
	return &lockoutTable{states: make(map[string]*identityState)}
}

// get returns the state for name, creating it on first use.
func (t *lockoutTable) get(name string) *identityState {
	t.mu.RLock()
	st, ok := t.states[name]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.states[name]; ok {
		return st
	}
	st = &identityState{}
	t.states[name] = st
	return st
}

// isLocked reports whether name is currently locked.
func (t *lockoutTable) isLocked(name string, now time.Time) bool {
	t.mu.RLock()
	st, ok := t.states[name]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lockedAt(now)
}

// reset clears the failure counter and any active lockout for name.
func (t *lockoutTable) reset(name string) {
	t.mu.RLock()
	st, ok := t.states[name]
	t.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.failures = 0
	st.lockedUntil = time.Time{}
	st.mu.Unlock()
}

// lockedCount returns the number of identities locked at now.
func (t *lockoutTable) lockedCount(now time.Time) int {
	t.mu.RLock()
	states := make([]*identityState, 0, len(t.states))
	for _, st := range t.states {
		states = append(states, st)
	}
	t.mu.RUnlock()

	n := 0
	for _, st := range states {
		st.mu.Lock()
		if st.lockedAt(now) {
			n++
		}
		st.mu.Unlock()
	}
	return n
}
