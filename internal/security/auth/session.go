// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// AC-12 CONSTANTS
// =============================================================================

const (
	// DefaultIdleTimeout expires a session after this much inactivity.
	DefaultIdleTimeout = 15 * time.Minute

	// DefaultMaxLifetime expires a session regardless of activity.
	DefaultMaxLifetime = 12 * time.Hour

	// DefaultQuotaPerMinute is the per-session request quota.
	DefaultQuotaPerMinute = 1000
)

// =============================================================================
// SESSION STATE
// =============================================================================

// State is the lifecycle state of a session.
type State int

const (
	StateActive State = iota
	StateLocked
	StateExpired
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateLocked:
		return "locked"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// =============================================================================
// SESSION
// =============================================================================

// Session is an authenticated caller context. ID is a bearer secret: log
// it only through util.RefForLog.
type Session struct {
	// ID is 32 CSPRNG bytes, hex encoded.
	ID string

	// Identity is the authenticated identity name.
	Identity string

	// Capabilities are the granted subset of the requested capabilities.
	Capabilities []string

	// CreatedAt is when the session was opened.
	CreatedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	expired  bool

	// quota is the rolling per-session request budget.
	quota *rate.Limiter
}

func newSession(id, identity string, caps []string, now time.Time, perMinute int) *Session {
	return &Session{
		ID:           id,
		Identity:     identity,
		Capabilities: caps,
		CreatedAt:    now,
		lastSeen:     now,
		quota:        rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

// LastSeen returns the time of the last accepted request.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// HasCapability reports whether the session was granted c.
func (s *Session) HasCapability(c string) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// expiredAt reports whether the session has expired at now. Caller holds mu.
func (s *Session) expiredAt(now time.Time, idle, lifetime time.Duration) bool {
	if s.expired {
		return true
	}
	if idle > 0 && now.Sub(s.lastSeen) > idle {
		return true
	}
	if lifetime > 0 && now.Sub(s.CreatedAt) > lifetime {
		return true
	}
	return false
}
