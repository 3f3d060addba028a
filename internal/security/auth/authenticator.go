// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-guard/internal/security/audit"
	"github.com/jeranaias/rigrun-guard/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAuthenticationFailed is returned for any credential mismatch. It
	// never says whether the identity exists.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrLocked is returned while an identity is locked out.
	ErrLocked = errors.New("identity is locked due to too many failed attempts")

	// ErrRateLimited is returned when a session exceeds its request quota.
	ErrRateLimited = errors.New("session request quota exceeded")

	// ErrSessionExpired is returned for idle or over-age sessions.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionNotFound is returned for unknown or revoked session IDs.
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultIdentity names the identity used when a credential carries none.
const DefaultIdentity = "default"

// =============================================================================
// IDENTITY AND CREDENTIAL
// =============================================================================

// Identity is a registered caller. Only the credential digest is held.
type Identity struct {
	Name           string
	CredentialHash [HashSize]byte

	// Capabilities lists what sessions for this identity may be granted.
	Capabilities []string

	// TOTPSecret, when set, requires a second factor (base32, RFC 6238).
	TOTPSecret string
}

// NewIdentity hashes credential into a new Identity.
func NewIdentity(name string, credential []byte, capabilities ...string) Identity {
	return Identity{
		Name:           name,
		CredentialHash: HashCredential(credential),
		Capabilities:   capabilities,
	}
}

// Credential is what a caller presents at handshake.
type Credential struct {
	// Identity selects the lock domain. Empty means DefaultIdentity.
	Identity string

	// Secret is the opaque bearer secret.
	Secret []byte

	// OTP is the current TOTP code for identities enrolled in MFA.
	OTP string
}

// Stats summarizes authenticator state.
type Stats struct {
	Identities       int `json:"identities"`
	ActiveSessions   int `json:"active_sessions"`
	LockedIdentities int `json:"locked_identities"`
}

// =============================================================================
// AUTHENTICATOR
// =============================================================================

// Authenticator validates credentials, enforces lockout and owns sessions.
// It is safe for concurrent use.
type Authenticator struct {
	idMu       sync.RWMutex
	identities map[string]Identity

	lockouts *lockoutTable

	sessMu   sync.RWMutex
	sessions map[string]*Session

	maxFailures     int
	lockoutDuration time.Duration
	minDuration     time.Duration
	idleTimeout     time.Duration
	maxLifetime     time.Duration
	quotaPerMinute  int

	// dummyHash is compared against when the identity is unknown.
	dummyHash [HashSize]byte

	now      func() time.Time
	recorder audit.Recorder
	logger   zerolog.Logger
}

// Option is a functional option for configuring Authenticator.
type Option func(*Authenticator)

// WithMaxFailures sets the consecutive failures that trigger a lockout.
func WithMaxFailures(n int) Option {
	return func(a *Authenticator) {
		if n > 0 {
			a.maxFailures = n
		}
	}
}

// WithLockoutDuration sets the lockout window.
func WithLockoutDuration(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.lockoutDuration = d
		}
	}
}

// WithMinAuthDuration sets the minimum Authenticate duration. It cannot be
// lowered below DefaultMinAuthDuration.
func WithMinAuthDuration(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > DefaultMinAuthDuration {
			a.minDuration = d
		}
	}
}

// WithIdleTimeout sets the session idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.idleTimeout = d
		}
	}
}

// WithMaxLifetime sets the absolute session lifetime.
func WithMaxLifetime(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.maxLifetime = d
		}
	}
}

// WithQuotaPerMinute sets the per-session request quota.
func WithQuotaPerMinute(n int) Option {
	return func(a *Authenticator) {
		if n > 0 {
			a.quotaPerMinute = n
		}
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r audit.Recorder) Option {
	return func(a *Authenticator) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = l
	}
}

// WithClock overrides the clock used for lockout, expiry and quota. The
// minimum-duration floor always uses the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// New creates an authenticator for the given identities.
func New(identities []Identity, opts ...Option) *Authenticator {
	a := &Authenticator{
		identities:      make(map[string]Identity, len(identities)),
		lockouts:        newLockoutTable(),
		sessions:        make(map[string]*Session),
		maxFailures:     DefaultMaxFailures,
		lockoutDuration: DefaultLockoutDuration,
		minDuration:     DefaultMinAuthDuration,
		idleTimeout:     DefaultIdleTimeout,
		maxLifetime:     DefaultMaxLifetime,
		quotaPerMinute:  DefaultQuotaPerMinute,
		dummyHash:       HashCredential([]byte("\x00rigrun-guard-unknown-identity")),
		now:             time.Now,
		recorder:        audit.Discard,
		logger:          zerolog.Nop(),
	}
	for _, id := range identities {
		a.identities[id.Name] = id
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds or replaces an identity.
func (a *Authenticator) Register(id Identity) {
	a.idMu.Lock()
	a.identities[id.Name] = id
	a.idMu.Unlock()
}

func (a *Authenticator) lookup(name string) (Identity, bool) {
	a.idMu.RLock()
	defer a.idMu.RUnlock()
	id, ok := a.identities[name]
	return id, ok
}

// lockDomain maps a claimed name to its lockout key.
func (a *Authenticator) lockDomain(name string) string {
	if _, ok := a.lookup(name); ok {
		return name
	}
	return unknownIdentity
}

// Authenticate checks cred and opens a session granting the requested
// capabilities the identity is permitted. Every call takes at least the
// configured minimum duration, whatever the outcome.
func (a *Authenticator) Authenticate(cred Credential, requested []string) (*Session, error) {
	start := time.Now()
	defer padToMinimum(start, a.minDuration)

	name := cred.Identity
	if name == "" {
		name = DefaultIdentity
	}
	now := a.now()
	st := a.lockouts.get(a.lockDomain(name))

	st.mu.Lock()
	if st.lockedAt(now) {
		until := st.lockedUntil
		st.mu.Unlock()
		a.record(audit.SeverityWarning, audit.CategoryAuthentication, "AUTH_LOCKED", audit.OutcomeDenied, name, "",
			map[string]string{"locked_until": until.UTC().Format(time.RFC3339)})
		return nil, ErrLocked
	}

	ident, known := a.lookup(name)
	stored := a.dummyHash
	if known {
		stored = ident.CredentialHash
	}
	presented := HashCredential(cred.Secret)
	ok := constantTimeEqual(presented[:], stored[:])
	ok = ok && known

	reason := "credential"
	if ok && ident.TOTPSecret != "" {
		if !a.validateTOTP(cred.OTP, ident.TOTPSecret, now) {
			ok = false
			reason = "second_factor"
		}
	}

	if !ok {
		lockedNow := st.recordFailure(now, a.maxFailures, a.lockoutDuration)
		failures := st.failures
		st.mu.Unlock()

		a.record(audit.SeverityWarning, audit.CategoryAuthentication, "AUTH_FAILURE", audit.OutcomeFailure, name, "",
			map[string]string{"reason": reason, "consecutive_failures": strconv.Itoa(failures)})
		if lockedNow {
			a.logger.Warn().Str("identity", util.MaskIdentifier(name)).Dur("duration", a.lockoutDuration).
				Msg("identity locked after repeated failures")
			a.record(audit.SeverityError, audit.CategoryAuthentication, "AUTH_LOCKOUT", audit.OutcomeDenied, name, "",
				map[string]string{
					"max_failures": strconv.Itoa(a.maxFailures),
					"duration":     a.lockoutDuration.String(),
				})
		}
		return nil, ErrAuthenticationFailed
	}

	st.failures = 0
	st.mu.Unlock()

	id, err := generateSessionID()
	if err != nil {
		a.record(audit.SeverityCritical, audit.CategorySession, "SESSION_ID_FAILED", audit.OutcomeFailure, name, "", nil)
		return nil, err
	}

	granted, denied := intersect(requested, ident.Capabilities)
	session := newSession(id, name, granted, now, a.quotaPerMinute)

	a.sessMu.Lock()
	a.sessions[id] = session
	a.sessMu.Unlock()

	a.record(audit.SeverityInfo, audit.CategoryAuthentication, "AUTH_SUCCESS", audit.OutcomeSuccess, name, id,
		map[string]string{
			"granted": strconv.Itoa(len(granted)),
			"denied":  strconv.Itoa(denied),
			"mfa":     strconv.FormatBool(ident.TOTPSecret != ""),
		})
	return session, nil
}

// Validate admits one request on sessionID. It refreshes the idle timer on
// success and consumes one unit of the session quota.
func (a *Authenticator) Validate(sessionID string) (*Session, error) {
	now := a.now()

	a.sessMu.RLock()
	s, ok := a.sessions[sessionID]
	a.sessMu.RUnlock()
	if !ok {
		a.record(audit.SeverityWarning, audit.CategorySession, "SESSION_UNKNOWN", audit.OutcomeDenied, "", sessionID, nil)
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	if s.expiredAt(now, a.idleTimeout, a.maxLifetime) {
		s.expired = true
		s.mu.Unlock()
		a.removeSession(sessionID)
		a.record(audit.SeverityInfo, audit.CategorySession, "SESSION_EXPIRED", audit.OutcomeDenied, s.Identity, sessionID, nil)
		return nil, ErrSessionExpired
	}
	if a.lockouts.isLocked(a.lockDomain(s.Identity), now) {
		s.mu.Unlock()
		a.record(audit.SeverityWarning, audit.CategorySession, "SESSION_LOCKED", audit.OutcomeDenied, s.Identity, sessionID, nil)
		return nil, ErrLocked
	}
	if !s.quota.AllowN(now, 1) {
		s.mu.Unlock()
		a.record(audit.SeverityWarning, audit.CategorySession, "SESSION_RATE_LIMITED", audit.OutcomeDenied, s.Identity, sessionID,
			map[string]string{"quota_per_minute": strconv.Itoa(a.quotaPerMinute)})
		return nil, ErrRateLimited
	}
	s.lastSeen = now
	s.mu.Unlock()
	return s, nil
}

// SessionState reports the state a Validate call would observe, without
// consuming quota. Unknown sessions report StateExpired.
func (a *Authenticator) SessionState(sessionID string) State {
	_, st := a.Inspect(sessionID)
	return st
}

// Inspect returns the session and its state without touching LastSeenAt or
// the request quota. The session is nil when it does not exist.
func (a *Authenticator) Inspect(sessionID string) (*Session, State) {
	now := a.now()
	a.sessMu.RLock()
	s, ok := a.sessions[sessionID]
	a.sessMu.RUnlock()
	if !ok {
		return nil, StateExpired
	}

	s.mu.Lock()
	expired := s.expiredAt(now, a.idleTimeout, a.maxLifetime)
	s.mu.Unlock()
	switch {
	case expired:
		return s, StateExpired
	case a.lockouts.isLocked(a.lockDomain(s.Identity), now):
		return s, StateLocked
	default:
		return s, StateActive
	}
}

// Revoke ends a session. It returns false if the session did not exist.
func (a *Authenticator) Revoke(sessionID string) bool {
	s := a.removeSession(sessionID)
	if s == nil {
		return false
	}
	a.record(audit.SeverityInfo, audit.CategorySession, "SESSION_REVOKED", audit.OutcomeSuccess, s.Identity, sessionID, nil)
	return true
}

// RevokeIdentity ends every session of an identity and returns the count.
func (a *Authenticator) RevokeIdentity(name string) int {
	a.sessMu.Lock()
	var revoked []*Session
	for id, s := range a.sessions {
		if s.Identity == name {
			delete(a.sessions, id)
			revoked = append(revoked, s)
		}
	}
	a.sessMu.Unlock()

	for _, s := range revoked {
		s.mu.Lock()
		s.expired = true
		s.mu.Unlock()
	}
	if len(revoked) > 0 {
		a.record(audit.SeverityNotice, audit.CategorySession, "SESSIONS_REVOKED", audit.OutcomeSuccess, name, "",
			map[string]string{"count": strconv.Itoa(len(revoked))})
	}
	return len(revoked)
}

// Unlock clears an identity's lockout. Administrative use.
func (a *Authenticator) Unlock(name string) {
	a.lockouts.reset(a.lockDomain(name))
	a.record(audit.SeverityNotice, audit.CategoryAuthentication, "AUTH_UNLOCK", audit.OutcomeSuccess, name, "", nil)
}

// Sweep removes expired sessions and returns how many were removed.
func (a *Authenticator) Sweep() int {
	now := a.now()

	a.sessMu.Lock()
	var expired []*Session
	for id, s := range a.sessions {
		s.mu.Lock()
		if s.expiredAt(now, a.idleTimeout, a.maxLifetime) {
			s.expired = true
			delete(a.sessions, id)
			expired = append(expired, s)
		}
		s.mu.Unlock()
	}
	a.sessMu.Unlock()

	for _, s := range expired {
		a.record(audit.SeverityInfo, audit.CategorySession, "SESSION_EXPIRED", audit.OutcomeSuccess, s.Identity, s.ID, nil)
	}
	return len(expired)
}

// Stats returns a snapshot of authenticator state.
func (a *Authenticator) Stats() Stats {
	a.idMu.RLock()
	identities := len(a.identities)
	a.idMu.RUnlock()

	a.sessMu.RLock()
	active := len(a.sessions)
	a.sessMu.RUnlock()

	return Stats{
		Identities:       identities,
		ActiveSessions:   active,
		LockedIdentities: a.lockouts.lockedCount(a.now()),
	}
}

func (a *Authenticator) removeSession(id string) *Session {
	a.sessMu.Lock()
	s, ok := a.sessions[id]
	if ok {
		delete(a.sessions, id)
	}
	a.sessMu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.expired = true
	s.mu.Unlock()
	return s
}

func (a *Authenticator) validateTOTP(code, secret string, now time.Time) bool {
	if code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		a.logger.Debug().Err(err).Msg("totp validation error")
		return false
	}
	return ok
}

func (a *Authenticator) record(sev audit.Severity, cat audit.Category, action string, outcome audit.Outcome,
	identity, sessionID string, detail map[string]string) {
	a.recorder.Record(audit.Event{
		Severity:   sev,
		Category:   cat,
		Action:     action,
		Outcome:    outcome,
		Identity:   identity,
		SessionRef: util.RefForLog(sessionID),
		Detail:     detail,
	})
}

// intersect returns the requested capabilities that are permitted and the
// number that were not. An empty request grants everything permitted.
func intersect(requested, permitted []string) (granted []string, denied int) {
	if len(requested) == 0 {
		return append([]string(nil), permitted...), 0
	}
	allowed := make(map[string]bool, len(permitted))
	for _, p := range permitted {
		allowed[p] = true
	}
	seen := make(map[string]bool, len(requested))
	for _, r := range requested {
		if seen[r] {
			continue
		}
		seen[r] = true
		if allowed[r] {
			granted = append(granted, r)
		} else {
			denied++
		}
	}
	return granted, denied
}

// String implements fmt.Stringer without exposing the bearer ID.
func (s *Session) String() string {
	return fmt.Sprintf("session(%s, identity=%s)", util.RefForLog(s.ID), s.Identity)
}
