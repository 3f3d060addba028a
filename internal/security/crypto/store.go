// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-guard/internal/security/audit"
)

// =============================================================================
// KEY STORE
// =============================================================================

// KeyStore turns an operator passphrase into KeyMaterial bound to the
// installation salt.
type KeyStore struct {
	saltPath   string
	iterations int
	recorder   audit.Recorder
	logger     zerolog.Logger
}

// KeyStoreOption is a functional option for configuring KeyStore.
type KeyStoreOption func(*KeyStore)

// WithIterations sets the PBKDF2 work factor.
func WithIterations(n int) KeyStoreOption {
	return func(s *KeyStore) {
		s.iterations = n
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r audit.Recorder) KeyStoreOption {
	return func(s *KeyStore) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) KeyStoreOption {
	return func(s *KeyStore) {
		s.logger = l
	}
}

// NewKeyStore creates a key store using the salt file at saltPath.
func NewKeyStore(saltPath string, opts ...KeyStoreOption) *KeyStore {
	s := &KeyStore{
		saltPath:   saltPath,
		iterations: DefaultIterations,
		recorder:   audit.Discard,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaltPath returns the salt file location.
func (s *KeyStore) SaltPath() string {
	return s.saltPath
}

// Iterations returns the configured work factor.
func (s *KeyStore) Iterations() int {
	return s.iterations
}

// Unlock loads (or on first run creates) the salt and derives the key. The
// passphrase slice is zeroed before Unlock returns. Failures here are
// process-fatal for callers that need the vault.
func (s *KeyStore) Unlock(passphrase []byte) (*KeyMaterial, error) {
	salt, created, err := LoadOrCreateSalt(s.saltPath)
	if err != nil {
		ZeroBytes(passphrase)
		s.recorder.Record(audit.Event{
			Severity: audit.SeverityCritical,
			Category: audit.CategoryKeyMaterial,
			Action:   "SALT_LOAD_FAILED",
			Outcome:  audit.OutcomeFailure,
			Detail:   map[string]string{"error": err.Error()},
		})
		return nil, fmt.Errorf("load salt: %w", err)
	}
	defer ZeroBytes(salt)

	if created {
		s.recorder.Record(audit.Event{
			Severity: audit.SeverityNotice,
			Category: audit.CategoryKeyMaterial,
			Action:   "SALT_CREATED",
			Outcome:  audit.OutcomeSuccess,
		})
	}

	km, err := DeriveKey(passphrase, salt, s.iterations)
	if err != nil {
		s.recorder.Record(audit.Event{
			Severity: audit.SeverityCritical,
			Category: audit.CategoryKeyMaterial,
			Action:   "KEY_DERIVATION_FAILED",
			Outcome:  audit.OutcomeFailure,
			Detail:   map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	outdated := IterationsOutdated(s.iterations)
	sev := audit.SeverityInfo
	if outdated {
		sev = audit.SeverityWarning
		s.logger.Warn().Int("iterations", s.iterations).Int("recommended", DefaultIterations).
			Msg("pbkdf2 iteration count is outdated")
	}
	s.recorder.Record(audit.Event{
		Severity: sev,
		Category: audit.CategoryKeyMaterial,
		Action:   "KEY_DERIVED",
		Outcome:  audit.OutcomeSuccess,
		Detail: map[string]string{
			"iterations": strconv.Itoa(s.iterations),
			"outdated":   strconv.FormatBool(outdated),
		},
	})
	return km, nil
}
