// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-guard/internal/security/audit"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// TagSize is the GCM authentication tag size (16 bytes / 128 bits).
const TagSize = 16

var (
	// ErrDecryptionFailed indicates decryption failed (wrong key or tampered data)
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

	// ErrVaultDisabled is returned by every call after a nonce collision.
	ErrVaultDisabled = errors.New("vault disabled after nonce reuse")
)

// =============================================================================
// ENCRYPTED BLOB
// =============================================================================

// EncryptedBlob is one AES-256-GCM sealed message.
type EncryptedBlob struct {
	Nonce      [crypto.NonceSize]byte
	Ciphertext []byte
	Tag        [TagSize]byte
}

// =============================================================================
// VAULT
// =============================================================================

// Vault seals and opens blobs under a single KeyMaterial. It is safe for
// concurrent use.
type Vault struct {
	km       *crypto.KeyMaterial
	ledger   *crypto.NonceLedger
	rand     io.Reader
	recorder audit.Recorder
	logger   zerolog.Logger

	compromised atomic.Bool
}

// Option is a functional option for configuring Vault.
type Option func(*Vault)

// WithRandom overrides the nonce source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(v *Vault) {
		v.rand = r
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r audit.Recorder) Option {
	return func(v *Vault) {
		if r != nil {
			v.recorder = r
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Vault) {
		v.logger = l
	}
}

// New creates a vault. The ledger is shared with any other vault using the
// same key so collisions are detected across them.
func New(km *crypto.KeyMaterial, ledger *crypto.NonceLedger, opts ...Option) *Vault {
	v := &Vault{
		km:       km,
		ledger:   ledger,
		rand:     rand.Reader,
		recorder: audit.Discard,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Compromised reports whether a nonce collision has disabled the vault.
func (v *Vault) Compromised() bool {
	return v.compromised.Load()
}

// Encrypt seals plaintext. The tag covers the ciphertext and aad.
func (v *Vault) Encrypt(plaintext, aad []byte) (EncryptedBlob, error) {
	var blob EncryptedBlob
	if v.compromised.Load() {
		return blob, fmt.Errorf("%w: %w", ErrVaultDisabled, crypto.ErrNonceReuseDetected)
	}

	if _, err := io.ReadFull(v.rand, blob.Nonce[:]); err != nil {
		return blob, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// SECURITY: The ledger check happens before the nonce touches the key.
	if err := v.ledger.Register(blob.Nonce); err != nil {
		v.compromised.Store(true)
		v.logger.Error().Err(err).Msg("nonce reuse detected, vault disabled")
		v.recorder.Record(audit.Event{
			Severity: audit.SeverityCritical,
			Category: audit.CategoryCrypto,
			Action:   "NONCE_REUSE",
			Outcome:  audit.OutcomeFailure,
		})
		return EncryptedBlob{}, err
	}

	err := v.km.Use(func(key []byte) error {
		gcm, err := newGCM(key)
		if err != nil {
			return err
		}
		sealed := gcm.Seal(nil, blob.Nonce[:], plaintext, aad)
		split := len(sealed) - TagSize
		blob.Ciphertext = sealed[:split:split]
		copy(blob.Tag[:], sealed[split:])
		return nil
	})
	if err != nil {
		return EncryptedBlob{}, err
	}
	return blob, nil
}

// Decrypt opens blob. Any integrity failure returns ErrDecryptionFailed and
// no plaintext.
func (v *Vault) Decrypt(blob EncryptedBlob, aad []byte) ([]byte, error) {
	if v.compromised.Load() {
		return nil, fmt.Errorf("%w: %w", ErrVaultDisabled, crypto.ErrNonceReuseDetected)
	}

	var plaintext []byte
	err := v.km.Use(func(key []byte) error {
		gcm, err := newGCM(key)
		if err != nil {
			return err
		}
		sealed := make([]byte, 0, len(blob.Ciphertext)+TagSize)
		sealed = append(sealed, blob.Ciphertext...)
		sealed = append(sealed, blob.Tag[:]...)

		plaintext, err = gcm.Open(nil, blob.Nonce[:], sealed, aad)
		if err != nil {
			plaintext = nil
			return ErrDecryptionFailed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			v.recorder.Record(audit.Event{
				Severity: audit.SeverityError,
				Category: audit.CategoryCrypto,
				Action:   "DECRYPT_FAILED",
				Outcome:  audit.OutcomeFailure,
			})
		}
		return nil, err
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}
