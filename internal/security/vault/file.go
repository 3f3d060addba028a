// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/jeranaias/rigrun-guard/internal/security/audit"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
	"github.com/jeranaias/rigrun-guard/internal/util"
)

// =============================================================================
// MODEL FILE FORMAT
// =============================================================================

const (
	// Magic identifies an encrypted model file.
	Magic = "RGMV"

	// FormatVersion is the current file format version.
	FormatVersion uint16 = 1

	// fixed header bytes before the salt: magic, version, salt length
	fixedHeaderSize = len(Magic) + 2 + 1
)

var (
	// ErrInvalidFormat indicates a file that is not an encrypted model.
	ErrInvalidFormat = errors.New("invalid encrypted model format")

	// ErrUnsupportedVersion indicates a format version this build cannot read.
	ErrUnsupportedVersion = errors.New("unsupported encrypted model version")

	// ErrSaltMismatch indicates a model sealed under a different installation salt.
	ErrSaltMismatch = errors.New("model was encrypted under a different salt")
)

// Header is the authenticated file header.
type Header struct {
	Version uint16
	Salt    []byte
}

// MarshalBinary encodes the header. The result is the AAD for the payload.
func (h Header) MarshalBinary() ([]byte, error) {
	if len(h.Salt) == 0 || len(h.Salt) > 255 {
		return nil, fmt.Errorf("%w: salt length %d", ErrInvalidFormat, len(h.Salt))
	}
	buf := make([]byte, 0, fixedHeaderSize+len(h.Salt))
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version)
	buf = append(buf, byte(len(h.Salt)))
	buf = append(buf, h.Salt...)
	return buf, nil
}

// ParseHeader decodes the header at the start of data and returns it with
// the number of bytes consumed.
func ParseHeader(data []byte) (Header, int, error) {
	if len(data) < fixedHeaderSize {
		return Header{}, 0, fmt.Errorf("%w: truncated header", ErrInvalidFormat)
	}
	if !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return Header{}, 0, fmt.Errorf("%w: bad magic", ErrInvalidFormat)
	}
	version := binary.LittleEndian.Uint16(data[len(Magic):])
	if version != FormatVersion {
		return Header{}, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	saltLen := int(data[len(Magic)+2])
	end := fixedHeaderSize + saltLen
	if saltLen == 0 || len(data) < end {
		return Header{}, 0, fmt.Errorf("%w: truncated salt", ErrInvalidFormat)
	}
	return Header{Version: version, Salt: append([]byte(nil), data[fixedHeaderSize:end]...)}, end, nil
}

// Seal encrypts a model into the on-disk format.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	header, err := Header{Version: FormatVersion, Salt: v.km.Salt()}.MarshalBinary()
	if err != nil {
		return nil, err
	}

	blob, err := v.Encrypt(plaintext, header)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+crypto.NonceSize+8+len(blob.Ciphertext)+TagSize)
	out = append(out, header...)
	out = append(out, blob.Nonce[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(blob.Ciphertext)))
	out = append(out, blob.Ciphertext...)
	out = append(out, blob.Tag[:]...)
	return out, nil
}

// Open decrypts a sealed model. Format errors, salt mismatches and
// integrity failures all return an error and no plaintext. A file rejected
// before decryption is recorded as MODEL_REJECTED.
func (v *Vault) Open(data []byte) ([]byte, error) {
	blob, aad, err := v.parseSealed(data)
	if err != nil {
		v.recorder.Record(audit.Event{
			Severity: audit.SeverityError,
			Category: audit.CategoryCrypto,
			Action:   "MODEL_REJECTED",
			Outcome:  audit.OutcomeFailure,
			Detail:   map[string]string{"reason": rejectReason(err)},
		})
		return nil, err
	}
	return v.Decrypt(blob, aad)
}

// parseSealed splits a sealed model into its blob and authenticated header.
func (v *Vault) parseSealed(data []byte) (EncryptedBlob, []byte, error) {
	var blob EncryptedBlob
	header, n, err := ParseHeader(data)
	if err != nil {
		return blob, nil, err
	}
	if subtle.ConstantTimeCompare(header.Salt, v.km.Salt()) != 1 {
		return blob, nil, ErrSaltMismatch
	}

	rest := data[n:]
	if len(rest) < crypto.NonceSize+8+TagSize {
		return blob, nil, fmt.Errorf("%w: truncated payload", ErrInvalidFormat)
	}
	copy(blob.Nonce[:], rest[:crypto.NonceSize])
	rest = rest[crypto.NonceSize:]

	ctLen := binary.LittleEndian.Uint64(rest)
	rest = rest[8:]
	if ctLen != uint64(len(rest)-TagSize) {
		return blob, nil, fmt.Errorf("%w: length field %d does not match payload", ErrInvalidFormat, ctLen)
	}
	blob.Ciphertext = rest[:ctLen]
	copy(blob.Tag[:], rest[ctLen:])
	return blob, data[:n], nil
}

// rejectReason names a pre-decryption failure for the audit record.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrSaltMismatch):
		return "salt_mismatch"
	case errors.Is(err, ErrUnsupportedVersion):
		return "unsupported_version"
	default:
		return "invalid_format"
	}
}

// EncryptFile seals srcPath into dstPath with 0600 permissions.
func (v *Vault) EncryptFile(srcPath, dstPath string) error {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	defer crypto.ZeroBytes(plaintext)

	return v.SaveModel(dstPath, plaintext)
}

// SaveModel seals plaintext and writes it to path with 0600 permissions.
func (v *Vault) SaveModel(path string, plaintext []byte) error {
	sealed, err := v.Seal(plaintext)
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(path, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write encrypted file: %w", err)
	}

	v.recorder.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Category: audit.CategoryCrypto,
		Action:   "MODEL_SEALED",
		Outcome:  audit.OutcomeSuccess,
		Detail:   map[string]string{"bytes": strconv.Itoa(len(plaintext))},
	})
	return nil
}

// DecryptFile opens srcPath and writes the plaintext to dstPath. Nothing is
// written unless authentication succeeds.
func (v *Vault) DecryptFile(srcPath, dstPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read encrypted file: %w", err)
	}

	plaintext, err := v.Open(data)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(plaintext)

	if err := util.AtomicWriteFile(dstPath, plaintext, 0600); err != nil {
		return fmt.Errorf("failed to write decrypted file: %w", err)
	}

	v.recorder.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Category: audit.CategoryCrypto,
		Action:   "MODEL_OPENED",
		Outcome:  audit.OutcomeSuccess,
		Detail:   map[string]string{"bytes": strconv.Itoa(len(plaintext))},
	})
	return nil
}

// LoadModel reads and decrypts a sealed model into memory.
func (v *Vault) LoadModel(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read encrypted model: %w", err)
	}
	plaintext, err := v.Open(data)
	if err != nil {
		return nil, err
	}
	v.recorder.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Category: audit.CategoryCrypto,
		Action:   "MODEL_LOADED",
		Outcome:  audit.OutcomeSuccess,
		Detail:   map[string]string{"bytes": strconv.Itoa(len(plaintext))},
	})
	return plaintext, nil
}

// IsSealed reports whether data starts with the model file magic.
func IsSealed(data []byte) bool {
	return len(data) >= len(Magic) && string(data[:len(Magic)]) == Magic
}
