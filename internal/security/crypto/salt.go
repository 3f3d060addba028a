// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/rigrun-guard/internal/util"
)

// =============================================================================
// SALT PERSISTENCE
// =============================================================================

const (
	// SaltSize is the size of a newly generated salt.
	SaltSize = 32

	// MinSaltSize is the smallest salt accepted from disk.
	MinSaltSize = 16

	// DefaultSaltFile is the salt file name inside the data directory.
	DefaultSaltFile = ".rigrun-guard-salt"
)

var (
	// ErrSaltTooShort indicates a salt shorter than MinSaltSize.
	ErrSaltTooShort = errors.New("salt too short")

	// ErrSaltPermissions indicates a salt file readable by other users.
	ErrSaltPermissions = errors.New("salt file permissions too broad")
)

// GenerateSalt returns SaltSize bytes from the system CSPRNG.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// LoadSalt reads an existing salt. A short salt or a salt file readable by
// group or other is refused rather than regenerated, since a new salt would
// orphan every model encrypted under the old one.
func LoadSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(salt) < MinSaltSize {
		ZeroBytes(salt)
		return nil, fmt.Errorf("%w: %s holds %d bytes, need %d", ErrSaltTooShort, path, len(salt), MinSaltSize)
	}
	if err := util.CheckPrivatePerm(path); err != nil {
		ZeroBytes(salt)
		return nil, fmt.Errorf("%w: %v", ErrSaltPermissions, err)
	}
	return salt, nil
}

// LoadOrCreateSalt loads the salt at path, creating it with 0600 file and
// 0700 directory permissions if it does not exist yet.
func LoadOrCreateSalt(path string) (salt []byte, created bool, err error) {
	salt, err = LoadSalt(path)
	if err == nil {
		return salt, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	salt, err = GenerateSalt()
	if err != nil {
		return nil, false, err
	}
	if err := util.AtomicWriteFileWithDir(path, salt, 0600, 0700); err != nil {
		return nil, false, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, true, nil
}
