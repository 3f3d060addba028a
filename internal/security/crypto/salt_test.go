// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateSalt_CreatesOnceThenReuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", DefaultSaltFile)

	first, created, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	require.True(t, created)
	require.Len(t, first, SaltSize)

	second, created, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first, second)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestLoadSalt_RejectsShortSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultSaltFile)
	require.NoError(t, os.WriteFile(path, []byte("tooshort"), 0600))

	_, _, err := LoadOrCreateSalt(path)
	require.ErrorIs(t, err, ErrSaltTooShort)

	// The bad salt must not be silently replaced.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "tooshort", string(data))
}

func TestLoadSalt_RejectsBroadPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits are not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), DefaultSaltFile)
	require.NoError(t, os.WriteFile(path, make([]byte, SaltSize), 0600))
	require.NoError(t, os.Chmod(path, 0644))

	_, err := LoadSalt(path)
	require.ErrorIs(t, err, ErrSaltPermissions)
}

func TestGenerateSalt_Unique(t *testing.T) {
	a, err := GenerateSalt()
	require.NoError(t, err)
	b, err := GenerateSalt()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
