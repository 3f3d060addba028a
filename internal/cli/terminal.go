// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - Terminal detection for rigrun-guard.
//
// Every terminal query happens before the sandbox is applied: the syscall
// filter does not admit ioctl, so TTY detection and no-echo input must not
// run once a boundary is up.

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// =============================================================================
// TTY DETECTION
// =============================================================================

// isTerminal reports whether r or w is an *os.File attached to a terminal.
func isTerminal(f any) bool {
	file, ok := f.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

// =============================================================================
// COLOR OUTPUT CONTROL
// =============================================================================

var (
	colorsEnabled     bool
	colorsEnabledOnce sync.Once
)

// ColorsEnabled returns true if colored output should be used.
// Respects NO_COLOR (https://no-color.org/) and FORCE_COLOR.
func ColorsEnabled() bool {
	colorsEnabledOnce.Do(func() {
		if os.Getenv("NO_COLOR") != "" {
			colorsEnabled = false
			return
		}
		if os.Getenv("FORCE_COLOR") != "" {
			colorsEnabled = true
			return
		}
		colorsEnabled = isTerminal(os.Stdout)
	})
	return colorsEnabled
}

// GetColorProfile returns the termenv color profile. Ascii when colors are
// disabled.
func GetColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.EnvColorProfile()
}

// =============================================================================
// SECRET INPUT
// =============================================================================

// ErrNoTerminal is returned when a secret must be typed but stdin is not a
// terminal.
var ErrNoTerminal = errors.New("stdin is not a terminal")

// readSecret prompts on errOut and reads one line from in without echo.
func readSecret(in io.Reader, errOut io.Writer, prompt string) ([]byte, error) {
	file, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return nil, ErrNoTerminal
	}
	fmt.Fprint(errOut, prompt)
	secret, err := term.ReadPassword(int(file.Fd()))
	fmt.Fprintln(errOut)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return secret, nil
}
