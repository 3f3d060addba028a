// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-guard/internal/config"
	"github.com/jeranaias/rigrun-guard/internal/guard"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	// ExitRejected means the command ran but the input or artifact failed a
	// check: a rejected prompt, a broken audit chain, a failed doctor check.
	ExitRejected      = 2
	ExitConfigError   = 3
	ExitAuthError     = 4
	ExitSecurityError = 6
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError represents a CLI command error with context.
type CommandError struct {
	Command string
	Action  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError creates a new command error.
func NewCommandError(command, action string, err error) error {
	return &CommandError{Command: command, Action: action, Err: err}
}

// ExitError carries a specific exit status. Output has already been written.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string {
	return e.Msg
}

// errRejected reports a completed check that did not pass.
func errRejected(format string, args ...any) error {
	return &ExitError{Code: ExitRejected, Msg: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	var verrs config.ValidateErrors
	if errors.As(err, &verrs) {
		return ExitConfigError
	}
	switch guard.CodeOf(err) {
	case guard.CodeAuthenticationFailed, guard.CodeLocked, guard.CodeDecryptionFailed:
		return ExitAuthError
	case guard.CodeNonceReuse, guard.CodeSandboxFailed, guard.CodeInvalidModel:
		return ExitSecurityError
	}
	return ExitGeneralError
}
