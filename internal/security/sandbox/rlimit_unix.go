// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build linux || darwin

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyRlimits lowers both the soft and hard limits so they cannot be
// raised again.
func applyRlimits(p Policy) error {
	if p.MemoryLimit > 0 {
		lim := unix.Rlimit{Cur: p.MemoryLimit, Max: p.MemoryLimit}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_AS: %w", err)
		}
	}
	if secs := p.cpuSeconds(); secs > 0 {
		lim := unix.Rlimit{Cur: secs, Max: secs}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &lim); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_CPU: %w", err)
		}
	}
	return nil
}
