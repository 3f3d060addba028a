// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func applyRlimits(p Policy) error {
	if p.MemoryLimit > 0 {
		v := clampInt64(p.MemoryLimit)
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_AS: %w", err)
		}
	}
	if secs := p.cpuSeconds(); secs > 0 {
		v := clampInt64(secs)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_CPU: %w", err)
		}
	}
	return nil
}
