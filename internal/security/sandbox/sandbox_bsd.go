// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build darwin || freebsd

package sandbox

// rlimitEnforcer caps resources only. There is no syscall filter on these
// platforms, so AllowedSyscalls and GPUEnabled have no effect.
type rlimitEnforcer struct{}

func newEnforcer() enforcer { return rlimitEnforcer{} }

func (rlimitEnforcer) name() string { return "rlimit" }

func (rlimitEnforcer) apply(p Policy) error { return applyRlimits(p) }

func (rlimitEnforcer) check(Policy) (Report, error) { return Report{}, nil }
