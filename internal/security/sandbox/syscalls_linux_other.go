// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build linux && !amd64 && !arm64

package sandbox

// No syscall table for this architecture; seccomp is refused.
const auditArch uint32 = 0

var syscallNumbers map[string]uint32
