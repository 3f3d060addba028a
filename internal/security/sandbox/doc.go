// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sandbox confines the host process once at startup.
//
// The strategy is chosen by build target:
//
//   - linux: address-space and CPU rlimits, then no_new_privs and a seccomp
//     allow-list applied to every thread. Anything off the list kills the
//     process.
//   - windows: the process joins a job object with memory and user time
//     limits.
//   - darwin, freebsd: rlimits only.
//   - anything else: Apply fails with ErrUnsupported.
//
// A sandbox applies at most once. There is no way to lift it.
package sandbox
