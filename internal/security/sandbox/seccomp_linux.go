// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// seccompEnforcer lowers rlimits, then installs the syscall filter on every
// thread of the process.
type seccompEnforcer struct {
	arch  uint32
	table map[string]uint32
}

func newEnforcer() enforcer {
	return seccompEnforcer{arch: auditArch, table: syscallNumbers}
}

func (seccompEnforcer) name() string { return "seccomp+rlimit" }

func (e seccompEnforcer) apply(p Policy) error {
	// Build everything that can fail before touching process state.
	filter, _, err := e.compile(p)
	if err != nil {
		return err
	}
	if err := applyRlimits(p); err != nil {
		return err
	}
	return installFilter(filter)
}

func (e seccompEnforcer) check(p Policy) (Report, error) {
	filter, allowed, err := e.compile(p)
	if err != nil {
		return Report{}, err
	}
	return Report{AllowedSyscalls: allowed, FilterInstructions: len(filter)}, nil
}

// compile resolves the allow-list and assembles the filter program.
func (e seccompEnforcer) compile(p Policy) ([]unix.SockFilter, int, error) {
	if e.table == nil {
		return nil, 0, fmt.Errorf("%w: no syscall table for %s", ErrUnsupported, runtime.GOARCH)
	}
	allowed, err := resolveSyscalls(e.table, p)
	if err != nil {
		return nil, 0, err
	}
	prog, err := buildFilter(e.arch, allowed)
	if err != nil {
		return nil, 0, err
	}
	filter, err := assemble(prog)
	if err != nil {
		return nil, 0, err
	}
	return filter, len(allowed), nil
}

// installFilter sets no_new_privs and loads the filter with TSYNC so that
// every existing thread is covered. Both calls must come from the same OS
// thread.
func installFilter(filter []unix.SockFilter) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_NO_NEW_PRIVS: %w", err)
	}

	fprog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	r, _, errno := unix.Syscall(
		unix.SYS_SECCOMP,
		unix.SECCOMP_SET_MODE_FILTER,
		unix.SECCOMP_FILTER_FLAG_TSYNC,
		uintptr(unsafe.Pointer(&fprog)),
	)
	runtime.KeepAlive(filter)
	if errno != 0 {
		return fmt.Errorf("seccomp SET_MODE_FILTER: %w", errno)
	}
	if r != 0 {
		// With TSYNC a positive result is the ID of a thread that could
		// not be synchronized.
		return fmt.Errorf("seccomp TSYNC failed on thread %d", r)
	}
	return nil
}
