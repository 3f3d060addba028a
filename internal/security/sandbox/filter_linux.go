// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"fmt"
	"sort"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// =============================================================================
// ALLOW-LISTS
// =============================================================================

// baseSyscalls is what the Go runtime and the guard need after startup:
// memory management, threads, signals, timers, and file access for the
// audit log and model files, and inotify for the salt watcher. No
// networking, no exec, no ptrace.
var baseSyscalls = []string{
	"read", "write", "close", "fstat", "lseek", "mmap", "mprotect", "munmap",
	"brk", "rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "pread64",
	"pwrite64", "readv", "writev", "sched_yield", "mremap", "madvise",
	"mincore", "dup", "dup3", "nanosleep", "getpid", "gettid", "tgkill",
	"tkill", "clone", "clone3", "exit", "exit_group", "futex",
	"sched_getaffinity", "set_robust_list", "get_robust_list",
	"clock_gettime", "clock_getres", "clock_nanosleep", "gettimeofday",
	"epoll_create1", "epoll_ctl", "epoll_pwait", "pipe2", "eventfd2",
	"openat", "newfstatat", "fcntl", "getrandom", "prlimit64", "uname",
	"getuid", "geteuid", "getgid", "getegid", "getppid", "sigaltstack",
	"rseq", "fsync", "fdatasync", "renameat", "unlinkat", "mkdirat",
	"fchmod", "fchmodat", "getdents64", "readlinkat", "statx", "getcwd",
	"faccessat", "faccessat2", "timer_create", "timer_settime",
	"timer_delete", "setitimer", "getitimer", "restart_syscall", "ppoll",
	"pselect6", "ftruncate", "fadvise64", "sysinfo", "getrusage",
	"inotify_init1", "inotify_add_watch", "inotify_rm_watch",
}

// legacySyscalls exist only on older ABIs such as x86_64.
var legacySyscalls = []string{
	"arch_prctl", "open", "stat", "lstat", "access", "pipe", "epoll_wait",
	"epoll_create", "rename", "unlink", "mkdir", "readlink", "poll",
	"select", "time", "getdents", "dup2", "rmdir", "chmod",
}

// gpuSyscalls are admitted when GPU offload is enabled.
var gpuSyscalls = []string{
	"ioctl", "mlock", "munlock", "mlockall", "munlockall", "memfd_create",
	"sched_setaffinity", "get_mempolicy", "set_mempolicy", "mbind", "kcmp",
}

// resolveSyscalls turns the policy's allow-list into sorted, unique
// numbers. Base and legacy names missing from the table are skipped;
// operator-supplied names must all exist.
func resolveSyscalls(table map[string]uint32, p Policy) ([]uint32, error) {
	set := make(map[uint32]bool)
	groups := [][]string{baseSyscalls, legacySyscalls}
	if p.GPUEnabled {
		groups = append(groups, gpuSyscalls)
	}
	for _, names := range groups {
		for _, name := range names {
			if nr, ok := table[name]; ok {
				set[nr] = true
			}
		}
	}
	for _, name := range p.AllowedSyscalls {
		nr, ok := table[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSyscall, name)
		}
		set[nr] = true
	}

	nrs := make([]uint32, 0, len(set))
	for nr := range set {
		nrs = append(nrs, nr)
	}
	sort.Slice(nrs, func(i, j int) bool { return nrs[i] < nrs[j] })
	return nrs, nil
}

// =============================================================================
// FILTER PROGRAM
// =============================================================================

// maxFilterSyscalls keeps every jump offset within a uint8.
const maxFilterSyscalls = 255

// Offsets into struct seccomp_data.
const (
	seccompDataNR   = 0
	seccompDataArch = 4
)

// buildFilter assembles a classic BPF program that kills the process
// unless the audit architecture matches arch and the syscall number is in
// allowed:
//
//	ld  [4]            ; arch
//	jeq arch, +1
//	ret KILL_PROCESS
//	ld  [0]            ; nr
//	jeq nr0, allow     ; one per allowed syscall
//	...
//	ret KILL_PROCESS
//	allow: ret ALLOW
func buildFilter(arch uint32, allowed []uint32) ([]bpf.Instruction, error) {
	n := len(allowed)
	if n == 0 {
		return nil, fmt.Errorf("empty syscall allow-list")
	}
	if n > maxFilterSyscalls {
		return nil, fmt.Errorf("allow-list has %d syscalls, limit is %d", n, maxFilterSyscalls)
	}

	prog := make([]bpf.Instruction, 0, n+6)
	prog = append(prog,
		bpf.LoadAbsolute{Off: seccompDataArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: arch, SkipTrue: 1},
		bpf.RetConstant{Val: unix.SECCOMP_RET_KILL_PROCESS},
		bpf.LoadAbsolute{Off: seccompDataNR, Size: 4},
	)
	for i, nr := range allowed {
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: nr, SkipTrue: uint8(n - i)})
	}
	prog = append(prog,
		bpf.RetConstant{Val: unix.SECCOMP_RET_KILL_PROCESS},
		bpf.RetConstant{Val: unix.SECCOMP_RET_ALLOW},
	)
	return prog, nil
}

// assemble converts the program into the kernel's sock_filter layout.
func assemble(prog []bpf.Instruction) ([]unix.SockFilter, error) {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("assemble filter: %w", err)
	}
	out := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		out[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return out, nil
}
