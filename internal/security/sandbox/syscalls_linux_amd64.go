// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import "golang.org/x/sys/unix"

const auditArch uint32 = unix.AUDIT_ARCH_X86_64

// syscallNumbers maps the syscall names an allow-list may use to their
// numbers on this architecture.
var syscallNumbers = map[string]uint32{
	"accept4":           unix.SYS_ACCEPT4,
	"access":            unix.SYS_ACCESS,
	"arch_prctl":        unix.SYS_ARCH_PRCTL,
	"bind":              unix.SYS_BIND,
	"bpf":               unix.SYS_BPF,
	"brk":               unix.SYS_BRK,
	"capget":            unix.SYS_CAPGET,
	"capset":            unix.SYS_CAPSET,
	"chdir":             unix.SYS_CHDIR,
	"chmod":             unix.SYS_CHMOD,
	"chroot":            unix.SYS_CHROOT,
	"clock_getres":      unix.SYS_CLOCK_GETRES,
	"clock_gettime":     unix.SYS_CLOCK_GETTIME,
	"clock_nanosleep":   unix.SYS_CLOCK_NANOSLEEP,
	"clone":             unix.SYS_CLONE,
	"clone3":            unix.SYS_CLONE3,
	"close":             unix.SYS_CLOSE,
	"connect":           unix.SYS_CONNECT,
	"copy_file_range":   unix.SYS_COPY_FILE_RANGE,
	"dup":               unix.SYS_DUP,
	"dup2":              unix.SYS_DUP2,
	"dup3":              unix.SYS_DUP3,
	"epoll_create":      unix.SYS_EPOLL_CREATE,
	"epoll_create1":     unix.SYS_EPOLL_CREATE1,
	"epoll_ctl":         unix.SYS_EPOLL_CTL,
	"epoll_pwait":       unix.SYS_EPOLL_PWAIT,
	"epoll_wait":        unix.SYS_EPOLL_WAIT,
	"eventfd2":          unix.SYS_EVENTFD2,
	"execve":            unix.SYS_EXECVE,
	"exit":              unix.SYS_EXIT,
	"exit_group":        unix.SYS_EXIT_GROUP,
	"faccessat":         unix.SYS_FACCESSAT,
	"faccessat2":        unix.SYS_FACCESSAT2,
	"fadvise64":         unix.SYS_FADVISE64,
	"fchdir":            unix.SYS_FCHDIR,
	"fchmod":            unix.SYS_FCHMOD,
	"fchmodat":          unix.SYS_FCHMODAT,
	"fchown":            unix.SYS_FCHOWN,
	"fchownat":          unix.SYS_FCHOWNAT,
	"fcntl":             unix.SYS_FCNTL,
	"fdatasync":         unix.SYS_FDATASYNC,
	"flock":             unix.SYS_FLOCK,
	"fstat":             unix.SYS_FSTAT,
	"fsync":             unix.SYS_FSYNC,
	"ftruncate":         unix.SYS_FTRUNCATE,
	"futex":             unix.SYS_FUTEX,
	"get_mempolicy":     unix.SYS_GET_MEMPOLICY,
	"get_robust_list":   unix.SYS_GET_ROBUST_LIST,
	"getcwd":            unix.SYS_GETCWD,
	"getdents":          unix.SYS_GETDENTS,
	"getdents64":        unix.SYS_GETDENTS64,
	"getegid":           unix.SYS_GETEGID,
	"geteuid":           unix.SYS_GETEUID,
	"getgid":            unix.SYS_GETGID,
	"getitimer":         unix.SYS_GETITIMER,
	"getpeername":       unix.SYS_GETPEERNAME,
	"getpid":            unix.SYS_GETPID,
	"getppid":           unix.SYS_GETPPID,
	"getrandom":         unix.SYS_GETRANDOM,
	"getrusage":         unix.SYS_GETRUSAGE,
	"getsockname":       unix.SYS_GETSOCKNAME,
	"getsockopt":        unix.SYS_GETSOCKOPT,
	"gettid":            unix.SYS_GETTID,
	"gettimeofday":      unix.SYS_GETTIMEOFDAY,
	"getuid":            unix.SYS_GETUID,
	"inotify_add_watch": unix.SYS_INOTIFY_ADD_WATCH,
	"inotify_init1":     unix.SYS_INOTIFY_INIT1,
	"inotify_rm_watch":  unix.SYS_INOTIFY_RM_WATCH,
	"io_uring_enter":    unix.SYS_IO_URING_ENTER,
	"io_uring_register": unix.SYS_IO_URING_REGISTER,
	"io_uring_setup":    unix.SYS_IO_URING_SETUP,
	"ioctl":             unix.SYS_IOCTL,
	"kcmp":              unix.SYS_KCMP,
	"kill":              unix.SYS_KILL,
	"linkat":            unix.SYS_LINKAT,
	"listen":            unix.SYS_LISTEN,
	"lseek":             unix.SYS_LSEEK,
	"lstat":             unix.SYS_LSTAT,
	"madvise":           unix.SYS_MADVISE,
	"mbind":             unix.SYS_MBIND,
	"membarrier":        unix.SYS_MEMBARRIER,
	"memfd_create":      unix.SYS_MEMFD_CREATE,
	"mincore":           unix.SYS_MINCORE,
	"mkdir":             unix.SYS_MKDIR,
	"mkdirat":           unix.SYS_MKDIRAT,
	"mlock":             unix.SYS_MLOCK,
	"mlockall":          unix.SYS_MLOCKALL,
	"mmap":              unix.SYS_MMAP,
	"mount":             unix.SYS_MOUNT,
	"mprotect":          unix.SYS_MPROTECT,
	"mq_open":           unix.SYS_MQ_OPEN,
	"mremap":            unix.SYS_MREMAP,
	"msgctl":            unix.SYS_MSGCTL,
	"msgget":            unix.SYS_MSGGET,
	"msgrcv":            unix.SYS_MSGRCV,
	"msgsnd":            unix.SYS_MSGSND,
	"msync":             unix.SYS_MSYNC,
	"munlock":           unix.SYS_MUNLOCK,
	"munlockall":        unix.SYS_MUNLOCKALL,
	"munmap":            unix.SYS_MUNMAP,
	"name_to_handle_at": unix.SYS_NAME_TO_HANDLE_AT,
	"nanosleep":         unix.SYS_NANOSLEEP,
	"newfstatat":        unix.SYS_NEWFSTATAT,
	"open":              unix.SYS_OPEN,
	"open_by_handle_at": unix.SYS_OPEN_BY_HANDLE_AT,
	"openat":            unix.SYS_OPENAT,
	"perf_event_open":   unix.SYS_PERF_EVENT_OPEN,
	"personality":       unix.SYS_PERSONALITY,
	"pipe":              unix.SYS_PIPE,
	"pipe2":             unix.SYS_PIPE2,
	"pivot_root":        unix.SYS_PIVOT_ROOT,
	"poll":              unix.SYS_POLL,
	"ppoll":             unix.SYS_PPOLL,
	"prctl":             unix.SYS_PRCTL,
	"pread64":           unix.SYS_PREAD64,
	"prlimit64":         unix.SYS_PRLIMIT64,
	"process_vm_readv":  unix.SYS_PROCESS_VM_READV,
	"process_vm_writev": unix.SYS_PROCESS_VM_WRITEV,
	"pselect6":          unix.SYS_PSELECT6,
	"ptrace":            unix.SYS_PTRACE,
	"pwrite64":          unix.SYS_PWRITE64,
	"read":              unix.SYS_READ,
	"readlink":          unix.SYS_READLINK,
	"readlinkat":        unix.SYS_READLINKAT,
	"readv":             unix.SYS_READV,
	"recvfrom":          unix.SYS_RECVFROM,
	"recvmsg":           unix.SYS_RECVMSG,
	"rename":            unix.SYS_RENAME,
	"renameat":          unix.SYS_RENAMEAT,
	"restart_syscall":   unix.SYS_RESTART_SYSCALL,
	"rmdir":             unix.SYS_RMDIR,
	"rseq":              unix.SYS_RSEQ,
	"rt_sigaction":      unix.SYS_RT_SIGACTION,
	"rt_sigprocmask":    unix.SYS_RT_SIGPROCMASK,
	"rt_sigreturn":      unix.SYS_RT_SIGRETURN,
	"sched_getaffinity": unix.SYS_SCHED_GETAFFINITY,
	"sched_setaffinity": unix.SYS_SCHED_SETAFFINITY,
	"sched_yield":       unix.SYS_SCHED_YIELD,
	"seccomp":           unix.SYS_SECCOMP,
	"select":            unix.SYS_SELECT,
	"semctl":            unix.SYS_SEMCTL,
	"semget":            unix.SYS_SEMGET,
	"semop":             unix.SYS_SEMOP,
	"sendfile":          unix.SYS_SENDFILE,
	"sendmsg":           unix.SYS_SENDMSG,
	"sendto":            unix.SYS_SENDTO,
	"set_mempolicy":     unix.SYS_SET_MEMPOLICY,
	"set_robust_list":   unix.SYS_SET_ROBUST_LIST,
	"setgid":            unix.SYS_SETGID,
	"setitimer":         unix.SYS_SETITIMER,
	"setns":             unix.SYS_SETNS,
	"setsockopt":        unix.SYS_SETSOCKOPT,
	"setuid":            unix.SYS_SETUID,
	"shmat":             unix.SYS_SHMAT,
	"shmctl":            unix.SYS_SHMCTL,
	"shmdt":             unix.SYS_SHMDT,
	"shmget":            unix.SYS_SHMGET,
	"shutdown":          unix.SYS_SHUTDOWN,
	"sigaltstack":       unix.SYS_SIGALTSTACK,
	"socket":            unix.SYS_SOCKET,
	"socketpair":        unix.SYS_SOCKETPAIR,
	"splice":            unix.SYS_SPLICE,
	"stat":              unix.SYS_STAT,
	"statx":             unix.SYS_STATX,
	"symlinkat":         unix.SYS_SYMLINKAT,
	"sync":              unix.SYS_SYNC,
	"syncfs":            unix.SYS_SYNCFS,
	"sysinfo":           unix.SYS_SYSINFO,
	"tee":               unix.SYS_TEE,
	"tgkill":            unix.SYS_TGKILL,
	"time":              unix.SYS_TIME,
	"timer_create":      unix.SYS_TIMER_CREATE,
	"timer_delete":      unix.SYS_TIMER_DELETE,
	"timer_settime":     unix.SYS_TIMER_SETTIME,
	"tkill":             unix.SYS_TKILL,
	"umount2":           unix.SYS_UMOUNT2,
	"uname":             unix.SYS_UNAME,
	"unlink":            unix.SYS_UNLINK,
	"unlinkat":          unix.SYS_UNLINKAT,
	"unshare":           unix.SYS_UNSHARE,
	"userfaultfd":       unix.SYS_USERFAULTFD,
	"utimensat":         unix.SYS_UTIMENSAT,
	"vmsplice":          unix.SYS_VMSPLICE,
	"wait4":             unix.SYS_WAIT4,
	"write":             unix.SYS_WRITE,
	"writev":            unix.SYS_WRITEV,
}
