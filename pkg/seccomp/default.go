package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Allow groups for the interpreter workloads the engine runs (CPython,
// Node.js, Bash). Grouped by concern so the default and network profiles
// share one source of truth.
var (
	fileSyscalls = []string{
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl",
		"pipe", "pipe2",
		"readlink", "readlinkat",
		"getdents64",
		"chmod", "fchmod", "fchmodat",
		"chdir", "fchdir", "getcwd",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat",
		"mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat",
		"link", "linkat",
		"ftruncate", "fallocate",
		"fsync", "fdatasync", "flock",
		"statfs", "fstatfs",
		"memfd_create", // CPython multiprocessing and Node both use it
		"copy_file_range",
		"umask",
	}

	memorySyscalls = []string{
		"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
	}

	processSyscalls = []string{
		"execve", "execveat",
		"exit", "exit_group",
		"wait4", "waitid",
		"clone", "clone3", "vfork",
		"set_tid_address",
		"set_robust_list", "get_robust_list",
		"futex", "gettid", "tgkill",
		"rseq", "membarrier",
		"sched_yield", "sched_getaffinity",
	}

	signalSyscalls = []string{
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
		"sigaltstack",
	}

	timeSyscalls = []string{
		"clock_gettime", "clock_getres", "gettimeofday",
		"nanosleep", "clock_nanosleep",
	}

	identitySyscalls = []string{
		"getpid", "getppid",
		"getuid", "geteuid", "getgid", "getegid",
		"uname", "sysinfo",
	}

	eventSyscalls = []string{
		"poll", "ppoll", "select", "pselect6",
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
	}

	miscSyscalls = []string{
		"getrandom",
		"arch_prctl", "prctl",
		"ioctl",
		"getrlimit", "prlimit64",
	}

	// networkSyscalls only appear in the network profile; the default
	// profile must never allow them.
	networkSyscalls = []string{
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	}
)

// trappedSyscalls crash the process with SIGSYS. They have no place in user
// code and the loud failure feeds the escape detector.
var trappedSyscalls = []string{
	"ptrace",
	"process_vm_readv", "process_vm_writev",
	"keyctl", "add_key", "request_key",
	"bpf",
	"perf_event_open",
	"userfaultfd",
	"kexec_load", "kexec_file_load",
	"init_module", "finit_module", "delete_module",
	"open_by_handle_at",
}

// blockedSyscalls fail quietly with EPERM: namespace, mount, and
// system-administration surfaces the container must never touch, including
// the new mount API.
var blockedSyscalls = []string{
	"mount", "umount2", "pivot_root",
	"fsopen", "fsconfig", "fsmount", "move_mount", "mount_setattr",
	"setns", "unshare",
	"reboot",
	"swapon", "swapoff",
	"sethostname", "setdomainname",
	"acct", "quotactl",
	"settimeofday", "adjtimex", "clock_adjtime",
	"nfsservctl",
	"personality",
	"lookup_dcookie",
	"ioperm", "iopl",
}

func allowBase(b *Builder) *Builder {
	for _, group := range [][]string{
		fileSyscalls,
		memorySyscalls,
		processSyscalls,
		signalSyscalls,
		timeSyscalls,
		identitySyscalls,
		eventSyscalls,
		miscSyscalls,
	} {
		b.AllowSyscalls(group...)
	}
	return b
}

func denyDangerous(b *Builder) *Builder {
	return b.
		TrapSyscalls(trappedSyscalls...).
		BlockSyscalls(blockedSyscalls...)
}

// DefaultProfile is the deny-by-default filter for no-network executions.
func DefaultProfile() *specs.LinuxSeccomp {
	return denyDangerous(allowBase(NewBuilder())).Build()
}

// NetworkAllowProfile extends the default with socket syscalls. Reachability
// is still constrained by the egress gate; this only lets the interpreter
// open sockets at all.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := allowBase(NewBuilder())
	b.AllowSyscalls(networkSyscalls...)
	return denyDangerous(b).Build()
}
