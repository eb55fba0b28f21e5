// Package seccomp builds the syscall filters applied to execution
// containers. Profiles are assembled in OCI runtime-spec form; the Docker
// backend converts them to Docker's own JSON schema before use.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Builder assembles a deny-by-default profile rule by rule. Anything not
// explicitly allowed fails with EPERM, so interpreters degrade instead of
// crashing when they hit an unexpected syscall.
type Builder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *Builder {
	return &Builder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *Builder) rule(action specs.LinuxSeccompAction, names []string, args []specs.LinuxSeccompArg) *Builder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
		Args:   args,
	})
	return b
}

func (b *Builder) AllowSyscalls(names ...string) *Builder {
	return b.rule(specs.ActAllow, names, nil)
}

func (b *Builder) BlockSyscalls(names ...string) *Builder {
	return b.rule(specs.ActErrno, names, nil)
}

// TrapSyscalls delivers SIGSYS instead of EPERM. The resulting crash is loud
// on purpose: these syscalls only appear in escape attempts.
func (b *Builder) TrapSyscalls(names ...string) *Builder {
	return b.rule(specs.ActTrap, names, nil)
}

// SyscallArg constrains one argument (index 0-5) of an allowed syscall.
type SyscallArg struct {
	Index uint
	Value uint64
	Op    specs.LinuxSeccompOperator
}

// AllowSyscallWithArgs allows a syscall only when its arguments match. Used
// for calls like personality(2) that are safe with one specific value.
func (b *Builder) AllowSyscallWithArgs(name string, args []SyscallArg) *Builder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{
			Index: a.Index,
			Value: a.Value,
			Op:    a.Op,
		}
	}
	return b.rule(specs.ActAllow, []string{name}, specArgs)
}

func (b *Builder) Build() *specs.LinuxSeccomp {
	return b.profile
}
