package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Docker's --security-opt seccomp= expects its own JSON schema, not the OCI
// runtime-spec one. The shapes are close enough to convert field by field.

type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures,omitempty"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string    `json:"names"`
	Action string      `json:"action"`
	Args   []dockerArg `json:"args,omitempty"`
}

type dockerArg struct {
	Index    uint   `json:"index"`
	Value    uint64 `json:"value"`
	ValueTwo uint64 `json:"valueTwo"`
	Op       string `json:"op"`
}

var dockerActions = map[specs.LinuxSeccompAction]string{
	specs.ActKill:  "SCMP_ACT_KILL",
	specs.ActTrap:  "SCMP_ACT_TRAP",
	specs.ActErrno: "SCMP_ACT_ERRNO",
	specs.ActTrace: "SCMP_ACT_TRACE",
	specs.ActAllow: "SCMP_ACT_ALLOW",
	specs.ActLog:   "SCMP_ACT_LOG",
}

var dockerArchs = map[specs.Arch]string{
	specs.ArchX86_64:  "SCMP_ARCH_X86_64",
	specs.ArchX86:     "SCMP_ARCH_X86",
	specs.ArchAARCH64: "SCMP_ARCH_AARCH64",
	specs.ArchARM:     "SCMP_ARCH_ARM",
}

var dockerOps = map[specs.LinuxSeccompOperator]string{
	specs.OpNotEqual:     "SCMP_CMP_NE",
	specs.OpLessThan:     "SCMP_CMP_LT",
	specs.OpLessEqual:    "SCMP_CMP_LE",
	specs.OpEqualTo:      "SCMP_CMP_EQ",
	specs.OpGreaterEqual: "SCMP_CMP_GE",
	specs.OpGreaterThan:  "SCMP_CMP_GT",
	specs.OpMaskedEqual:  "SCMP_CMP_MASKED_EQ",
}

// toDockerJSON converts an OCI seccomp profile into the JSON Docker accepts.
func toDockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	defaultAction, ok := dockerActions[p.DefaultAction]
	if !ok {
		return nil, fmt.Errorf("unsupported default action %q", p.DefaultAction)
	}

	out := dockerProfile{
		DefaultAction: defaultAction,
		Syscalls:      make([]dockerSyscall, 0, len(p.Syscalls)),
	}

	for _, arch := range p.Architectures {
		name, ok := dockerArchs[arch]
		if !ok {
			return nil, fmt.Errorf("unsupported architecture %q", arch)
		}
		out.Architectures = append(out.Architectures, name)
	}

	for _, sc := range p.Syscalls {
		action, ok := dockerActions[sc.Action]
		if !ok {
			return nil, fmt.Errorf("unsupported action %q for %v", sc.Action, sc.Names)
		}
		ds := dockerSyscall{
			Names:  sc.Names,
			Action: action,
		}
		for _, arg := range sc.Args {
			op, ok := dockerOps[arg.Op]
			if !ok {
				return nil, fmt.Errorf("unsupported operator %q", arg.Op)
			}
			ds.Args = append(ds.Args, dockerArg{
				Index:    arg.Index,
				Value:    arg.Value,
				ValueTwo: arg.ValueTwo,
				Op:       op,
			})
		}
		out.Syscalls = append(out.Syscalls, ds)
	}

	return json.MarshalIndent(out, "", "  ")
}

// DockerProfileJSON renders the default no-network profile for Docker's
// --security-opt seccomp=<file>.
func DockerProfileJSON() ([]byte, error) {
	return toDockerJSON(DefaultProfile())
}

// DockerNetworkProfileJSON renders the network-enabled profile for Docker.
func DockerNetworkProfileJSON() ([]byte, error) {
	return toDockerJSON(NetworkAllowProfile())
}
