package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultProfile_DenyByDefault(t *testing.T) {
	p := DefaultProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestDefaultProfile_MemfdCreateAllowed(t *testing.T) {
	p := DefaultProfile()
	found := false
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow {
			for _, name := range rule.Names {
				if name == "memfd_create" {
					found = true
					break
				}
			}
		}
		if found {
			break
		}
	}
	if !found {
		t.Error("memfd_create should be allowed in default profile")
	}
}

func TestDefaultProfile_MountAPIBlocked(t *testing.T) {
	p := DefaultProfile()
	blocked := map[string]bool{"fsmount": false, "move_mount": false, "mount_setattr": false}
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActErrno {
			continue
		}
		for _, name := range rule.Names {
			if _, ok := blocked[name]; ok {
				blocked[name] = true
			}
		}
	}
	for name, found := range blocked {
		if !found {
			t.Errorf("new mount API syscall %q is not blocked", name)
		}
	}
}

func TestDefaultProfile_IntrospectionTraps(t *testing.T) {
	p := DefaultProfile()
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActTrap {
			continue
		}
		for _, name := range rule.Names {
			if name == "ptrace" {
				return
			}
		}
	}
	t.Error("ptrace should trap, not silently fail")
}

func TestNetworkProfile_HasSocketSyscalls(t *testing.T) {
	p := NetworkAllowProfile()

	needed := map[string]bool{"socket": false, "connect": false, "bind": false}
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow {
			for _, name := range rule.Names {
				if _, ok := needed[name]; ok {
					needed[name] = true
				}
			}
		}
	}
	for name, found := range needed {
		if !found {
			t.Errorf("network profile missing allowed syscall %q", name)
		}
	}
}

func TestDefaultProfile_NoNetworkSyscalls(t *testing.T) {
	p := DefaultProfile()
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow {
			for _, name := range rule.Names {
				if name == "socket" {
					t.Error("default (no-network) profile should not allow 'socket'")
					return
				}
			}
		}
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestDockerNetworkProfileJSON_AllowsSocket(t *testing.T) {
	data, err := DockerNetworkProfileJSON()
	if err != nil {
		t.Fatalf("DockerNetworkProfileJSON: %v", err)
	}

	var dp struct {
		Syscalls []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	socketAllowed := false
	for _, rule := range dp.Syscalls {
		if rule.Action != "SCMP_ACT_ALLOW" {
			continue
		}
		for _, name := range rule.Names {
			if name == "socket" {
				socketAllowed = true
			}
		}
	}
	if !socketAllowed {
		t.Error("network profile JSON should allow 'socket'")
	}
}

func TestToDockerJSON_ArgConstraints(t *testing.T) {
	p := NewBuilder().AllowSyscallWithArgs("personality", []SyscallArg{
		{Index: 0, Value: 0, Op: specs.OpEqualTo},
	}).Build()

	data, err := toDockerJSON(p)
	if err != nil {
		t.Fatalf("toDockerJSON: %v", err)
	}

	var dp struct {
		Syscalls []struct {
			Args []struct {
				Op string `json:"op"`
			} `json:"args"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(dp.Syscalls) != 1 || len(dp.Syscalls[0].Args) != 1 {
		t.Fatalf("expected one rule with one arg, got %+v", dp)
	}
	if dp.Syscalls[0].Args[0].Op != "SCMP_CMP_EQ" {
		t.Errorf("op = %q, want SCMP_CMP_EQ", dp.Syscalls[0].Args[0].Op)
	}
}

func TestBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 {
		t.Errorf("got %d names, want 2", len(rule.Names))
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
