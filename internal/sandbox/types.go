package sandbox

import (
	"context"
	"io"
	"time"
)

// Request is what the executor hands a backend: harnessed code ready to run,
// plus its ceilings. The backend never sees raw user submissions or
// principals; identity stays above this layer.
type Request struct {
	ExecID     string
	Code       string // harnessed source, driver included
	Language   string
	EntryPoint string // wasm export to invoke; text languages bake it into the harness
	Timeout    time.Duration
	Limits     ResourceLimits
	Network    NetworkPolicy
}

// NetworkPolicy is deny-by-default. AllowedHosts only matters when Enabled
// is true and an egress gate is running; without a gate, enabling the
// network grants the sandbox's network namespace unrestricted egress, so
// backends refuse AllowedHosts they cannot enforce.
type NetworkPolicy struct {
	Enabled      bool
	AllowedHosts []string

	// GateToken authenticates this execution, and only this execution, to
	// the egress gate. Minted at registration, revoked at release.
	GateToken string `json:"-"`
}

// Outcome is the raw result of running harnessed code in isolation. The
// executor classifies it into an API-level status.
type Outcome struct {
	ExecID    string
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	OOMKilled bool
	Events    []SecurityEvent
}

// SecurityEvent records suspicious activity during execution.
type SecurityEvent struct {
	Type    string `json:"type"`
	Syscall string `json:"syscall,omitempty"`
	Detail  string `json:"detail"`
}

// Backend executes harnessed code in an isolated context. Implementations:
// containerd (primary), docker CLI (fallback), wazero (wasm submissions).
type Backend interface {
	Execute(ctx context.Context, req Request) (*Outcome, error)
	ExecuteStreaming(ctx context.Context, req Request, stdout, stderr io.Writer) (*Outcome, error)
	Close() error
}

// Output caps applied at the backend boundary. The executor applies its own
// configured caps on top; these are the hard stops.
const (
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 256 * 1024
)

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
