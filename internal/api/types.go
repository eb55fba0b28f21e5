package api

import (
	"encoding/json"
	"time"

	"aiexec-sandbox/internal/executor"
	"aiexec-sandbox/internal/sandbox"
)

// ValidateRequest is the API-level submission: code plus the contract for
// calling into it.
type ValidateRequest struct {
	Code       string            `json:"code"`
	Language   string            `json:"language"` // python, node, bash, wasm
	EntryPoint string            `json:"entry_point,omitempty"`
	Args       []json.RawMessage `json:"args,omitempty"`
	Timeout    Duration          `json:"timeout,omitempty"`
	Limits     ResourceLimits    `json:"limits,omitempty"`
	Perms      Permissions       `json:"permissions,omitempty"`
}

// Submission converts the wire request into the executor's form.
func (r ValidateRequest) Submission() executor.Submission {
	return executor.Submission{
		Code:       r.Code,
		Language:   r.Language,
		EntryPoint: r.EntryPoint,
		Args:       r.Args,
		Timeout:    r.Timeout.Duration,
		Limits: sandbox.ResourceLimits{
			CPUShares: r.Limits.CPUShares,
			MemoryMB:  r.Limits.MemoryMB,
			PidsLimit: r.Limits.PidsLimit,
			DiskMB:    r.Limits.DiskMB,
		},
		Network: sandbox.NetworkPolicy{
			Enabled:      r.Perms.Network.Enabled,
			AllowedHosts: r.Perms.Network.AllowedHosts,
		},
	}
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ResourceLimits defines sandbox resource constraints. Zero fields fall
// back to server defaults; values above the configured ceilings are capped.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares,omitempty"` // 1024 = 1 CPU
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	PidsLimit int64 `json:"pids_limit,omitempty"`
	DiskMB    int64 `json:"disk_mb,omitempty"`
}

// Permissions defines what the sandboxed code is allowed to access.
type Permissions struct {
	Network NetworkPermissions `json:"network,omitempty"`
}

// NetworkPermissions controls network access within the sandbox. Egress is
// denied unless Enabled is set; a non-empty allow-list restricts enabled
// egress to the named hosts.
type NetworkPermissions struct {
	Enabled      bool     `json:"enabled"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
}

// ValidateResponse is the terminal record of a submission as returned to
// the client.
type ValidateResponse struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Value          json.RawMessage `json:"value,omitempty"`
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr"`
	ExitCode       int             `json:"exit_code"`
	Duration       string          `json:"duration"`
	Error          string          `json:"error,omitempty"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}

func toResponse(res *executor.Result) ValidateResponse {
	events := make([]SecurityEvent, 0, len(res.Events))
	for _, e := range res.Events {
		events = append(events, SecurityEvent{
			Type:    e.Type,
			Syscall: e.Syscall,
			Detail:  e.Detail,
		})
	}
	return ValidateResponse{
		ID:             res.ExecID,
		Status:         string(res.Status),
		Value:          res.Value,
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
		ExitCode:       res.ExitCode,
		Duration:       res.Duration.String(),
		Error:          res.Error,
		SecurityEvents: events,
	}
}

// SecurityEvent records suspicious activity detected before or during
// execution.
type SecurityEvent struct {
	Type    string `json:"type"`
	Syscall string `json:"syscall,omitempty"`
	Detail  string `json:"detail"`
}

// CreateSuperuserRequest creates a superuser account. The elevated proof
// travels in the X-Elevated-Token header, never in the body.
type CreateSuperuserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateSuperuserResponse confirms the created account.
type CreateSuperuserResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// LoginRequest exchanges a password for a session token.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued session token.
type LoginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  bool   `json:"backend"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
