package api

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"10s"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Duration != 10*time.Second {
		t.Errorf("got %v, want 10s", d.Duration)
	}

	if err := json.Unmarshal([]byte(`"not a duration"`), &d); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestSubmissionMapping(t *testing.T) {
	req := ValidateRequest{
		Code:       "def run():\n    return 1\n",
		Language:   "python",
		EntryPoint: "run",
		Args:       []json.RawMessage{json.RawMessage(`5`)},
		Timeout:    Duration{3 * time.Second},
		Limits:     ResourceLimits{MemoryMB: 128, CPUShares: 256},
		Perms: Permissions{
			Network: NetworkPermissions{Enabled: true, AllowedHosts: []string{"api.example.com"}},
		},
	}

	sub := req.Submission()
	if sub.Language != "python" || sub.EntryPoint != "run" {
		t.Errorf("language/entry point not carried: %+v", sub)
	}
	if sub.Timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", sub.Timeout)
	}
	if sub.Limits.MemoryMB != 128 || sub.Limits.CPUShares != 256 {
		t.Errorf("limits not carried: %+v", sub.Limits)
	}
	if !sub.Network.Enabled || len(sub.Network.AllowedHosts) != 1 {
		t.Errorf("network policy not carried: %+v", sub.Network)
	}
	if len(sub.Args) != 1 {
		t.Errorf("args not carried: %+v", sub.Args)
	}
}
