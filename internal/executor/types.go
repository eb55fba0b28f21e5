package executor

import (
	"context"
	"encoding/json"
	"time"

	"aiexec-sandbox/internal/sandbox"
)

// Submission is a validated-and-run request: user code plus the contract
// for calling into it.
type Submission struct {
	Code       string                 `json:"code"`
	Language   string                 `json:"language"`
	EntryPoint string                 `json:"entry_point,omitempty"` // defaults to "run"
	Args       []json.RawMessage      `json:"args,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`
	Limits     sandbox.ResourceLimits `json:"limits,omitempty"`
	Network    sandbox.NetworkPolicy  `json:"network,omitempty"`
}

// Result is the terminal record of a submission.
type Result struct {
	ExecID   string                  `json:"exec_id"`
	Status   Status                  `json:"status"`
	Value    json.RawMessage         `json:"value,omitempty"` // entry point return value, when captured
	Stdout   string                  `json:"stdout"`
	Stderr   string                  `json:"stderr"`
	ExitCode int                     `json:"exit_code"`
	Duration time.Duration           `json:"duration"`
	Error    string                  `json:"error,omitempty"` // sanitized, user-facing
	Events   []sandbox.SecurityEvent `json:"events,omitempty"`
}

// Recorder persists terminal results. Implementations must not block the
// execution path; the storage audit writer buffers internally.
type Recorder interface {
	RecordExecution(res Result, codeHash string, language string)
}

// Observer receives execution telemetry.
type Observer interface {
	ObserveExecution(language string, status Status, d time.Duration)
	ObserveQueueRejection()
	SetActiveExecutions(n int64)
}

// NopRecorder discards results.
type NopRecorder struct{}

func (NopRecorder) RecordExecution(Result, string, string) {}

// NopObserver discards telemetry.
type NopObserver struct{}

func (NopObserver) ObserveExecution(string, Status, time.Duration) {}
func (NopObserver) ObserveQueueRejection()                         {}
func (NopObserver) SetActiveExecutions(int64)                      {}

var (
	_ Recorder = NopRecorder{}
	_ Observer = NopObserver{}
)

// ctxKey avoids collisions for values the executor stashes on the context.
type ctxKey int

const execIDKey ctxKey = iota

// WithExecID pins the execution ID instead of generating one. Used by the
// API layer so request logging and the result share an ID.
func WithExecID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, execIDKey, id)
}

func execIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(execIDKey).(string); ok {
		return v
	}
	return ""
}
