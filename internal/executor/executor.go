package executor

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"aiexec-sandbox/internal/config"
	"aiexec-sandbox/internal/runtime"
	"aiexec-sandbox/internal/sandbox"
)

// Executor is the validate-then-run pipeline. It prechecks submissions
// without executing them, harnesses accepted code, pushes it into a
// sandbox backend, and classifies what came back. Nothing here touches
// identity; callers gate access before submitting.
type Executor struct {
	backend  sandbox.Backend
	wasm     sandbox.Backend // in-process wazero backend; nil disables wasm
	runtimes *runtime.Registry
	recorder Recorder
	observer Observer

	sem       chan struct{}
	queueWait time.Duration

	maxCodeBytes   int
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	defaultLimits  sandbox.ResourceLimits
	maxLimits      sandbox.ResourceLimits
	maxStdoutBytes int
	maxStderrBytes int
}

// Deps are the collaborators an Executor needs. Recorder and Observer may
// be nil.
type Deps struct {
	Backend  sandbox.Backend
	Wasm     sandbox.Backend
	Recorder Recorder
	Observer Observer
}

// New builds an Executor from config and its collaborators.
func New(cfg *config.Config, deps Deps) *Executor {
	maxConcurrent := cfg.Executor.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 10
	}

	rec := deps.Recorder
	if rec == nil {
		rec = NopRecorder{}
	}
	obs := deps.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	return &Executor{
		backend:        deps.Backend,
		wasm:           deps.Wasm,
		runtimes:       runtime.NewRegistry(),
		recorder:       rec,
		observer:       obs,
		sem:            make(chan struct{}, maxConcurrent),
		queueWait:      cfg.Executor.QueueWait,
		maxCodeBytes:   cfg.Executor.MaxCodeBytes,
		defaultTimeout: cfg.Sandbox.DefaultTimeout,
		maxTimeout:     cfg.Sandbox.MaxTimeout,
		defaultLimits:  toSandboxLimits(cfg.Sandbox.DefaultLimits),
		maxLimits:      toSandboxLimits(cfg.Sandbox.MaxLimits),
		maxStdoutBytes: cfg.Executor.MaxStdoutBytes,
		maxStderrBytes: cfg.Executor.MaxStderrBytes,
	}
}

func toSandboxLimits(l config.DefaultLimits) sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		CPUShares: l.CPUShares,
		MemoryMB:  l.MemoryMB,
		PidsLimit: l.PidsLimit,
		DiskMB:    l.DiskMB,
	}
}

// Validate prechecks a submission without executing anything: size, known
// language, entry-point shape, balanced delimiters. A nil return does not
// promise the code will run, only that it is worth a sandbox slot.
func (e *Executor) Validate(sub Submission) error {
	if sub.Code == "" {
		return fmt.Errorf("%w: code is empty", sandbox.ErrInvalidRequest)
	}
	if e.maxCodeBytes > 0 && len(sub.Code) > e.maxCodeBytes {
		return fmt.Errorf("%w: code exceeds %d byte limit", sandbox.ErrInvalidRequest, e.maxCodeBytes)
	}
	if sub.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", sandbox.ErrInvalidRequest)
	}
	if e.maxTimeout > 0 && sub.Timeout > e.maxTimeout {
		return fmt.Errorf("%w: timeout exceeds %s maximum", sandbox.ErrInvalidRequest, e.maxTimeout)
	}

	if sub.Language == "wasm" {
		if e.wasm == nil {
			return fmt.Errorf("%w: wasm", sandbox.ErrUnsupportedLang)
		}
		// Entry-point existence is checked against the module's exports at
		// instantiation time; any name is acceptable here.
		return nil
	}

	rt, err := e.runtimes.Get(sub.Language)
	if err != nil {
		return fmt.Errorf("%w: %s", sandbox.ErrUnsupportedLang, sub.Language)
	}
	return rt.Precheck(sub.Code, sub.EntryPoint)
}

// ValidateAndRun prechecks the submission and, if accepted, executes it to
// a terminal Result. Sandbox-classified failures (timeout, resource kill,
// crash) come back as a Result, not an error; errors are reserved for
// invalid submissions and internal faults.
func (e *Executor) ValidateAndRun(ctx context.Context, sub Submission) (*Result, error) {
	return e.run(ctx, sub, io.Discard, io.Discard)
}

// ValidateAndRunStreaming is ValidateAndRun with live output copies going
// to stdout and stderr as the sandbox produces them.
func (e *Executor) ValidateAndRunStreaming(ctx context.Context, sub Submission, stdout, stderr io.Writer) (*Result, error) {
	return e.run(ctx, sub, stdout, stderr)
}

func (e *Executor) run(ctx context.Context, sub Submission, stdout, stderr io.Writer) (*Result, error) {
	execID := execIDFrom(ctx)
	if execID == "" {
		execID = uuid.New().String()
	}
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(sub.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("language", sub.Language).
		Str("code_hash", codeHash[:16]).
		Logger()

	start := time.Now()

	if err := e.Validate(sub); err != nil {
		// Structural rejection by a language precheck is a compile error
		// terminal state; malformed requests stay errors.
		if !isRequestError(err) {
			res := &Result{
				ExecID:   execID,
				Status:   StatusCompileError,
				Duration: time.Since(start),
				Error:    err.Error(),
			}
			e.finish(logger, res, codeHash, sub.Language)
			return res, nil
		}
		return nil, &sandbox.ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	// Slot acquisition is bounded; a busy engine answers quickly instead
	// of queueing forever.
	wait := e.queueWait
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	waitTimer := time.NewTimer(wait)
	defer waitTimer.Stop()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-waitTimer.C:
		e.observer.ObserveQueueRejection()
		res := &Result{
			ExecID:   execID,
			Status:   StatusRejectedBusy,
			Duration: time.Since(start),
			Error:    "execution capacity exhausted, retry later",
		}
		e.finish(logger, res, codeHash, sub.Language)
		return res, nil
	case <-ctx.Done():
		return nil, &sandbox.ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	e.observer.SetActiveExecutions(int64(len(e.sem)))
	defer func() { e.observer.SetActiveExecutions(int64(len(e.sem))) }()

	req, err := e.buildRequest(execID, sub)
	if err != nil {
		return nil, &sandbox.ExecutionError{ExecID: execID, Op: "harness", Err: err}
	}

	backend := e.backend
	if sub.Language == "wasm" {
		backend = e.wasm
	}
	if backend == nil {
		return nil, &sandbox.ExecutionError{ExecID: execID, Op: "select_backend", Err: sandbox.ErrBackendDown}
	}

	outcome, execErr := backend.ExecuteStreaming(ctx, req, stdout, stderr)

	res := e.classify(execID, sub, outcome, execErr, time.Since(start))
	if res == nil {
		// Internal fault; nothing user-attributable to report.
		logger.Error().Err(execErr).Msg("sandbox execution failed")
		return nil, execErr
	}

	e.finish(logger, res, codeHash, sub.Language)
	return res, nil
}

func (e *Executor) buildRequest(execID string, sub Submission) (sandbox.Request, error) {
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	req := sandbox.Request{
		ExecID:   execID,
		Language: sub.Language,
		Timeout:  timeout,
		Limits:   sub.Limits.Clamp(e.defaultLimits, e.maxLimits),
		Network:  sub.Network,
	}

	if sub.Language == "wasm" {
		// wasm modules carry no text harness; code passes through as-is and
		// the runner resolves the entry point against the module's exports.
		req.Code = sub.Code
		req.EntryPoint = sub.EntryPoint
		return req, nil
	}

	rt, err := e.runtimes.Get(sub.Language)
	if err != nil {
		return sandbox.Request{}, err
	}
	harnessed, err := rt.Harness(sub.Code, sub.EntryPoint, sub.Args)
	if err != nil {
		return sandbox.Request{}, err
	}
	req.Code = harnessed
	return req, nil
}

// classify folds a sandbox outcome and error into a terminal Result. It
// returns nil for internal faults that must propagate.
func (e *Executor) classify(execID string, sub Submission, outcome *sandbox.Outcome, execErr error, elapsed time.Duration) *Result {
	if execErr != nil {
		status, ok := classifyError(execErr)
		if !ok {
			return nil
		}
		res := &Result{
			ExecID:   execID,
			Status:   status,
			ExitCode: -1,
			Duration: elapsed,
		}
		if outcome != nil {
			stdout, _ := extractValue(outcome.Stdout)
			res.Stdout = e.capStdout(stdout)
			res.Stderr = e.capStderr(outcome.Stderr)
			res.ExitCode = outcome.ExitCode
			res.Events = outcome.Events
		}
		switch status {
		case StatusTimeout:
			res.Error = "execution timed out"
		case StatusResourceExceeded:
			res.Error = "execution exceeded its resource limits"
		}
		return res
	}

	if outcome == nil {
		return nil
	}

	stdout, value := extractValue(outcome.Stdout)
	res := &Result{
		ExecID:   execID,
		Stdout:   e.capStdout(stdout),
		Stderr:   e.capStderr(outcome.Stderr),
		ExitCode: outcome.ExitCode,
		Duration: elapsed,
		Events:   outcome.Events,
	}

	switch {
	case outcome.ExitCode == 0:
		res.Status = StatusSuccess
		res.Value = value
	case looksLikeCompileError(sub.Language, outcome.Stderr):
		res.Status = StatusCompileError
		res.Error = firstStderrLine(outcome.Stderr)
	default:
		res.Status = StatusRuntimeError
		res.Error = fmt.Sprintf("process exited with code %d", outcome.ExitCode)
	}
	return res
}

func (e *Executor) finish(logger zerolog.Logger, res *Result, codeHash, language string) {
	logger.Info().
		Str("status", string(res.Status)).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("submission finished")

	e.observer.ObserveExecution(language, res.Status, res.Duration)
	e.recorder.RecordExecution(*res, codeHash, language)
}

func (e *Executor) capStdout(s string) string {
	if e.maxStdoutBytes > 0 && len(s) > e.maxStdoutBytes {
		return s[:e.maxStdoutBytes] + "\n... [output truncated]"
	}
	return s
}

func (e *Executor) capStderr(s string) string {
	if e.maxStderrBytes > 0 && len(s) > e.maxStderrBytes {
		return s[:e.maxStderrBytes] + "\n... [output truncated]"
	}
	return s
}

// extractValue strips the marker line carrying the entry point's JSON
// return value from stdout. The last marker line wins; user prints that
// happen to follow it stay in stdout untouched.
func extractValue(stdout string) (string, json.RawMessage) {
	if !strings.Contains(stdout, runtime.ValueMarker) {
		return stdout, nil
	}

	lines := strings.Split(stdout, "\n")
	valueIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], runtime.ValueMarker) {
			valueIdx = i
			break
		}
	}
	if valueIdx == -1 {
		return stdout, nil
	}

	raw := strings.TrimPrefix(lines[valueIdx], runtime.ValueMarker)
	var value json.RawMessage
	if json.Valid([]byte(raw)) {
		value = json.RawMessage(raw)
	}

	rest := make([]string, 0, len(lines)-1)
	rest = append(rest, lines[:valueIdx]...)
	rest = append(rest, lines[valueIdx+1:]...)
	return strings.Join(rest, "\n"), value
}

// isRequestError distinguishes malformed requests from code the precheck
// rejected on structure.
func isRequestError(err error) bool {
	return errors.Is(err, sandbox.ErrInvalidRequest) || errors.Is(err, sandbox.ErrUnsupportedLang)
}

var compileErrorMarkers = map[string][]string{
	"python": {"SyntaxError", "IndentationError", "TabError"},
	"node":   {"SyntaxError"},
	"bash":   {"syntax error"},
}

// looksLikeCompileError checks stderr for the language's parse-failure
// signature. The interpreters emit these before any user logic runs.
func looksLikeCompileError(language, stderr string) bool {
	for _, marker := range compileErrorMarkers[language] {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func firstStderrLine(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && (strings.Contains(line, "Error") || strings.Contains(line, "error")) {
			return line
		}
	}
	return "compilation failed"
}
