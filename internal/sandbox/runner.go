package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"aiexec-sandbox/internal/runtime"
)

// Runner is the containerd-based sandbox backend. Every Request gets a
// fresh container with a fresh snapshot; nothing survives between
// executions.
type Runner struct {
	client   *Client
	runtimes *runtime.Registry
	active   atomic.Int64
}

// NewRunner creates a containerd-backed Runner. Runtime images warm in the
// background so the first submission does not pay the cold-pull cost.
func NewRunner(ctx context.Context, client *Client) (*Runner, error) {
	r := &Runner{
		client:   client,
		runtimes: runtime.NewRegistry(),
	}
	go client.WarmImages(ctx, r.runtimes.Images())
	return r, nil
}

// Execute runs harnessed code in an isolated container.
func (r *Runner) Execute(ctx context.Context, req Request) (*Outcome, error) {
	var stdout, stderr bytes.Buffer
	return r.executeInternal(ctx, req, &stdout, &stderr)
}

// ExecuteStreaming runs harnessed code, streaming stdout/stderr to the
// provided writers as it is produced. The Outcome still carries the capped
// full output.
func (r *Runner) ExecuteStreaming(ctx context.Context, req Request, stdout, stderr io.Writer) (*Outcome, error) {
	return r.executeInternal(ctx, req, stdout, stderr)
}

func (r *Runner) executeInternal(ctx context.Context, req Request, stdout, stderr io.Writer) (*Outcome, error) {
	execID := req.ExecID
	if execID == "" {
		execID = uuid.New().String()
	}
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("language", req.Language).
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("sandbox execution requested")

	if err := r.validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	rt, err := r.runtimes.Get(req.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: err}
	}

	hostCodeDir, err := os.MkdirTemp("", "aiexec-"+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostCodeDir)

	codeFileName := "code" + rt.FileExtension()
	hostCodePath := filepath.Join(hostCodeDir, codeFileName)
	if err := os.WriteFile(hostCodePath, []byte(req.Code), 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(hostCodePath, 0444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_code", Err: err}
	}

	image, err := r.client.PullImage(execCtx, rt.Image())
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "pull_image", Err: err}
	}

	secProfile := DefaultSecurityProfile()
	if req.Network.Enabled {
		secProfile = NetworkAllowedSecurityProfile()
	}

	containerID := fmt.Sprintf("aiexec-%s", execID)
	codePath := fmt.Sprintf("/workspace/%s", codeFileName)

	container, err := r.createContainer(execCtx, containerID, image, rt, codePath, hostCodeDir, req, secProfile)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_container", Err: err}
	}
	// Always cleanup, even on panic
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutWriter := io.MultiWriter(&stdoutBuf, stdout)
	stderrWriter := io.MultiWriter(&stderrBuf, stderr)

	task, err := container.NewTask(execCtx,
		cio.NewCreator(cio.WithStreams(nil, stdoutWriter, stderrWriter)),
	)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, err := task.Delete(context.Background(), containerd.WithProcessKill); err != nil {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(execCtx)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: err}
	}

	if err := task.Start(execCtx); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_start", Err: err}
	}

	logger.Info().Msg("task started")

	var exitCode int
	var events []SecurityEvent

	select {
	case status := <-exitCh:
		exitCode = int(status.ExitCode())

	case <-execCtx.Done():
		logger.Warn().Msg("execution timed out, killing task")
		if err := task.Kill(context.Background(), 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh

		events = append(events, SecurityEvent{
			Type:   "timeout",
			Detail: fmt.Sprintf("execution exceeded %s timeout", timeout),
		})

		return &Outcome{
			ExecID:   execID,
			Stdout:   truncateOutput(stdoutBuf.String(), maxStdoutBytes),
			Stderr:   truncateOutput(stderrBuf.String(), maxStderrBytes),
			ExitCode: -1,
			Duration: time.Since(start),
			TimedOut: true,
			Events:   events,
		}, ErrTimeout
	}

	duration := time.Since(start)
	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("execution completed")

	outcome := &Outcome{
		ExecID:   execID,
		Stdout:   truncateOutput(stdoutBuf.String(), maxStdoutBytes),
		Stderr:   truncateOutput(stderrBuf.String(), maxStderrBytes),
		ExitCode: exitCode,
		Duration: duration,
		Events:   events,
	}

	// 137 = SIGKILL; with the memory ceiling set that is the OOM killer.
	if exitCode == 137 {
		outcome.OOMKilled = true
		outcome.Events = append(outcome.Events, SecurityEvent{
			Type:   "oom_kill",
			Detail: "process killed by OOM killer",
		})
		return outcome, ErrResourceExceeded
	}

	return outcome, nil
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close releases the containerd connection.
func (r *Runner) Close() error {
	return r.client.Close()
}

func (r *Runner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	rt runtime.Runtime,
	codePath string,
	hostCodeDir string,
	req Request,
	secProfile SecurityProfile,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(rt.Command(codePath)...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, secProfile)
				ApplyResourceLimits(s, req.Limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostCodeDir,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
					"AIEXEC_SANDBOX=true",
				}

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

func (r *Runner) validateRequest(req Request) error {
	if req.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}

	if _, err := r.runtimes.Get(req.Language); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)
	}

	if req.Timeout > 60*time.Second {
		return fmt.Errorf("%w: timeout exceeds 60s maximum", ErrInvalidRequest)
	}

	if req.Network.Enabled && len(req.Network.AllowedHosts) > 0 {
		// This backend has no egress gate wired into the network
		// namespace, so a host allow-list would be silently ignored.
		return fmt.Errorf("%w: host allow-list requires the egress gate", ErrInvalidRequest)
	}

	if req.Limits != (ResourceLimits{}) {
		if err := req.Limits.Validate(); err != nil {
			return err
		}
	}

	return nil
}
