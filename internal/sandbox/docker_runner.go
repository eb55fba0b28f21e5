package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"aiexec-sandbox/internal/runtime"
	"aiexec-sandbox/pkg/seccomp"
)

// DockerRunner is the Docker CLI sandbox backend (macOS, or Linux without
// containerd). Same isolation contract as Runner: fresh container per
// execution, nothing reused.
type DockerRunner struct {
	runtimes      *runtime.Registry
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	egressPort    int    // >0 means the egress gate is active
	cancelCleanup context.CancelFunc
}

// NewDockerRunner creates a Docker CLI backend. egressPort > 0 routes
// network-enabled executions through the host egress gate instead of
// granting raw bridge access; each execution authenticates to the gate with
// its own Request.Network.GateToken.
func NewDockerRunner(egressPort int) *DockerRunner {
	d := &DockerRunner{
		runtimes:   runtime.NewRegistry(),
		dockerHost: resolveDockerHost(),
		egressPort: egressPort,
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// orphanCleanupLoop periodically kills orphaned execution containers that
// survived server crashes.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	// Run once on startup
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	cmd := exec.Command("docker", "ps", "--filter", "name=aiexec-", "-q") // #nosec G204 -- no user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	out, err := cmd.Output()
	if err != nil {
		return
	}
	ids := strings.Fields(strings.TrimSpace(string(out)))
	for _, id := range ids {
		log.Warn().Str("container_id", id).Msg("killing orphaned execution container")
		kill := exec.Command("docker", "rm", "-f", id) // #nosec G204 -- id from docker ps
		if d.dockerHost != "" {
			kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
		}
		_ = kill.Run()
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop
// uses a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Execute(ctx context.Context, req Request) (*Outcome, error) {
	var stdout, stderr bytes.Buffer
	return d.executeInternal(ctx, req, &stdout, &stderr)
}

func (d *DockerRunner) ExecuteStreaming(ctx context.Context, req Request, stdout, stderr io.Writer) (*Outcome, error) {
	return d.executeInternal(ctx, req, stdout, stderr)
}

func (d *DockerRunner) executeInternal(ctx context.Context, req Request, stdout, stderr io.Writer) (*Outcome, error) {
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

	logger.Info().Msg("docker execution requested")

	if err := d.validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rt, err := d.runtimes.Get(req.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: err}
	}

	hostDir, err := os.MkdirTemp("", "aiexec-"+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostDir)

	codeFile := filepath.Join(hostDir, "code"+rt.FileExtension())
	if err := os.WriteFile(codeFile, []byte(req.Code), 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(codeFile, 0444); err != nil { // world-readable: container runs as nobody
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_code", Err: err}
	}

	containerCodePath := "/workspace/code" + rt.FileExtension()

	// Write seccomp profile to temp file for Docker's --security-opt.
	var seccompPath string
	{
		var profileJSON []byte
		var profileErr error
		if req.Network.Enabled {
			profileJSON, profileErr = seccomp.DockerNetworkProfileJSON()
		} else {
			profileJSON, profileErr = seccomp.DockerProfileJSON()
		}
		if profileErr != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "seccomp_profile", Err: profileErr}
		}
		seccompFile := filepath.Join(hostDir, "seccomp.json")
		if err := os.WriteFile(seccompFile, profileJSON, 0600); err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "write_seccomp", Err: err}
		}
		seccompPath = seccompFile
	}

	args := d.buildDockerArgs(execID, rt, codeFile, containerCodePath, seccompPath, req)

	start := time.Now()

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built internally by buildDockerArgs, not from raw user input

	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdoutBuf, stdout)
	cmd.Stderr = io.MultiWriter(&stderrBuf, stderr)

	logger.Info().Strs("args", args[:5]).Msg("starting docker container")

	err = cmd.Run()
	duration := time.Since(start)

	var exitCode int
	var events []SecurityEvent

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			events = append(events, SecurityEvent{
				Type:   "timeout",
				Detail: fmt.Sprintf("execution exceeded %s timeout", timeout),
			})
			return &Outcome{
				ExecID:   execID,
				Stdout:   truncateOutput(stdoutBuf.String(), maxStdoutBytes),
				Stderr:   truncateOutput(stderrBuf.String(), maxStderrBytes),
				ExitCode: -1,
				Duration: duration,
				TimedOut: true,
				Events:   events,
			}, ErrTimeout
		}

		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: err}
		}
	}

	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("docker execution completed")

	outcome := &Outcome{
		ExecID:   execID,
		Stdout:   truncateOutput(stdoutBuf.String(), maxStdoutBytes),
		Stderr:   truncateOutput(stderrBuf.String(), maxStderrBytes),
		ExitCode: exitCode,
		Duration: duration,
		Events:   events,
	}

	if exitCode == 137 {
		outcome.OOMKilled = true
		outcome.Events = append(outcome.Events, SecurityEvent{
			Type:   "oom_kill",
			Detail: "process killed (OOM or resource limit)",
		})
		return outcome, ErrResourceExceeded
	}

	return outcome, nil
}

func (d *DockerRunner) buildDockerArgs(
	execID string,
	rt runtime.Runtime,
	hostCodeFile, containerCodePath string,
	seccompPath string,
	req Request,
) []string {
	limits := req.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	network := "none"
	if req.Network.Enabled {
		network = "bridge"
	}

	args := []string{
		"run", "--rm",
		"--name", "aiexec-" + execID,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--read-only",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"-v", fmt.Sprintf("%s:%s:ro", hostCodeFile, containerCodePath),
		"--user", "65534:65534",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "AIEXEC_SANDBOX=true",
	}

	if req.Network.Enabled && d.egressPort > 0 && req.Network.GateToken != "" {
		// Egress gate mode: all outbound HTTP(S) goes through the host
		// gate, which enforces this execution's allow-list. The credential
		// is the execution ID plus its per-execution token, so the gate
		// never confuses one execution's traffic with another's.
		proxy := fmt.Sprintf("http://%s:%s@host.docker.internal:%d", execID, req.Network.GateToken, d.egressPort)
		args = append(args,
			"--add-host", "host.docker.internal:host-gateway",
			"-e", "HTTP_PROXY="+proxy,
			"-e", "HTTPS_PROXY="+proxy,
			"-e", "NO_PROXY=",
		)
	}

	args = append(args, rt.Image())
	args = append(args, rt.Command(containerCodePath)...)

	return args
}

func (d *DockerRunner) validateRequest(req Request) error {
	if req.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if _, err := d.runtimes.Get(req.Language); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)
	}
	if req.Timeout > 60*time.Second {
		return fmt.Errorf("%w: timeout exceeds 60s maximum", ErrInvalidRequest)
	}
	if req.Network.Enabled && len(req.Network.AllowedHosts) > 0 {
		if d.egressPort == 0 {
			return fmt.Errorf("%w: host allow-list requires the egress gate", ErrInvalidRequest)
		}
		if req.Network.GateToken == "" {
			return fmt.Errorf("%w: host allow-list requires gate registration", ErrInvalidRequest)
		}
	}
	if req.Limits != (ResourceLimits{}) {
		if err := req.Limits.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}
	return nil
}
