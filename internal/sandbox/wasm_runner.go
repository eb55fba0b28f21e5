package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"aiexec-sandbox/internal/runtime"
)

// wasmMemoryPages caps guest linear memory at 128MB.
const wasmMemoryPages = 2048

// WasmRunner executes WASI modules in-process with wazero. No container is
// involved: isolation comes from the WASM memory model plus a runtime
// configured with no filesystem mounts and no sockets. Request.Code carries
// the module bytes base64-encoded; Request.EntryPoint names the export to
// invoke, defaulting to "run" and then "_start".
type WasmRunner struct {
	runtime wazero.Runtime
}

// NewWasmRunner creates the in-process WASM backend.
func NewWasmRunner(ctx context.Context) *WasmRunner {
	config := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(wasmMemoryPages)

	rt := wazero.NewRuntimeWithConfig(ctx, config)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	return &WasmRunner{runtime: rt}
}

func (w *WasmRunner) Execute(ctx context.Context, req Request) (*Outcome, error) {
	var stdout, stderr bytes.Buffer
	return w.executeInternal(ctx, req, &stdout, &stderr)
}

func (w *WasmRunner) ExecuteStreaming(ctx context.Context, req Request, stdout, stderr io.Writer) (*Outcome, error) {
	return w.executeInternal(ctx, req, stdout, stderr)
}

func (w *WasmRunner) executeInternal(ctx context.Context, req Request, stdout, stderr io.Writer) (*Outcome, error) {
	execID := req.ExecID

	logger := log.With().
		Str("exec_id", execID).
		Str("language", req.Language).
		Logger()

	if req.Code == "" {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: code is empty", ErrInvalidRequest)}
	}
	if req.Network.Enabled {
		// wazero has no sockets to offer; refusing is clearer than
		// silently running without network.
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: wasm executions cannot enable the network", ErrInvalidRequest)}
	}

	wasmBytes, err := base64.StdEncoding.DecodeString(req.Code)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "decode_module", Err: fmt.Errorf("%w: code must be a base64-encoded wasm module", ErrInvalidRequest)}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	var stdoutBuf, stderrBuf bytes.Buffer
	outWriter := io.MultiWriter(&stdoutBuf, stdout)
	errWriter := io.MultiWriter(&stderrBuf, stderr)

	// The entry point is invoked explicitly below, so auto-start is
	// suppressed here.
	modConfig := wazero.NewModuleConfig().
		WithName("aiexec-" + execID).
		WithStdout(outWriter).
		WithStderr(errWriter).
		WithArgs("main.wasm").
		WithStartFunctions()

	logger.Info().Msg("wasm execution started")

	module, instErr := w.runtime.InstantiateWithConfig(execCtx, wasmBytes, modConfig)
	if module != nil {
		defer module.Close(context.Background())
	}
	if instErr != nil {
		// A module that cannot instantiate behaves like a crashed process,
		// not an internal fault.
		fmt.Fprintf(errWriter, "%v\n", instErr)
		return &Outcome{
			ExecID:   execID,
			Stdout:   truncateOutput(stdoutBuf.String(), maxStdoutBytes),
			Stderr:   truncateOutput(stderrBuf.String(), maxStderrBytes),
			ExitCode: 1,
			Duration: time.Since(start),
		}, nil
	}

	fn, err := resolveEntry(module, req.EntryPoint)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "resolve_entry", Err: err}
	}

	var exitCode int
	var events []SecurityEvent

	results, callErr := fn.Call(execCtx)
	duration := time.Since(start)

	if callErr != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(callErr, &exitErr):
			exitCode = int(exitErr.ExitCode())
		case execCtx.Err() == context.DeadlineExceeded:
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
		default:
			// Traps include out-of-bounds memory growth beyond the page
			// limit; surface those as a resource kill.
			if isWasmMemoryError(callErr) {
				events = append(events, SecurityEvent{
					Type:   "oom_kill",
					Detail: "module exceeded the linear memory limit",
				})
				return &Outcome{
					ExecID:    execID,
					Stdout:    truncateOutput(stdoutBuf.String(), maxStdoutBytes),
					Stderr:    truncateOutput(stderrBuf.String(), maxStderrBytes),
					ExitCode:  -1,
					Duration:  duration,
					OOMKilled: true,
					Events:    events,
				}, ErrResourceExceeded
			}
			// Other traps behave like a crashed process.
			fmt.Fprintf(errWriter, "%v\n", callErr)
			exitCode = 1
		}
	}

	// A numeric return from the entry point travels the same marker-line
	// channel the text harnesses use, so the executor surfaces it as the
	// result value.
	if callErr == nil && len(results) > 0 {
		if v, ok := encodeWasmValue(results[0], fn.Definition().ResultTypes()[0]); ok {
			fmt.Fprintf(outWriter, "%s%s\n", runtime.ValueMarker, v)
		}
	}

	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("wasm execution completed")

	return &Outcome{
		ExecID:   execID,
		Stdout:   truncateOutput(stdoutBuf.String(), maxStdoutBytes),
		Stderr:   truncateOutput(stderrBuf.String(), maxStderrBytes),
		ExitCode: exitCode,
		Duration: duration,
		Events:   events,
	}, nil
}

// resolveEntry finds the export to invoke. An explicit name must exist; with
// no name, "run" is preferred and "_start" accepted for WASI command modules.
func resolveEntry(module api.Module, name string) (api.Function, error) {
	if name != "" {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("%w: module exports no function %q", ErrInvalidRequest, name)
		}
		return checkEntrySignature(fn, name)
	}
	for _, candidate := range []string{"run", "_start"} {
		if fn := module.ExportedFunction(candidate); fn != nil {
			return checkEntrySignature(fn, candidate)
		}
	}
	return nil, fmt.Errorf("%w: module exports neither \"run\" nor \"_start\"", ErrInvalidRequest)
}

func checkEntrySignature(fn api.Function, name string) (api.Function, error) {
	if len(fn.Definition().ParamTypes()) > 0 {
		return nil, fmt.Errorf("%w: entry point %q must take no parameters", ErrInvalidRequest, name)
	}
	return fn, nil
}

// encodeWasmValue renders a raw wasm return value as JSON. Non-finite floats
// have no JSON form and are dropped.
func encodeWasmValue(raw uint64, t api.ValueType) (string, bool) {
	switch t {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(int32(raw)), 10), true
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(raw), 10), true
	case api.ValueTypeF32:
		return encodeWasmFloat(float64(api.DecodeF32(raw)))
	case api.ValueTypeF64:
		return encodeWasmFloat(api.DecodeF64(raw))
	}
	return "", false
}

func encodeWasmFloat(f float64) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	return strconv.FormatFloat(f, 'g', -1, 64), true
}

func isWasmMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return bytes.Contains([]byte(msg), []byte("out of memory")) ||
		bytes.Contains([]byte(msg), []byte("memory.grow"))
}

func (w *WasmRunner) Close() error {
	return w.runtime.Close(context.Background())
}
