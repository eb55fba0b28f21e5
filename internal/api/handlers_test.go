package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aiexec-sandbox/internal/auth"
	"aiexec-sandbox/internal/config"
	"aiexec-sandbox/internal/executor"
	"aiexec-sandbox/internal/monitor"
	"aiexec-sandbox/internal/runtime"
	"aiexec-sandbox/internal/sandbox"
)

// stubBackend returns a scripted outcome and mirrors it onto the streaming
// writers, the way real backends do.
type stubBackend struct {
	outcome *sandbox.Outcome
	err     error
}

func (b *stubBackend) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	return b.ExecuteStreaming(ctx, req, io.Discard, io.Discard)
}

func (b *stubBackend) ExecuteStreaming(ctx context.Context, req sandbox.Request, stdout, stderr io.Writer) (*sandbox.Outcome, error) {
	if b.outcome != nil {
		io.WriteString(stdout, b.outcome.Stdout)
		io.WriteString(stderr, b.outcome.Stderr)
	}
	return b.outcome, b.err
}

func (b *stubBackend) Close() error { return nil }

// captureSink records audit entries for assertions.
type captureSink struct {
	attempts []auth.AuthAttempt
}

func (s *captureSink) RecordAuth(a auth.AuthAttempt) {
	s.attempts = append(s.attempts, a)
}

func newTestHandlers(t *testing.T, backend sandbox.Backend) *Handlers {
	h, _ := newTestHandlersWithAudit(t, backend)
	return h
}

func newTestHandlersWithAudit(t *testing.T, backend sandbox.Backend) (*Handlers, *captureSink) {
	t.Helper()
	cfg := config.DefaultConfig()
	exec := executor.New(cfg, executor.Deps{Backend: backend})
	tokens := auth.NewTokenManager("test-secret-key-0123456789abcdef", cfg.Auth.SessionTTL, cfg.Auth.ElevatedTokenTTL)
	gate := auth.NewGate(tokens, nil, nil, true)
	sink := &captureSink{}
	h := NewHandlers(Deps{
		Exec:    exec,
		Gate:    gate,
		Metrics: monitor.NewMetrics(),
		Audit:   sink,
		Tokens:  tokens,
	})
	return h, sink
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	h(rec, req)
	return rec
}

func TestHandleValidateCode_Success(t *testing.T) {
	backend := &stubBackend{outcome: &sandbox.Outcome{
		Stdout:   "hello\n" + runtime.ValueMarker + "42\n",
		ExitCode: 0,
	}}
	h := newTestHandlers(t, backend)

	rec := postJSON(t, h.HandleValidateCode, "/api/v1/validate/code", ValidateRequest{
		Code:     "def run():\n    print('hello')\n    return 42\n",
		Language: "python",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp ValidateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("status = %q, want success", resp.Status)
	}
	if string(resp.Value) != "42" {
		t.Errorf("value = %s, want 42", resp.Value)
	}
	if strings.Contains(resp.Stdout, runtime.ValueMarker) {
		t.Error("value marker leaked into stdout")
	}
	if !strings.Contains(resp.Stdout, "hello") {
		t.Errorf("stdout = %q, want user print preserved", resp.Stdout)
	}
	if resp.ID == "" {
		t.Error("response carries no execution ID")
	}
}

func TestHandleValidateCode_MissingFields(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{})

	for name, req := range map[string]ValidateRequest{
		"no code":     {Language: "python"},
		"no language": {Code: "def run():\n    pass\n"},
	} {
		rec := postJSON(t, h.HandleValidateCode, "/api/v1/validate/code", req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
		var er ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
			t.Fatalf("%s: decode error body: %v", name, err)
		}
		if er.Code != "INVALID_REQUEST" {
			t.Errorf("%s: code = %q", name, er.Code)
		}
	}
}

func TestHandleValidateCode_InvalidJSON(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate/code", strings.NewReader("{not json"))
	h.HandleValidateCode(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleValidateCode_UnsupportedLanguage(t *testing.T) {
	backend := &stubBackend{}
	h := newTestHandlers(t, backend)

	rec := postJSON(t, h.HandleValidateCode, "/api/v1/validate/code", ValidateRequest{
		Code:     "puts 'hi'",
		Language: "ruby",
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if er.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q, want VALIDATION_ERROR", er.Code)
	}
}

func TestHandleValidateCode_CompileErrorTerminal(t *testing.T) {
	// The backend must never be reached; the precheck rejects unbalanced
	// delimiters before any sandbox work.
	h := newTestHandlers(t, &stubBackend{err: sandbox.ErrBackendDown})

	rec := postJSON(t, h.HandleValidateCode, "/api/v1/validate/code", ValidateRequest{
		Code:     "def run(:\n    return (1\n",
		Language: "python",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp ValidateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "compile_error" {
		t.Errorf("status = %q, want compile_error", resp.Status)
	}
}

func TestHandleValidateCode_SecurityEventsAttached(t *testing.T) {
	backend := &stubBackend{outcome: &sandbox.Outcome{ExitCode: 0}}
	h := newTestHandlers(t, backend)

	rec := postJSON(t, h.HandleValidateCode, "/api/v1/validate/code", ValidateRequest{
		Code:     "def run():\n    open('/proc/self/maps')\n",
		Language: "python",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp ValidateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.SecurityEvents) == 0 {
		t.Error("expected security events for /proc/self/maps access")
	}
}

func TestHandleValidateCode_CriticalDetectionAudited(t *testing.T) {
	backend := &stubBackend{outcome: &sandbox.Outcome{ExitCode: 0}}
	h, sink := newTestHandlersWithAudit(t, backend)

	rec := postJSON(t, h.HandleValidateCode, "/api/v1/validate/code", ValidateRequest{
		Code:     "def run():\n    open('/sys/fs/cgroup/release_agent')\n",
		Language: "python",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(sink.attempts) == 0 {
		t.Fatal("critical detection never reached the audit sink")
	}
	got := sink.attempts[0]
	if got.Severity != "critical" {
		t.Errorf("severity = %q, want critical", got.Severity)
	}
	if got.Outcome != "isolation_violation" {
		t.Errorf("outcome = %q, want isolation_violation", got.Outcome)
	}
	if !strings.HasPrefix(got.Operation, "execute:") {
		t.Errorf("operation = %q, want execute:<id>", got.Operation)
	}
}

func TestHandleValidateCode_OutputDetectionAudited(t *testing.T) {
	// Output analysis catches escapes the code scan missed; those must audit
	// too.
	backend := &stubBackend{outcome: &sandbox.Outcome{
		Stdout:   "root:x:0:0:root:/root:/bin/bash\n",
		ExitCode: 0,
	}}
	h, sink := newTestHandlersWithAudit(t, backend)

	rec := postJSON(t, h.HandleValidateCode, "/api/v1/validate/code", ValidateRequest{
		Code:     "def run():\n    return 0\n",
		Language: "python",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(sink.attempts) == 0 {
		t.Fatal("output detection never reached the audit sink")
	}
	if got := sink.attempts[0]; got.Severity != "critical" || got.Outcome != "isolation_violation" {
		t.Errorf("attempt = %+v, want critical isolation_violation", got)
	}
}

func TestHandleValidateCode_LowSeverityNotAudited(t *testing.T) {
	backend := &stubBackend{outcome: &sandbox.Outcome{ExitCode: 0}}
	h, sink := newTestHandlersWithAudit(t, backend)

	rec := postJSON(t, h.HandleValidateCode, "/api/v1/validate/code", ValidateRequest{
		Code:     "def run():\n    return 'xmrig hashrate'\n",
		Language: "python",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(sink.attempts) != 0 {
		t.Errorf("medium-severity detection audited: %+v", sink.attempts)
	}
}

func TestHandleValidateCodeStream(t *testing.T) {
	backend := &stubBackend{outcome: &sandbox.Outcome{
		Stdout:   "line one\n",
		ExitCode: 0,
	}}
	h := newTestHandlers(t, backend)

	rec := postJSON(t, h.HandleValidateCodeStream, "/api/v1/validate/code/stream", ValidateRequest{
		Code:     "def run():\n    print('line one')\n",
		Language: "python",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: stdout") {
		t.Error("no stdout event in stream")
	}
	if !strings.Contains(body, "event: done") {
		t.Error("no done event in stream")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestHandleCreateSuperuser_FabricatedPrincipalForbidden(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{})

	// Auto-login fabricates a superuser principal; the gate must still
	// refuse it because the identity was never verified.
	fabricated := &auth.Principal{
		ID:         "superuser",
		Username:   "superuser",
		Role:       auth.RoleSuperuser,
		Provenance: auth.ProvenanceFabricated,
		Credential: auth.CredentialNone,
	}

	data, _ := json.Marshal(CreateSuperuserRequest{Username: "eve", Password: "a-long-password-123"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/superuser", strings.NewReader(string(data)))
	req = req.WithContext(context.WithValue(req.Context(), contextKeyPrincipal, fabricated))
	h.HandleCreateSuperuser(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandleCreateSuperuser_GateDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	exec := executor.New(cfg, executor.Deps{Backend: &stubBackend{}})
	tokens := auth.NewTokenManager("test-secret-key-0123456789abcdef", cfg.Auth.SessionTTL, cfg.Auth.ElevatedTokenTTL)
	gate := auth.NewGate(tokens, nil, nil, false)
	h := NewHandlers(Deps{Exec: exec, Gate: gate, Metrics: monitor.NewMetrics(), Tokens: tokens})

	verified := &auth.Principal{
		ID:         "u-1",
		Username:   "root",
		Role:       auth.RoleSuperuser,
		Provenance: auth.ProvenanceVerified,
		Credential: auth.CredentialSession,
	}
	elevated, err := tokens.IssueElevated("u-1", "root", auth.RoleSuperuser)
	if err != nil {
		t.Fatalf("issue elevated: %v", err)
	}

	data, _ := json.Marshal(CreateSuperuserRequest{Username: "other", Password: "a-long-password-123"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/superuser", strings.NewReader(string(data)))
	req.Header.Set("X-Elevated-Token", elevated)
	req = req.WithContext(context.WithValue(req.Context(), contextKeyPrincipal, verified))
	h.HandleCreateSuperuser(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if er.Code != "GATE_DISABLED" {
		t.Errorf("code = %q, want GATE_DISABLED", er.Code)
	}
}

func TestHandleLogin_MissingFields(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{})

	for name, req := range map[string]LoginRequest{
		"no username": {Password: "a-long-password-123"},
		"no password": {Username: "root"},
	} {
		rec := postJSON(t, h.HandleLogin, "/api/v1/auth/login", req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestHandleLogin_NoDatabase(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{})

	rec := postJSON(t, h.HandleLogin, "/api/v1/auth/login", LoginRequest{
		Username: "root",
		Password: "a-long-password-123",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleCreateSuperuser_WeakPassword(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{})

	verified := &auth.Principal{
		ID:         "u-1",
		Role:       auth.RoleSuperuser,
		Provenance: auth.ProvenanceVerified,
		Credential: auth.CredentialSession,
	}

	data, _ := json.Marshal(CreateSuperuserRequest{Username: "other", Password: "short"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/superuser", strings.NewReader(string(data)))
	req = req.WithContext(context.WithValue(req.Context(), contextKeyPrincipal, verified))
	h.HandleCreateSuperuser(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
