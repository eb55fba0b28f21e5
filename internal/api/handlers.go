package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"aiexec-sandbox/internal/auth"
	"aiexec-sandbox/internal/egress"
	"aiexec-sandbox/internal/executor"
	"aiexec-sandbox/internal/monitor"
	"aiexec-sandbox/internal/sandbox"
	"aiexec-sandbox/internal/storage"
)

type Handlers struct {
	exec     *executor.Executor
	db       *storage.DB
	gate     *auth.Gate
	egress   *egress.Gate
	metrics  *monitor.Metrics
	audit    auth.AuditSink
	tokens   *auth.TokenManager
	detector *monitor.EscapeDetector
	tracer   *monitor.Tracer
}

func NewHandlers(deps Deps) *Handlers {
	audit := deps.Audit
	if audit == nil {
		audit = auth.NopAudit{}
	}
	return &Handlers{
		exec:     deps.Exec,
		db:       deps.DB,
		gate:     deps.Gate,
		egress:   deps.Egress,
		metrics:  deps.Metrics,
		audit:    audit,
		tokens:   deps.Tokens,
		detector: monitor.NewEscapeDetector(),
		tracer:   monitor.NewTracer(),
	}
}

// HandleValidateCode validates a code submission and, if it passes, runs it
// to a terminal result. All outcomes the code itself caused come back as
// HTTP 200 with a status field; only malformed requests and engine faults
// use error statuses.
func (h *Handlers) HandleValidateCode(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}

	sub := req.Submission()
	execID := uuid.New().String()

	preEvents := h.analyzeCode(r, execID, req.Code)

	token, release := h.registerEgress(execID, sub.Network)
	defer release()
	sub.Network.GateToken = token

	ctx, span := h.tracer.StartSpan(r.Context(), "validate_code",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(sub.Language),
		monitor.AttrCodeHash.String(codeDigest(req.Code)),
	)
	defer span.End()

	res, err := h.exec.ValidateAndRun(executor.WithExecID(ctx, execID), sub)
	if err != nil {
		h.writeExecError(w, r, err)
		return
	}
	span.SetAttributes(
		monitor.AttrStatus.String(string(res.Status)),
		monitor.AttrDurationMS.Int64(res.Duration.Milliseconds()),
	)

	resp := h.buildResponse(r, execID, res, preEvents)

	status := http.StatusOK
	if res.Status == executor.StatusRejectedBusy {
		w.Header().Set("Retry-After", "1")
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, resp)
}

// HandleValidateCodeStream is HandleValidateCode over Server-Sent Events:
// stdout and stderr stream as they are produced, and the terminal result
// arrives in a final "done" event.
func (h *Handlers) HandleValidateCodeStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}

	stdoutWriter := NewSSEWriter(w, "stdout")
	stderrWriter := NewSSEWriter(w, "stderr")
	if stdoutWriter == nil || stderrWriter == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	sub := req.Submission()
	execID := uuid.New().String()

	preEvents := h.analyzeCode(r, execID, req.Code)

	token, release := h.registerEgress(execID, sub.Network)
	defer release()
	sub.Network.GateToken = token

	// Precheck before committing to the event stream so malformed requests
	// still get a regular JSON error response.
	if err := h.exec.Validate(sub); err != nil {
		h.writeExecError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, span := h.tracer.StartSpan(r.Context(), "validate_code_stream",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(sub.Language),
		monitor.AttrCodeHash.String(codeDigest(req.Code)),
	)
	defer span.End()

	ctx = executor.WithExecID(ctx, execID)
	res, err := h.exec.ValidateAndRunStreaming(ctx, sub, stdoutWriter, stderrWriter)
	if err != nil {
		log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("streaming execution failed")
		sendSSEError(w, "execution failed")
		return
	}
	monitor.SpanFromContext(ctx).SetAttributes(
		monitor.AttrStatus.String(string(res.Status)),
		monitor.AttrDurationMS.Int64(res.Duration.Milliseconds()),
	)

	resp := h.buildResponse(r, execID, res, preEvents)
	data, _ := json.Marshal(resp)
	sendSSEDone(w, string(data))
}

// HandleCreateSuperuser creates a superuser account. The caller must hold a
// verified superuser principal and present elevated proof in the
// X-Elevated-Token header; both checks happen inside the privilege gate
// before the store is touched.
func (h *Handlers) HandleCreateSuperuser(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	var req CreateSuperuserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(req.Password) < 12 {
		writeError(w, "password must be at least 12 characters", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	elevated := r.Header.Get("X-Elevated-Token")
	if err := h.gate.AuthorizePrivileged(r.Context(), principal, auth.OpCreateSuperuser, elevated); err != nil {
		if h.metrics != nil {
			h.metrics.RecordAuthAttempt("gate_denied")
		}
		switch {
		case errors.Is(err, auth.ErrDisabled):
			writeError(w, "superuser management is disabled", "GATE_DISABLED", http.StatusForbidden, r)
		default:
			writeError(w, "forbidden", "FORBIDDEN", http.StatusForbidden, r)
		}
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, "internal server error", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	user, err := h.db.CreateSuperuser(r.Context(), req.Username, hash)
	if err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("superuser creation failed")
		writeError(w, "superuser creation failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusCreated, CreateSuperuserResponse{
		ID:        user.ID,
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
	})
}

// HandleLogin exchanges a username and password for a session token. It is
// the one unauthenticated API operation; all failures after validation look
// the same so callers cannot enumerate usernames.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, "username and password are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.db == nil || h.tokens == nil {
		writeError(w, "login not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	reject := func() {
		h.recordLogin(r, "rejected", "")
		if h.metrics != nil {
			h.metrics.RecordAuthAttempt("login_rejected")
		}
		writeError(w, "invalid credentials", "UNAUTHORIZED", http.StatusUnauthorized, r)
	}

	user, err := h.db.GetUser(r.Context(), req.Username)
	if err != nil {
		reject()
		return
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)) != nil {
		reject()
		return
	}

	role := auth.RoleStandard
	if user.Superuser {
		role = auth.RoleSuperuser
	}
	token, err := h.tokens.IssueSession(user.ID, user.Username, role)
	if err != nil {
		log.Error().Err(err).Str("username", user.Username).Msg("session issue failed")
		writeError(w, "internal server error", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	if err := h.db.TouchUserLogin(r.Context(), user.Username); err != nil {
		log.Warn().Err(err).Str("username", user.Username).Msg("login stamp failed")
	}
	h.recordLogin(r, "verified", user.ID)

	writeJSON(w, http.StatusOK, LoginResponse{Token: token, Role: string(role)})
}

func (h *Handlers) recordLogin(r *http.Request, outcome, principalID string) {
	h.audit.RecordAuth(auth.AuthAttempt{
		Timestamp:   time.Now(),
		SourceAddr:  r.RemoteAddr,
		Outcome:     outcome,
		Mode:        "password",
		Credential:  auth.CredentialSession,
		PrincipalID: principalID,
	})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	filter := storage.ExecutionFilter{
		Language: r.URL.Query().Get("language"),
		Status:   r.URL.Query().Get("status"),
		Limit:    limit,
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) decodeSubmission(w http.ResponseWriter, r *http.Request) (ValidateRequest, bool) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if h.metrics != nil {
		h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}
	return req, true
}

// analyzeCode scans the submission for escape patterns before it runs.
// Detections are advisory for the execution itself, but high-severity ones
// land in the audit trail.
func (h *Handlers) analyzeCode(r *http.Request, execID, code string) []sandbox.SecurityEvent {
	dets := h.detector.AnalyzeCode(code)
	if h.metrics != nil {
		for _, d := range dets {
			h.metrics.RecordSecurityEvent(d.Pattern)
		}
	}
	h.recordDetections(r, execID, dets)
	return monitor.Events(dets)
}

// recordDetections pushes high and critical detections to the audit sink.
// Critical detections audit as isolation violations; lower severities never
// reach the trail.
func (h *Handlers) recordDetections(r *http.Request, execID string, dets []monitor.Detection) {
	sev := monitor.MaxSeverity(dets)
	if sev != monitor.SeverityHigh.String() && sev != monitor.SeverityCritical.String() {
		return
	}

	outcome := "escape_pattern"
	if sandbox.IsIsolationViolation(monitor.ViolationError(dets)) {
		outcome = "isolation_violation"
	}

	attempt := auth.AuthAttempt{
		Timestamp:  time.Now(),
		SourceAddr: r.RemoteAddr,
		Outcome:    outcome,
		Mode:       "detector",
		Credential: auth.CredentialNone,
		Operation:  "execute:" + execID,
		Severity:   sev,
	}
	if p := PrincipalFromContext(r.Context()); p != nil {
		attempt.PrincipalID = p.ID
		attempt.Credential = p.Credential
	}
	h.audit.RecordAuth(attempt)
}

// registerEgress opens the egress gate for the execution's allowed hosts
// and returns the credential the sandbox must present to the proxy. The
// release revokes the credential; with no gate or no hosts both are no-ops.
func (h *Handlers) registerEgress(execID string, network sandbox.NetworkPolicy) (string, func()) {
	if h.egress == nil || !network.Enabled || len(network.AllowedHosts) == 0 {
		return "", func() {}
	}
	return h.egress.Register(execID, network.AllowedHosts)
}

func (h *Handlers) buildResponse(r *http.Request, execID string, res *executor.Result, preEvents []sandbox.SecurityEvent) ValidateResponse {
	outDets := h.detector.AnalyzeOutput(res.Stdout + "\n" + res.Stderr)
	if h.metrics != nil {
		for _, d := range outDets {
			h.metrics.RecordSecurityEvent(d.Pattern)
		}
		h.metrics.OutputSizeBytes.Observe(float64(len(res.Stdout) + len(res.Stderr)))
	}
	h.recordDetections(r, execID, outDets)

	res.Events = append(res.Events, preEvents...)
	res.Events = append(res.Events, monitor.Events(outDets)...)

	return toResponse(res)
}

// codeDigest is the short hash attached to traces; the full hash only goes
// to storage.
func codeDigest(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:8])
}

func (h *Handlers) writeExecError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sandbox.ErrInvalidRequest), errors.Is(err, sandbox.ErrUnsupportedLang):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, sandbox.ErrBackendDown):
		writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
