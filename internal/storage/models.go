package storage

import "time"

// Execution is a stored execution record.
type Execution struct {
	ID             string     `json:"id" db:"id"`
	Language       string     `json:"language" db:"language"`
	CodeHash       string     `json:"code_hash" db:"code_hash"`
	Status         string     `json:"status" db:"status"` // success, compile_error, runtime_error, timeout, resource_exceeded, rejected_busy
	ExitCode       int        `json:"exit_code" db:"exit_code"`
	Stdout         string     `json:"stdout" db:"stdout"`
	Stderr         string     `json:"stderr" db:"stderr"`
	Value          string     `json:"value,omitempty" db:"value"` // JSON-encoded entry point return
	DurationMS     int64      `json:"duration_ms" db:"duration_ms"`
	SecurityEvents int        `json:"security_events" db:"security_events"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// User is a stored account. Only superusers exist today; standard users are
// created through API keys.
type User struct {
	ID           string     `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	PasswordHash []byte     `json:"-" db:"password_hash"`
	Superuser    bool       `json:"superuser" db:"superuser"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
}

// APIKey is a stored key record, indexed by fingerprint. The raw token is
// shown once at creation and never persisted.
type APIKey struct {
	Fingerprint string     `json:"fingerprint" db:"fingerprint"`
	PrincipalID string     `json:"principal_id" db:"principal_id"`
	Username    string     `json:"username" db:"username"`
	Role        string     `json:"role" db:"role"`
	Elevated    bool       `json:"elevated" db:"elevated"`
	SecretHash  []byte     `json:"-" db:"secret_hash"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// AuthAudit is a stored verification or authorization attempt.
type AuthAudit struct {
	ID          string    `json:"id" db:"id"`
	Outcome     string    `json:"outcome" db:"outcome"`
	Mode        string    `json:"mode" db:"mode"`
	Credential  string    `json:"credential" db:"credential"`
	PrincipalID string    `json:"principal_id,omitempty" db:"principal_id"`
	Operation   string    `json:"operation,omitempty" db:"operation"`
	Severity    string    `json:"severity,omitempty" db:"severity"`
	SourceAddr  string    `json:"source_addr" db:"source_addr"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Language string
	Status   string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}
