package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"aiexec-sandbox/internal/auth"
	"aiexec-sandbox/internal/config"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	pc.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	pc.MinConns = 2
	pc.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// EnsureSchema creates the tables if they do not exist. Idempotent; runs at
// startup.
func (db *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash BYTEA NOT NULL,
			superuser BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			last_login_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			fingerprint TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			username TEXT NOT NULL,
			role TEXT NOT NULL,
			elevated BOOLEAN NOT NULL DEFAULT FALSE,
			secret_hash BYTEA NOT NULL,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS auth_audit (
			id TEXT PRIMARY KEY,
			outcome TEXT NOT NULL,
			mode TEXT NOT NULL,
			credential TEXT NOT NULL,
			principal_id TEXT,
			operation TEXT,
			severity TEXT,
			source_addr TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			language TEXT NOT NULL,
			code_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INT NOT NULL,
			stdout TEXT,
			stderr TEXT,
			value TEXT,
			duration_ms BIGINT NOT NULL,
			security_events INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_auth_audit_created ON auth_audit (created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// LookupAPIKey resolves a fingerprint to its key record. Satisfies
// auth.IdentityStore.
func (db *DB) LookupAPIKey(ctx context.Context, fingerprint string) (*auth.APIKeyRecord, error) {
	query := `
		SELECT principal_id, username, role, elevated, secret_hash, expires_at
		FROM api_keys WHERE fingerprint = $1`

	var rec auth.APIKeyRecord
	var role string
	err := db.pool.QueryRow(ctx, query, fingerprint).Scan(
		&rec.PrincipalID, &rec.Username, &role, &rec.Elevated,
		&rec.SecretHash, &rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	rec.Role = auth.Role(role)

	// Best effort; key resolution must not fail on a stats update.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = db.pool.Exec(ctx,
			`UPDATE api_keys SET last_used_at = now() WHERE fingerprint = $1`, fingerprint)
	}()

	return &rec, nil
}

// CreateAPIKey stores a new key record. The caller hashes the token first.
func (db *DB) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.PrincipalID == "" {
		key.PrincipalID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO api_keys (fingerprint, principal_id, username, role, elevated,
			secret_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.pool.Exec(ctx, query,
		key.Fingerprint, key.PrincipalID, key.Username, key.Role, key.Elevated,
		key.SecretHash, key.ExpiresAt, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// GetUser fetches a user by username.
func (db *DB) GetUser(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, password_hash, superuser, created_at, last_login_at
		FROM users WHERE username = $1`

	var u User
	err := db.pool.QueryRow(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Superuser,
		&u.CreatedAt, &u.LastLoginAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %s: %w", username, err)
	}
	return &u, nil
}

// CreateSuperuser inserts a superuser account. Fails if the username is
// taken.
func (db *DB) CreateSuperuser(ctx context.Context, username string, passwordHash []byte) (*User, error) {
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		Superuser:    true,
		CreatedAt:    time.Now(),
	}

	query := `
		INSERT INTO users (id, username, password_hash, superuser, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := db.pool.Exec(ctx, query,
		u.ID, u.Username, u.PasswordHash, u.Superuser, u.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("inserting superuser: %w", err)
	}
	return u, nil
}

// TouchUserLogin stamps a successful login.
func (db *DB) TouchUserLogin(ctx context.Context, username string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE users SET last_login_at = now() WHERE username = $1`, username)
	return err
}

// LogAuthAttempt inserts an auth audit record.
func (db *DB) LogAuthAttempt(ctx context.Context, a *AuthAudit) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO auth_audit (id, outcome, mode, credential, principal_id,
			operation, severity, source_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := db.pool.Exec(ctx, query,
		a.ID, a.Outcome, a.Mode, a.Credential, a.PrincipalID,
		a.Operation, a.Severity, a.SourceAddr, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting auth audit: %w", err)
	}
	return nil
}

// LogExecution inserts an execution record.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, language, code_hash, status, exit_code,
			stdout, stderr, value, duration_ms, security_events, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Language, exec.CodeHash, exec.Status, exec.ExitCode,
		truncateForDB(exec.Stdout, 65535),
		truncateForDB(exec.Stderr, 65535),
		truncateForDB(exec.Value, 65535),
		exec.DurationMS, exec.SecurityEvents,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, language, code_hash, status, exit_code, stdout, stderr, value,
			duration_ms, security_events, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Language, &exec.CodeHash, &exec.Status, &exec.ExitCode,
		&exec.Stdout, &exec.Stderr, &exec.Value,
		&exec.DurationMS, &exec.SecurityEvents,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, language, code_hash, status, exit_code, duration_ms,
			security_events, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR language = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Language, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Language, &exec.CodeHash, &exec.Status, &exec.ExitCode,
			&exec.DurationMS, &exec.SecurityEvents,
			&exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
