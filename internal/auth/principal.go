package auth

import (
	"context"
	"time"
)

// Role of an authenticated principal.
type Role string

const (
	RoleStandard  Role = "standard"
	RoleSuperuser Role = "superuser"
)

// Provenance records how a principal came to be trusted. Fabricated
// principals exist only in auto-login deployments and are never sufficient
// for privileged operations.
type Provenance string

const (
	ProvenanceVerified   Provenance = "verified"
	ProvenanceFabricated Provenance = "fabricated"
)

// CredentialKind identifies the credential a principal was derived from.
type CredentialKind string

const (
	CredentialAPIKey  CredentialKind = "api_key"
	CredentialSession CredentialKind = "session"
	CredentialNone    CredentialKind = "none"
)

// Principal is an authenticated identity attached to a request. It is
// immutable for the request lifetime and discarded at request end.
type Principal struct {
	ID         string
	Username   string
	Role       Role
	Provenance Provenance
	Credential CredentialKind
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Superuser reports whether the principal carries the superuser role.
func (p *Principal) Superuser() bool {
	return p != nil && p.Role == RoleSuperuser
}

// Verified reports whether the principal was derived from an actual
// credential rather than fabricated by auto-login.
func (p *Principal) Verified() bool {
	return p != nil && p.Provenance == ProvenanceVerified
}

// APIKeyRecord is what the identity store resolves an API-key fingerprint to.
type APIKeyRecord struct {
	PrincipalID string
	Username    string
	Role        Role
	Elevated    bool // key may authorize privileged operations
	SecretHash  []byte
	ExpiresAt   *time.Time
}

// IdentityStore resolves API-key fingerprints to principal records. The
// Postgres implementation lives in internal/storage.
type IdentityStore interface {
	LookupAPIKey(ctx context.Context, fingerprint string) (*APIKeyRecord, error)
}

// AuthAttempt is the audit record for one verification or authorization
// attempt. It never carries a raw credential value.
type AuthAttempt struct {
	Timestamp   time.Time
	SourceAddr  string
	Outcome     string // verified, fabricated, rejected, forbidden, disabled
	Mode        string
	Credential  CredentialKind
	PrincipalID string
	Operation   string // set for privileged operations
	Severity    string // set for high-severity events (escape attempts etc.)
}

// AuditSink receives auth audit entries. Implementations must not block the
// caller; the storage.AuditWriter satisfies this with a buffered channel.
type AuditSink interface {
	RecordAuth(attempt AuthAttempt)
}

// NopAudit discards audit entries, for tests and audit-less dev setups.
type NopAudit struct{}

func (NopAudit) RecordAuth(AuthAttempt) {}
