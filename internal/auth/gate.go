package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// PrivilegedOp names an operation that requires the Privilege Gate.
type PrivilegedOp string

const (
	OpCreateSuperuser    PrivilegedOp = "create_superuser"
	OpToggleSuperuserCLI PrivilegedOp = "toggle_superuser_cli"
	OpChangeAuthMode     PrivilegedOp = "change_auth_mode"
)

// Gate mediates superuser-only actions. It fails closed: without explicit
// elevated proof the answer is always ErrForbidden, and the disabled switch
// wins over everything else.
type Gate struct {
	tokens   *TokenManager
	store    IdentityStore
	audit    AuditSink
	disabled bool // when set, every call fails with ErrDisabled
}

func NewGate(tokens *TokenManager, store IdentityStore, audit AuditSink, enabled bool) *Gate {
	if audit == nil {
		audit = NopAudit{}
	}
	return &Gate{
		tokens:   tokens,
		store:    store,
		audit:    audit,
		disabled: !enabled,
	}
}

// AuthorizePrivileged decides whether principal may perform op, given the
// separately presented elevated token. The disabled check runs before any
// credential inspection so a probing caller cannot learn whether their
// credential would otherwise have worked.
func (g *Gate) AuthorizePrivileged(ctx context.Context, principal *Principal, op PrivilegedOp, elevatedToken string) error {
	if g.disabled {
		g.record(principal, op, "disabled")
		return ErrDisabled
	}

	if !principal.Superuser() || !principal.Verified() {
		// Auto-login sessions carry a fabricated superuser; convenience
		// flags never substitute for elevated proof.
		g.record(principal, op, "forbidden")
		return ErrForbidden
	}

	if err := g.checkElevated(ctx, elevatedToken); err != nil {
		g.record(principal, op, "forbidden")
		return err
	}

	g.record(principal, op, "authorized")
	log.Info().
		Str("principal", principal.ID).
		Str("operation", string(op)).
		Msg("privileged operation authorized")
	return nil
}

// checkElevated accepts either a short-lived elevated JWT or an API key
// flagged elevated in the identity store.
func (g *Gate) checkElevated(ctx context.Context, token string) error {
	if token == "" {
		return ErrForbidden
	}

	if claims, err := g.tokens.Validate(token); err == nil {
		if claims.Scope == ScopeElevated && claims.Superuser {
			return nil
		}
		return ErrForbidden
	}

	if g.store != nil {
		rec, err := g.store.LookupAPIKey(ctx, Fingerprint(token))
		if err == nil && rec != nil && rec.Elevated && rec.Role == RoleSuperuser {
			if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
				return ErrForbidden
			}
			if err := compareAPIKey(rec.SecretHash, token); err != nil {
				return ErrForbidden
			}
			return nil
		}
	}

	return ErrForbidden
}

func (g *Gate) record(principal *Principal, op PrivilegedOp, outcome string) {
	attempt := AuthAttempt{
		Timestamp: time.Now(),
		Outcome:   outcome,
		Operation: string(op),
	}
	if principal != nil {
		attempt.PrincipalID = principal.ID
		attempt.Credential = principal.Credential
	}
	g.audit.RecordAuth(attempt)
}
