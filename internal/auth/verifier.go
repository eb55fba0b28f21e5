package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"aiexec-sandbox/internal/config"
)

// Credential is the bearer token presented on a request, before verification.
type Credential struct {
	Kind  CredentialKind
	Token string
}

// Verifier turns credentials into principals according to the configured
// authentication mode. It is safe for concurrent use and never blocks on
// executor resources; the only side effect is a non-blocking audit write.
type Verifier struct {
	mode      config.AuthMode
	tokens    *TokenManager
	store     IdentityStore
	audit     AuditSink
	superuser string // identity assumed by auto-login
}

func NewVerifier(cfg config.AuthConfig, tokens *TokenManager, store IdentityStore, audit AuditSink) *Verifier {
	if audit == nil {
		audit = NopAudit{}
	}
	superuser := cfg.SuperuserUsername
	if superuser == "" {
		superuser = "superuser"
	}
	return &Verifier{
		mode:      cfg.Mode(),
		tokens:    tokens,
		store:     store,
		audit:     audit,
		superuser: superuser,
	}
}

// Mode returns the verification mode this verifier was built with. The mode
// is a per-process snapshot; changing it requires a gate-authorized restart.
func (v *Verifier) Mode() config.AuthMode {
	return v.mode
}

// Verify resolves a credential to a Principal or fails with ErrUnauthorized.
// Every attempt is audited with its outcome; raw token values never leave
// this function.
func (v *Verifier) Verify(ctx context.Context, cred Credential, sourceAddr string) (*Principal, error) {
	if v.mode == config.AuthModeAutoLoginSkipAuth {
		// Documented historical vulnerability class: identity is fabricated
		// without inspecting any token. Config validation keeps this
		// unreachable outside the dev profile; log loudly anyway.
		log.Warn().
			Str("source", sourceAddr).
			Msg("skip-auth auto-login active: fabricating superuser principal without credential check")
		p := v.fabricated()
		v.record(sourceAddr, "fabricated", CredentialNone, p.ID)
		return p, nil
	}

	if cred.Token == "" {
		if v.mode == config.AuthModeAutoLogin {
			p := v.fabricated()
			v.record(sourceAddr, "fabricated", CredentialNone, p.ID)
			log.Debug().Str("source", sourceAddr).Msg("auto-login: no credential presented, assuming default superuser")
			return p, nil
		}
		v.record(sourceAddr, "rejected", CredentialNone, "")
		return nil, ErrUnauthorized
	}

	var (
		p   *Principal
		err error
	)
	switch cred.Kind {
	case CredentialSession:
		p, err = v.verifySession(cred.Token)
	case CredentialAPIKey:
		p, err = v.verifyAPIKey(ctx, cred.Token)
	default:
		err = ErrUnauthorized
	}

	if err != nil {
		v.record(sourceAddr, "rejected", cred.Kind, "")
		return nil, err
	}

	v.record(sourceAddr, "verified", cred.Kind, p.ID)
	return p, nil
}

func (v *Verifier) verifySession(token string) (*Principal, error) {
	claims, err := v.tokens.Validate(token)
	if err != nil {
		return nil, err
	}

	role := claims.Role
	if role != RoleSuperuser {
		role = RoleStandard
	}

	p := &Principal{
		ID:         claims.Subject,
		Username:   claims.Username,
		Role:       role,
		Provenance: ProvenanceVerified,
		Credential: CredentialSession,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func (v *Verifier) verifyAPIKey(ctx context.Context, token string) (*Principal, error) {
	if v.store == nil {
		return nil, ErrUnauthorized
	}

	rec, err := v.store.LookupAPIKey(ctx, Fingerprint(token))
	if err != nil || rec == nil {
		return nil, ErrUnauthorized
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, ErrUnauthorized
	}

	// The fingerprint is an index, not a proof: the stored bcrypt hash is
	// what actually authenticates the key.
	if compareAPIKey(rec.SecretHash, token) != nil {
		return nil, ErrUnauthorized
	}

	return &Principal{
		ID:         rec.PrincipalID,
		Username:   rec.Username,
		Role:       rec.Role,
		Provenance: ProvenanceVerified,
		Credential: CredentialAPIKey,
		IssuedAt:   time.Now(),
	}, nil
}

func (v *Verifier) fabricated() *Principal {
	now := time.Now()
	return &Principal{
		ID:         v.superuser,
		Username:   v.superuser,
		Role:       RoleSuperuser,
		Provenance: ProvenanceFabricated,
		Credential: CredentialNone,
		IssuedAt:   now,
	}
}

func (v *Verifier) record(source, outcome string, kind CredentialKind, principalID string) {
	v.audit.RecordAuth(AuthAttempt{
		Timestamp:   time.Now(),
		SourceAddr:  source,
		Outcome:     outcome,
		Mode:        string(v.mode),
		Credential:  kind,
		PrincipalID: principalID,
	})
}

// Fingerprint returns the SHA-256 hex fingerprint used to index API keys.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte("aiexec-api-key:" + token))
	return hex.EncodeToString(sum[:])
}

// HashAPIKey produces the bcrypt hash stored alongside an API key
// fingerprint. The token is pre-hashed so keys longer than bcrypt's 72-byte
// input limit still authenticate.
func HashAPIKey(token string) ([]byte, error) {
	digest := sha256.Sum256([]byte(token))
	return bcrypt.GenerateFromPassword(digest[:], bcrypt.DefaultCost)
}

func compareAPIKey(hash []byte, token string) error {
	digest := sha256.Sum256([]byte(token))
	return bcrypt.CompareHashAndPassword(hash, digest[:])
}
