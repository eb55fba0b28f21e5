package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "aiexec-sandbox"

// Token scopes. Session tokens authenticate ordinary API calls; elevated
// tokens are the separate short-lived proof the Privilege Gate demands.
const (
	ScopeSession  = "session"
	ScopeElevated = "elevated"
)

// Claims are the JWT claims carried by session and elevated tokens.
type Claims struct {
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	Superuser bool   `json:"superuser"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 tokens with the process-wide secret
// key.
type TokenManager struct {
	secret      []byte
	sessionTTL  time.Duration
	elevatedTTL time.Duration
}

func NewTokenManager(secret string, sessionTTL, elevatedTTL time.Duration) *TokenManager {
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}
	if elevatedTTL == 0 {
		elevatedTTL = 5 * time.Minute
	}
	return &TokenManager{
		secret:      []byte(secret),
		sessionTTL:  sessionTTL,
		elevatedTTL: elevatedTTL,
	}
}

// IssueSession mints a session token for the given principal identity.
func (tm *TokenManager) IssueSession(principalID, username string, role Role) (string, error) {
	return tm.issue(principalID, username, role, ScopeSession, tm.sessionTTL)
}

// IssueElevated mints a short-lived elevated token. Only superusers may hold
// one; the gate additionally re-checks the claim on every use.
func (tm *TokenManager) IssueElevated(principalID, username string, role Role) (string, error) {
	if role != RoleSuperuser {
		return "", fmt.Errorf("%w: elevated tokens are superuser-only", ErrForbidden)
	}
	return tm.issue(principalID, username, role, ScopeElevated, tm.elevatedTTL)
}

func (tm *TokenManager) issue(principalID, username string, role Role, scope string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username:  username,
		Role:      role,
		Superuser: role == RoleSuperuser,
		Scope:     scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   principalID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string. All parse and claim failures
// collapse to ErrUnauthorized so callers cannot distinguish why a token was
// rejected.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return tm.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, errTokenInvalid)
	}
	if claims.Scope != ScopeSession && claims.Scope != ScopeElevated {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, errTokenInvalid)
	}
	return claims, nil
}

// errTokenInvalid is the only detail ever surfaced for a bad token.
var errTokenInvalid = fmt.Errorf("invalid token")
