package auth

import "errors"

// Sentinel errors for typed error checking at the API boundary.
var (
	// ErrUnauthorized means the credential was missing, malformed, expired,
	// or did not resolve to a known principal.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the principal is known but lacks the privilege for
	// the requested operation.
	ErrForbidden = errors.New("forbidden")
	// ErrDisabled means the capability is switched off by configuration,
	// regardless of credentials.
	ErrDisabled = errors.New("capability disabled")
)

// IsAuthError reports whether err belongs to the auth taxonomy.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrDisabled)
}
