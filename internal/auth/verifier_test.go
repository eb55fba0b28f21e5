package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aiexec-sandbox/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeStore struct {
	keys map[string]*APIKeyRecord // by fingerprint
}

func (f *fakeStore) LookupAPIKey(_ context.Context, fingerprint string) (*APIKeyRecord, error) {
	rec, ok := f.keys[fingerprint]
	if !ok {
		return nil, errors.New("not found")
	}
	return rec, nil
}

type captureAudit struct {
	mu       sync.Mutex
	attempts []AuthAttempt
}

func (c *captureAudit) RecordAuth(a AuthAttempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, a)
}

func (c *captureAudit) last(t *testing.T) AuthAttempt {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.attempts) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return c.attempts[len(c.attempts)-1]
}

func storeWithKey(t *testing.T, token string, rec APIKeyRecord) *fakeStore {
	t.Helper()
	hash, err := HashAPIKey(token)
	if err != nil {
		t.Fatal(err)
	}
	rec.SecretHash = hash
	return &fakeStore{keys: map[string]*APIKeyRecord{Fingerprint(token): &rec}}
}

func enforcedVerifier(store IdentityStore, audit AuditSink) *Verifier {
	tm := NewTokenManager(testSecret, time.Hour, 5*time.Minute)
	return NewVerifier(config.AuthConfig{}, tm, store, audit)
}

func TestVerify_EnforcedRejectsMissingCredential(t *testing.T) {
	audit := &captureAudit{}
	v := enforcedVerifier(nil, audit)

	_, err := v.Verify(context.Background(), Credential{}, "10.0.0.1:1234")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if got := audit.last(t).Outcome; got != "rejected" {
		t.Errorf("audit outcome = %q, want rejected", got)
	}
}

func TestVerify_SessionToken(t *testing.T) {
	audit := &captureAudit{}
	v := enforcedVerifier(nil, audit)

	token, err := v.tokens.IssueSession("user-1", "alice", RoleStandard)
	if err != nil {
		t.Fatal(err)
	}

	p, err := v.Verify(context.Background(), Credential{Kind: CredentialSession, Token: token}, "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if p.ID != "user-1" || p.Role != RoleStandard {
		t.Errorf("principal = %+v, want user-1/standard", p)
	}
	if !p.Verified() {
		t.Error("session principal should have verified provenance")
	}
	if got := audit.last(t).Outcome; got != "verified" {
		t.Errorf("audit outcome = %q, want verified", got)
	}
}

func TestVerify_TamperedSessionToken(t *testing.T) {
	v := enforcedVerifier(nil, &captureAudit{})

	token, err := v.tokens.IssueSession("user-1", "alice", RoleStandard)
	if err != nil {
		t.Fatal(err)
	}

	_, err = v.Verify(context.Background(), Credential{Kind: CredentialSession, Token: token + "x"}, "src")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestVerify_ExpiredSessionToken(t *testing.T) {
	tm := NewTokenManager(testSecret, -time.Minute, 5*time.Minute)
	v := NewVerifier(config.AuthConfig{}, tm, nil, nil)

	token, err := tm.IssueSession("user-1", "alice", RoleStandard)
	if err != nil {
		t.Fatal(err)
	}

	_, err = v.Verify(context.Background(), Credential{Kind: CredentialSession, Token: token}, "src")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestVerify_APIKey(t *testing.T) {
	store := storeWithKey(t, "sk-good", APIKeyRecord{
		PrincipalID: "user-2",
		Username:    "bob",
		Role:        RoleStandard,
	})
	v := enforcedVerifier(store, &captureAudit{})

	p, err := v.Verify(context.Background(), Credential{Kind: CredentialAPIKey, Token: "sk-good"}, "src")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if p.ID != "user-2" || p.Credential != CredentialAPIKey {
		t.Errorf("principal = %+v, want user-2 via api_key", p)
	}
}

func TestVerify_UnknownAPIKey(t *testing.T) {
	store := storeWithKey(t, "sk-good", APIKeyRecord{PrincipalID: "user-2", Role: RoleStandard})
	v := enforcedVerifier(store, &captureAudit{})

	_, err := v.Verify(context.Background(), Credential{Kind: CredentialAPIKey, Token: "sk-wrong"}, "src")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestVerify_ExpiredAPIKey(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := storeWithKey(t, "sk-old", APIKeyRecord{
		PrincipalID: "user-3",
		Role:        RoleStandard,
		ExpiresAt:   &past,
	})
	v := enforcedVerifier(store, &captureAudit{})

	_, err := v.Verify(context.Background(), Credential{Kind: CredentialAPIKey, Token: "sk-old"}, "src")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestVerify_SkipAuthFabricatesSuperuser(t *testing.T) {
	audit := &captureAudit{}
	tm := NewTokenManager(testSecret, time.Hour, 5*time.Minute)
	v := NewVerifier(config.AuthConfig{
		AutoLogin:         true,
		SkipAuthAutoLogin: true,
		Dev:               true,
	}, tm, nil, audit)

	// No credential at all, per the documented legacy behavior.
	p, err := v.Verify(context.Background(), Credential{}, "src")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !p.Superuser() {
		t.Error("fabricated principal should be superuser")
	}
	if p.Provenance != ProvenanceFabricated {
		t.Errorf("provenance = %s, want fabricated", p.Provenance)
	}
	if got := audit.last(t).Outcome; got != "fabricated" {
		t.Errorf("audit outcome = %q, want fabricated", got)
	}
}

func TestVerify_AutoLoginWithoutSkipAuthStillVerifiesTokens(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour, 5*time.Minute)
	v := NewVerifier(config.AuthConfig{AutoLogin: true}, tm, nil, nil)

	// A presented-but-bad token is rejected even in auto-login mode.
	_, err := v.Verify(context.Background(), Credential{Kind: CredentialSession, Token: "garbage"}, "src")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}

	// Absent credential falls back to the fabricated superuser.
	p, err := v.Verify(context.Background(), Credential{}, "src")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if p.Provenance != ProvenanceFabricated {
		t.Errorf("provenance = %s, want fabricated", p.Provenance)
	}
}

func TestAuditNeverRecordsTokenValue(t *testing.T) {
	audit := &captureAudit{}
	v := enforcedVerifier(nil, audit)

	secretToken := "super-secret-token-value"
	_, _ = v.Verify(context.Background(), Credential{Kind: CredentialAPIKey, Token: secretToken}, "src")

	for _, a := range audit.attempts {
		if a.PrincipalID == secretToken || a.SourceAddr == secretToken {
			t.Fatal("audit entry contains raw credential value")
		}
	}
}
