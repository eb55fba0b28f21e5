package egress

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func proxyAuth(execID, token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(execID+":"+token))
}

func TestGate_CredentialValidation(t *testing.T) {
	g := New(0, nil)
	token, release := g.Register("exec-1", nil)
	defer release()

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid credential", proxyAuth("exec-1", token), http.StatusForbidden}, // passes auth, host not allow-listed
		{"wrong token", proxyAuth("exec-1", "wrong"), http.StatusProxyAuthRequired},
		{"unknown execution", proxyAuth("exec-other", token), http.StatusProxyAuthRequired},
		{"missing header", "", http.StatusProxyAuthRequired},
		{"malformed header", "Basic !!!!", http.StatusProxyAuthRequired},
		{"no colon in credential", "Basic " + base64.StdEncoding.EncodeToString([]byte("exec-1")), http.StatusProxyAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://evil.example.com/", nil)
			if tt.header != "" {
				req.Header.Set("Proxy-Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			g.handle(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGate_AllowListEnforcement(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)

	g := New(0, nil)

	get := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, upstream.URL+"/", nil)
		req.Host = u.Host
		if header != "" {
			req.Header.Set("Proxy-Authorization", header)
		}
		rec := httptest.NewRecorder()
		g.handle(rec, req)
		return rec.Code
	}

	// Not registered: refused.
	if code := get(""); code != http.StatusProxyAuthRequired {
		t.Fatalf("unregistered: got %d, want 407", code)
	}

	// Registered for an execution: forwarded.
	token, release := g.Register("exec-1", []string{u.Hostname()})
	if code := get(proxyAuth("exec-1", token)); code != http.StatusTeapot {
		t.Fatalf("registered host: got %d, want %d", code, http.StatusTeapot)
	}

	// Released: the credential is revoked with the hosts.
	release()
	if code := get(proxyAuth("exec-1", token)); code != http.StatusProxyAuthRequired {
		t.Fatalf("released: got %d, want 407", code)
	}
}

func TestGate_AllowListsAreNotShared(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	g := New(0, nil)

	tokenA, releaseA := g.Register("exec-a", []string{u.Hostname()})
	defer releaseA()
	tokenB, releaseB := g.Register("exec-b", []string{"b.internal"})
	defer releaseB()

	get := func(execID, token string) int {
		req := httptest.NewRequest(http.MethodGet, upstream.URL+"/", nil)
		req.Host = u.Host
		req.Header.Set("Proxy-Authorization", proxyAuth(execID, token))
		rec := httptest.NewRecorder()
		g.handle(rec, req)
		return rec.Code
	}

	// exec-a allow-listed the upstream host and can reach it.
	if code := get("exec-a", tokenA); code != http.StatusTeapot {
		t.Fatalf("exec-a: got %d, want %d", code, http.StatusTeapot)
	}

	// exec-b runs concurrently but never allow-listed this host. Its
	// credential must not ride on exec-a's registration.
	if code := get("exec-b", tokenB); code != http.StatusForbidden {
		t.Fatalf("exec-b reached exec-a's host: got %d, want 403", code)
	}

	// Nor can exec-b reach its own host with exec-a's credential revoked
	// semantics mixed up: cross-credential use fails authentication.
	if code := get("exec-a", tokenB); code != http.StatusProxyAuthRequired {
		t.Fatalf("mismatched credential: got %d, want 407", code)
	}
}

func TestGate_StaticHosts(t *testing.T) {
	g := New(0, []string{"API.Example.com"})
	_, release := g.Register("exec-1", nil)
	defer release()

	if !g.allowed("exec-1", "api.example.com:443") {
		t.Error("static host with port should be allowed, case-insensitively")
	}
	if g.allowed("exec-1", "other.example.com:443") {
		t.Error("unlisted host should be refused")
	}
}

func TestGate_ProxyAuthHeaderStripped(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Proxy-Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	g := New(0, nil)
	token, release := g.Register("exec-1", []string{u.Hostname()})
	defer release()

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/", nil)
	req.Host = u.Host
	req.Header.Set("Proxy-Authorization", proxyAuth("exec-1", token))
	rec := httptest.NewRecorder()
	g.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	if gotAuth != "" {
		t.Errorf("Proxy-Authorization leaked upstream: %q", gotAuth)
	}
}
