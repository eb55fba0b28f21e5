package egress

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Gate is a forward proxy that enforces host allow-lists on sandbox egress.
// Containers that request network access get HTTP(S)_PROXY pointed here;
// anything not allow-listed is refused at the gate, so the sandbox network
// namespace never needs fine-grained firewalling.
//
// Every execution authenticates with its own credential (execution ID plus a
// token minted at Register time), so the gate attributes each request to the
// execution that made it and checks only that execution's allow-list.
// Concurrent executions cannot reach each other's hosts.
type Gate struct {
	server *http.Server
	addr   string

	transport *http.Transport

	mu     sync.Mutex
	static map[string]struct{}
	active map[string]*registration // execID -> credential + allowed hosts
}

type registration struct {
	token string
	hosts map[string]struct{}
}

// New creates a Gate listening on the given port. staticHosts are reachable
// by every registered execution.
func New(port int, staticHosts []string) *Gate {
	g := &Gate{
		addr:   fmt.Sprintf("0.0.0.0:%d", port),
		static: make(map[string]struct{}),
		active: make(map[string]*registration),
		transport: &http.Transport{
			MaxIdleConns:          32,
			IdleConnTimeout:       30 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
	for _, h := range staticHosts {
		g.static[strings.ToLower(h)] = struct{}{}
	}

	g.server = &http.Server{
		Addr:              g.addr,
		Handler:           http.HandlerFunc(g.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Register makes hosts reachable for the lifetime of an execution and mints
// the proxy credential the execution's container must present. The returned
// release func revokes the credential and the hosts; callers defer it.
func (g *Gate) Register(execID string, hosts []string) (string, func()) {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[strings.ToLower(h)] = struct{}{}
	}

	tokenBytes := make([]byte, 16)
	if _, err := rand.Read(tokenBytes); err != nil {
		// No credential means no proxy access; the execution runs with its
		// allow-list unreachable rather than open.
		log.Error().Err(err).Str("exec_id", execID).Msg("egress token generation failed")
		return "", func() {}
	}
	token := hex.EncodeToString(tokenBytes)

	g.mu.Lock()
	g.active[execID] = &registration{token: token, hosts: set}
	g.mu.Unlock()

	return token, func() {
		g.mu.Lock()
		delete(g.active, execID)
		g.mu.Unlock()
	}
}

// identity resolves the proxy basic-auth credential to a registered
// execution ID, or "" when the credential is missing or wrong.
func (g *Gate) identity(r *http.Request) string {
	header := r.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return ""
	}
	execID, token, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return ""
	}

	g.mu.Lock()
	reg := g.active[execID]
	g.mu.Unlock()
	if reg == nil {
		return ""
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(reg.token)) != 1 {
		return ""
	}
	return execID
}

// allowed checks hostport against the static set and the allow-list of the
// one execution making the request. Other executions' allow-lists are never
// consulted.
func (g *Gate) allowed(execID, hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.static[host]; ok {
		return true
	}
	reg := g.active[execID]
	if reg == nil {
		return false
	}
	_, ok := reg.hosts[host]
	return ok
}

func (g *Gate) handle(w http.ResponseWriter, r *http.Request) {
	execID := g.identity(r)
	if execID == "" {
		w.Header().Set("Proxy-Authenticate", `Basic realm="egress"`)
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	if !g.allowed(execID, r.Host) {
		log.Warn().
			Str("exec_id", execID).
			Str("host", r.Host).
			Msg("egress to non-allow-listed host refused")
		http.Error(w, "host not allow-listed", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodConnect {
		g.tunnel(w, r)
		return
	}
	g.forward(w, r)
}

// tunnel handles CONNECT for HTTPS: raw byte relay after the handshake.
func (g *Gate) tunnel(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	go func() {
		defer upstream.Close()
		defer client.Close()
		_, _ = io.Copy(upstream, client)
	}()
	go func() {
		defer upstream.Close()
		defer client.Close()
		_, _ = io.Copy(client, upstream)
	}()
}

// forward relays a plain HTTP request.
func (g *Gate) forward(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Header.Del("Proxy-Authorization")
	out.Header.Del("Proxy-Connection")

	resp, err := g.transport.RoundTrip(out)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// Start begins listening. The server runs in a background goroutine.
func (g *Gate) Start() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("egress gate listen: %w", err)
	}
	log.Info().Str("addr", g.addr).Msg("egress gate listening")
	go func() {
		_ = g.server.Serve(ln) // returns on Close/Shutdown
	}()
	return nil
}

// Close gracefully shuts down the gate.
func (g *Gate) Close(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}
