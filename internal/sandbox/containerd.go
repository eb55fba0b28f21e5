package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Client wraps the containerd connection the Runner executes through. Every
// call is scoped to the engine's namespace so execution containers never
// collide with anything else on the host daemon.
type Client struct {
	socket    string
	namespace string

	mu     sync.RWMutex
	inner  *containerd.Client
	closed bool
}

// dial opens and health-checks a containerd connection.
func dial(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}
	return inner, nil
}

// NewClient connects to containerd and verifies the daemon answers.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := dial(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

// Raw exposes the underlying client for container lifecycle calls. Callers
// must pass a namespaced context from WithNamespace.
func (c *Client) Raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

// WithNamespace scopes a context to the engine's containerd namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy reports whether the daemon still answers on this connection.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	_, err := c.inner.Version(ctx)
	return err == nil
}

// Reconnect replaces a dead connection. The daemon restarting must not take
// the engine down with it; PullImage retries through here.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inner != nil {
		_ = c.inner.Close()
	}

	inner, err := dial(ctx, c.socket, c.namespace)
	if err != nil {
		return fmt.Errorf("reconnecting: %w", err)
	}

	c.inner = inner
	c.closed = false

	log.Info().Msg("reconnected to containerd")
	return nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PullImage resolves an image ref, pulling it if the content store does not
// have it yet. A transport failure gets one reconnect-and-retry before the
// error surfaces, covering daemon restarts between executions.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := c.pull(ctx, ref)
	if err == nil {
		return image, nil
	}

	if !c.Healthy(ctx) {
		log.Warn().Err(err).Str("ref", ref).Msg("containerd unreachable during pull, reconnecting")
		if rcErr := c.Reconnect(ctx); rcErr != nil {
			return nil, fmt.Errorf("pulling image %s: %w", ref, rcErr)
		}
		return c.pull(ctx, ref)
	}
	return nil, err
}

func (c *Client) pull(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	inner := c.Raw()
	image, err := inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")

	image, err = inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}

	log.Info().Str("ref", ref).Msg("image pulled")
	return image, nil
}

// WarmImages pulls the given refs ahead of the first execution so no user
// submission pays the cold-pull cost. Failures are logged, not fatal; the
// per-execution pull will retry.
func (c *Client) WarmImages(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if _, err := c.PullImage(ctx, ref); err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("image warm-up failed")
		}
	}
}
