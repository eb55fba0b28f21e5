package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// AuthMode controls how incoming credentials are verified.
type AuthMode string

const (
	// AuthModeEnforced requires a valid API key or session token on every request.
	AuthModeEnforced AuthMode = "enforced"
	// AuthModeAutoLogin logs callers in as the default superuser when they
	// present no credential but still verifies credentials that are present.
	AuthModeAutoLogin AuthMode = "auto-login"
	// AuthModeAutoLoginSkipAuth fabricates a superuser identity without
	// inspecting any token at all. Development only; Validate rejects it
	// outside the dev profile.
	AuthModeAutoLoginSkipAuth AuthMode = "auto-login-skip-auth"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Executor ExecutorConfig `yaml:"executor"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Egress   EgressConfig   `yaml:"egress"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// AuthConfig is the credential-verification policy. Dev reflects AIEXEC_DEV;
// the skip-auth mode is only selectable while Dev is true.
type AuthConfig struct {
	AutoLogin          bool          `yaml:"auto_login"`
	SkipAuthAutoLogin  bool          `yaml:"skip_auth_auto_login"`
	EnableSuperuserCLI bool          `yaml:"enable_superuser_cli"`
	SecretKey          string        `yaml:"secret_key"`
	SuperuserUsername  string        `yaml:"superuser_username"`
	SuperuserPassword  string        `yaml:"superuser_password"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	ElevatedTokenTTL   time.Duration `yaml:"elevated_token_ttl"`
	Dev                bool          `yaml:"dev"`
}

// Mode folds the two auto-login flags into the effective verification mode.
func (a AuthConfig) Mode() AuthMode {
	switch {
	case a.AutoLogin && a.SkipAuthAutoLogin:
		return AuthModeAutoLoginSkipAuth
	case a.AutoLogin:
		return AuthModeAutoLogin
	default:
		return AuthModeEnforced
	}
}

type SandboxConfig struct {
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	Backend          string        `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
	MaxLimits        DefaultLimits `yaml:"max_limits"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

// ExecutorConfig bounds the validation/execution pipeline.
type ExecutorConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	QueueWait      time.Duration `yaml:"queue_wait"` // how long a submission may wait for a slot before rejected_busy
	MaxCodeBytes   int           `yaml:"max_code_bytes"`
	MaxStdoutBytes int           `yaml:"max_stdout_bytes"`
	MaxStderrBytes int           `yaml:"max_stderr_bytes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// EgressConfig controls the host-side egress gate used when a submission
// requests network access with an allow-list.
type EgressConfig struct {
	Port int `yaml:"port"` // 0 disables the gate; network stays fully denied
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file and applies AIEXEC_* environment
// overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a config from defaults plus AIEXEC_* environment variables,
// for deployments without a config file.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20, // 1MB code plus headroom for args
			RateLimitRPS:    100,
			RateLimitBurst:  200,
		},
		Auth: AuthConfig{
			AutoLogin:          false,
			SkipAuthAutoLogin:  false,
			EnableSuperuserCLI: false,
			SessionTTL:         24 * time.Hour,
			ElevatedTokenTTL:   5 * time.Minute,
			Dev:                false,
		},
		Sandbox: SandboxConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "aiexec",
			Backend:          "auto",
			DefaultTimeout:   10 * time.Second,
			MaxTimeout:       60 * time.Second,
			DefaultLimits: DefaultLimits{
				CPUShares: 512,
				MemoryMB:  256,
				PidsLimit: 50,
				DiskMB:    100,
			},
			MaxLimits: DefaultLimits{
				CPUShares: 2048,
				MemoryMB:  1024,
				PidsLimit: 200,
				DiskMB:    512,
			},
		},
		Executor: ExecutorConfig{
			MaxConcurrent:  100,
			QueueWait:      2 * time.Second,
			MaxCodeBytes:   1 << 20,
			MaxStdoutBytes: 1 << 20,
			MaxStderrBytes: 256 * 1024,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Egress: EgressConfig{
			Port: 0,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// applyEnv overlays AIEXEC_* environment variables. These names come from the
// platform this engine serves, so operators configure both from one place.
func (c *Config) applyEnv() {
	if v, ok := envBool("AIEXEC_AUTO_LOGIN"); ok {
		c.Auth.AutoLogin = v
	}
	if v, ok := envBool("AIEXEC_SKIP_AUTH_AUTO_LOGIN"); ok {
		c.Auth.SkipAuthAutoLogin = v
	}
	if v, ok := envBool("AIEXEC_ENABLE_SUPERUSER_CLI"); ok {
		c.Auth.EnableSuperuserCLI = v
	}
	if v, ok := envBool("AIEXEC_DEV"); ok {
		c.Auth.Dev = v
	}
	if v := os.Getenv("AIEXEC_SECRET_KEY"); v != "" {
		c.Auth.SecretKey = v
	}
	if v := os.Getenv("AIEXEC_SUPERUSER"); v != "" {
		c.Auth.SuperuserUsername = v
	}
	if v := os.Getenv("AIEXEC_SUPERUSER_PASSWORD"); v != "" {
		c.Auth.SuperuserPassword = v
	}
	if v := os.Getenv("AIEXEC_DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("AIEXEC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	return strings.EqualFold(v, "true") || v == "1", true
}

// Validate checks that the configuration is valid. Skip-auth is a
// config-level invariant, not a request-time check: a production profile
// can never start with it enabled.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Auth.SkipAuthAutoLogin && !c.Auth.AutoLogin {
		return fmt.Errorf("auth.skip_auth_auto_login requires auth.auto_login")
	}
	if c.Auth.SkipAuthAutoLogin && !c.Auth.Dev {
		return fmt.Errorf("auth.skip_auth_auto_login is only allowed in the dev profile (AIEXEC_DEV=true)")
	}
	if c.Auth.Mode() == AuthModeEnforced && c.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key is required in enforced mode (set AIEXEC_SECRET_KEY)")
	}
	if c.Auth.SecretKey != "" && len(c.Auth.SecretKey) < 32 {
		return fmt.Errorf("auth.secret_key must be at least 32 bytes, got %d", len(c.Auth.SecretKey))
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	if c.Sandbox.MaxLimits.MemoryMB < c.Sandbox.DefaultLimits.MemoryMB {
		return fmt.Errorf("sandbox.max_limits.memory_mb must be >= default_limits.memory_mb")
	}
	if c.Executor.MaxConcurrent < 1 {
		return fmt.Errorf("executor.max_concurrent must be >= 1")
	}
	if c.Executor.MaxCodeBytes < 1 {
		return fmt.Errorf("executor.max_code_bytes must be >= 1")
	}
	if c.Egress.Port < 0 || c.Egress.Port > 65535 {
		return fmt.Errorf("egress.port must be 0-65535, got %d", c.Egress.Port)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
