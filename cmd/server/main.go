package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"aiexec-sandbox/internal/api"
	"aiexec-sandbox/internal/auth"
	"aiexec-sandbox/internal/config"
	"aiexec-sandbox/internal/egress"
	"aiexec-sandbox/internal/executor"
	"aiexec-sandbox/internal/monitor"
	"aiexec-sandbox/internal/sandbox"
	"aiexec-sandbox/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Database is optional in development; without it there is no identity
	// store, so only auto-login modes can serve requests.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging and API keys disabled")
		} else {
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				log.Fatal().Err(err).Msg("schema migration failed")
			}
			bootstrapSuperuser(ctx, cfg, db)
		}
	}
	if db == nil && cfg.Auth.Mode() == config.AuthModeEnforced {
		log.Warn().Msg("enforced auth without a database: only session tokens will verify")
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	var auditSink auth.AuditSink = auth.NopAudit{}
	var recorder executor.Recorder = executor.NopRecorder{}
	var identityStore auth.IdentityStore
	if auditWriter != nil {
		auditSink = auditWriter
		recorder = auditWriter
	}
	if db != nil {
		identityStore = db
	}

	tokens := auth.NewTokenManager(cfg.Auth.SecretKey, cfg.Auth.SessionTTL, cfg.Auth.ElevatedTokenTTL)
	verifier := auth.NewVerifier(cfg.Auth, tokens, identityStore, auditSink)
	gate := auth.NewGate(tokens, identityStore, auditSink, cfg.Auth.EnableSuperuserCLI)

	if mode := verifier.Mode(); mode != config.AuthModeEnforced {
		log.Warn().Str("mode", string(mode)).Msg("auto-login enabled: requests without credentials get a fabricated superuser")
	}

	// The egress gate is the only path network-enabled executions can use
	// to reach allow-listed hosts. It mints one credential per execution.
	var egressGate *egress.Gate
	if cfg.Egress.Port > 0 {
		egressGate = egress.New(cfg.Egress.Port, nil)
		if err := egressGate.Start(); err != nil {
			log.Fatal().Err(err).Int("port", cfg.Egress.Port).Msg("failed to start egress gate")
		}
		log.Info().Int("port", cfg.Egress.Port).Msg("egress gate listening")
	}

	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no sandbox backend available (execution will fail)")
		// Continue startup so health/metrics endpoints work for debugging
	}

	wasmBackend := sandbox.NewWasmRunner(ctx)

	exec := executor.New(cfg, executor.Deps{
		Backend:  backend,
		Wasm:     wasmBackend,
		Recorder: recorder,
		Observer: metrics,
	})

	server := api.NewServer(cfg, api.Deps{
		Exec:     exec,
		Verifier: verifier,
		Gate:     gate,
		DB:       db,
		Egress:   egressGate,
		Metrics:  metrics,
		Audit:    auditSink,
		Tokens:   tokens,
		BackendHealthy: func(ctx context.Context) bool {
			return backend != nil
		},
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if backend != nil {
			if err := backend.Close(); err != nil {
				log.Error().Err(err).Msg("backend close error")
			}
		}
		if err := wasmBackend.Close(); err != nil {
			log.Error().Err(err).Msg("wasm runtime close error")
		}
		if egressGate != nil {
			if err := egressGate.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("egress gate shutdown error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("auth_mode", string(verifier.Mode())).
		Bool("db_enabled", db != nil).
		Bool("backend_available", backend != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
		return cfg
	}

	log.Info().Msg("no config file found, using environment defaults")
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	return cfg
}

// bootstrapSuperuser creates the initial superuser account from the
// environment-provided credentials. Idempotent: an existing account with
// the same username is left alone.
func bootstrapSuperuser(ctx context.Context, cfg *config.Config, db *storage.DB) {
	username := cfg.Auth.SuperuserUsername
	password := cfg.Auth.SuperuserPassword
	if username == "" || password == "" {
		return
	}

	if existing, err := db.GetUser(ctx, username); err == nil && existing != nil {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error().Err(err).Msg("superuser bootstrap: password hash failed")
		return
	}
	if _, err := db.CreateSuperuser(ctx, username, hash); err != nil {
		log.Error().Err(err).Str("username", username).Msg("superuser bootstrap failed")
		return
	}
	log.Info().Str("username", username).Msg("bootstrap superuser created")
}
