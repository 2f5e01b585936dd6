// Command runner serves the extension execution core: a WASM sandbox
// behind a tenant-facing HTTP gateway, plus publish tooling for signing
// and registering extension bundles.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alga-io/runner/pkg/broker"
	"github.com/alga-io/runner/pkg/config"
	"github.com/alga-io/runner/pkg/engine"
	"github.com/alga-io/runner/pkg/gateway"
	"github.com/alga-io/runner/pkg/ledger"
	"github.com/alga-io/runner/pkg/observability"
	"github.com/alga-io/runner/pkg/registry"
	"github.com/alga-io/runner/pkg/resolver"
	"github.com/alga-io/runner/pkg/store"
	"github.com/alga-io/runner/pkg/trust"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "publish":
		return runPublish(args[2:], stdout, stderr)
	case "install":
		return runInstall(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: runner <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Run the execution core (default)")
	fmt.Fprintln(w, "  keygen    Generate a publisher signing keypair")
	fmt.Fprintln(w, "  publish   Sign and register an extension bundle")
	fmt.Fprintln(w, "  install   Bind a tenant to a published version")
	fmt.Fprintln(w, "  health    Check a running server over HTTP")
	fmt.Fprintln(w, "  help      Show this help")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

//nolint:gocognit
func runServer(stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "alga-runner",
		Environment:  envOr("ENVIRONMENT", "development"),
		OTLPEndpoint: envOr("OTLP_ENDPOINT", "localhost:4317"),
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:     cfg.DevMode,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()

	anchor, err := loadAnchor(cfg.TrustAnchor)
	if err != nil {
		logger.Error("trust anchor unavailable", "error", err)
		return 1
	}

	var reg registry.Registry
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			return 1
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("postgres ping failed", "error", err)
			return 1
		}
		pg := registry.NewPostgresRegistry(db)
		if err := pg.Init(ctx); err != nil {
			logger.Error("registry init failed", "error", err)
			return 1
		}
		reg = pg
		logger.Info("registry ready", "backend", "postgres")
	} else {
		if !cfg.DevMode {
			logger.Error("DATABASE_URL is required outside dev mode")
			return 1
		}
		reg = registry.NewMemoryRegistry()
		logger.Warn("registry ready", "backend", "memory")
	}

	st, err := store.NewFromEnv(ctx)
	if err != nil {
		logger.Error("bundle store init failed", "error", err)
		return 1
	}

	res, err := resolver.New(reg, st, anchor, resolver.Config{
		CacheMaxBytes: cfg.CacheMaxBytes,
		CacheMaxItems: cfg.CacheMaxItems,
	}, logger)
	if err != nil {
		logger.Error("resolver init failed", "error", err)
		return 1
	}

	var kv broker.KV
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("redis ping failed", "addr", cfg.RedisAddr, "error", err)
			return 1
		}
		kv = broker.NewRedisKV(client)
		logger.Info("kv ready", "backend", "redis")
	} else {
		kv = broker.NewMemoryKV()
		logger.Warn("kv ready", "backend", "memory")
	}

	egressCfg := broker.DefaultEgressConfig()
	if len(cfg.EgressAllowlist) > 0 {
		egressCfg.AllowedHosts = cfg.EgressAllowlist
	}
	brk := broker.New(kv, broker.NewMemorySecrets(), broker.NewEgressClient(egressCfg), logger)

	led, err := ledger.OpenSQLite(cfg.LedgerPath, ledger.Budget{
		MaxInvocations: cfg.QuotaMaxInvocations,
		MaxCPUTimeMS:   cfg.QuotaMaxCPUTimeMS,
		MaxEgressBytes: cfg.QuotaMaxEgressBytes,
	}, cfg.QuotaWindow)
	if err != nil {
		logger.Error("ledger open failed", "path", cfg.LedgerPath, "error", err)
		return 1
	}
	defer led.Close()

	var profiles map[string]*config.TenantProfile
	if cfg.ProfilesDir != "" {
		profiles, err = config.LoadAllProfiles(cfg.ProfilesDir)
		if err != nil {
			logger.Error("profile load failed", "dir", cfg.ProfilesDir, "error", err)
			return 1
		}
		budgets := make(map[string]ledger.Budget, len(profiles))
		for id, p := range profiles {
			if p.Budgets == (config.ProfileBudgets{}) {
				continue
			}
			budgets[id] = ledger.Budget{
				MaxInvocations: p.Budgets.MaxInvocations,
				MaxCPUTimeMS:   p.Budgets.MaxCPUTimeMS,
				MaxEgressBytes: p.Budgets.MaxEgressBytes,
			}
		}
		led.WithTenantBudgets(budgets)
		logger.Info("tenant profiles loaded", "count", len(profiles))
	}

	var invoker engine.Invoker = engine.NewWasmInvoker(logger)
	if cfg.DevMode && os.Getenv("IN_PROCESS_INVOKER") == "true" {
		invoker = engine.NewInProcessInvoker()
		logger.Warn("using in-process invoker, no isolation")
	}

	eng := engine.New(invoker, brk, engine.Config{
		DefaultTimeout:  cfg.DefaultTimeout,
		DefaultMemoryMB: cfg.DefaultMemoryMB,
		MaxConcurrency:  cfg.MaxConcurrency,
		GlobalInstances: cfg.GlobalInstances,
	}, logger)

	var tenants gateway.TenantResolver
	if cfg.SessionSecret != "" {
		tenants = gateway.NewJWTTenantResolver([]byte(cfg.SessionSecret))
	} else {
		if !cfg.DevMode {
			logger.Error("SESSION_SECRET is required outside dev mode")
			return 1
		}
		tenants = &gateway.StaticTenantResolver{TenantID: envOr("DEV_TENANT", "dev")}
		logger.Warn("using static tenant resolver")
	}

	gw := gateway.New(res, eng, led, tenants, gateway.Config{
		Timeout:      cfg.GatewayTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
		RateRPS:      cfg.RateRPS,
		RateBurst:    cfg.RateBurst,
	}, cfg.DefaultTimeout, logger).
		WithObservability(obs).
		WithTenantProfiles(profiles)
	defer gw.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("runner listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 1
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

// loadAnchor accepts either a hex public key or a path to a file
// holding one.
func loadAnchor(value string) (*trust.Anchor, error) {
	if value == "" {
		return nil, trust.ErrNoAnchor
	}
	if _, err := os.Stat(value); err == nil {
		return trust.LoadAnchor(value)
	}
	return trust.NewAnchor(value)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runHealth(out, errOut io.Writer) int {
	port := envOr("PORT", "8080")
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
