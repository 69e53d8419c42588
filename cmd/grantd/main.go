// Package main is the entry point for the grantflow server. It wires the
// stores, workflow engine, notification transports and HTTP adapter
// together, recovers in-flight workflows and serves until signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/grantflow/internal/config"
	"github.com/pitabwire/grantflow/internal/intake"
	"github.com/pitabwire/grantflow/internal/notification"
	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/internal/provisioning"
	"github.com/pitabwire/grantflow/internal/retry"
	"github.com/pitabwire/grantflow/internal/transport"
	"github.com/pitabwire/grantflow/internal/validation"
	"github.com/pitabwire/grantflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability, "grantd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "grantflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	store, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("state store initialization failed", zap.Error(err))
		return 1
	}
	defer storeCloser()

	idemStore, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	defer idemCloser()

	prov, provCloser, err := buildProvisioner(cfg.Provisioning, metrics, logger)
	if err != nil {
		logger.Error("provisioner initialization failed", zap.Error(err))
		return 1
	}
	defer provCloser()

	executor := provisioning.NewExecutor(prov, store, retry.FromConfig(cfg.Provisioning.Retry), metrics, logger)

	dispatcher := notification.NewDispatcher(buildSenders(cfg.Notification, logger), notification.DispatcherConfig{
		ActionBaseURL: cfg.Approval.ActionBaseURL,
		MaxReminders:  cfg.Approval.MaxReminders,
		Retry:         retry.FromConfig(cfg.Notification.Retry),
	}, metrics, logger)

	validator := validation.NewValidator(cfg.Provisioning.DefaultRole)
	engine := workflow.NewEngine(store, validator, executor, dispatcher, workflow.GateConfigFrom(cfg.Approval),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	intakeOpts := []intake.Option{intake.WithMetrics(metrics), intake.WithLogger(logger)}
	if idemStore != nil {
		intakeOpts = append(intakeOpts, intake.WithIdempotency(idemStore, cfg.Idempotency.DefaultTTL))
	}
	svc := intake.NewService(validator, store, engine, intakeOpts...)

	readiness := observability.ReadinessChecks{
		Recovered:    engine.Recovered,
		Dependencies: map[string]observability.HealthChecker{"state_store": store},
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness.Dependencies["idempotency_store"] = hc
	}
	if hc, ok := prov.(observability.HealthChecker); ok {
		readiness.Dependencies["provisioning_backend"] = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Intake:    svc,
		Workflows: engine,
		Audit:     store,
		Logger:    logger,
		Metrics:   metrics,
		Gatherer:  registry,
		Readiness: readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("provisioning", cfg.Provisioning.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	// Recovery runs while the server is already answering /healthz;
	// /readyz stays red until it finishes.
	g.Go(func() error {
		if err := engine.Recover(gctx); err != nil {
			return fmt.Errorf("workflow recovery: %w", err)
		}
		runSweeper(gctx, engine, cfg.Approval.SweepInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Error("workflow engine shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the state store based on config. The returned closer
// is always safe to call.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory state store; workflows will not survive a restart")
		return workflow.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("state store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("state store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("state store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("state store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("state store: migrate: %w", err)
		}
		logger.Info("using postgres state store", zap.String("dsn", observability.RedactDSN(dsn)))
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported state store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the intake idempotency store. A nil store
// disables client idempotency keys.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (intake.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return intake.NewMemoryIdempotencyStore(), func() {}, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return intake.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Driver)
	}
}

// buildProvisioner selects the provisioning backend.
func buildProvisioner(cfg config.ProvisioningConfig, metrics *observability.Metrics, logger *zap.Logger) (provisioning.Provisioner, func(), error) {
	switch cfg.Driver {
	case "http":
		if cfg.HTTP.BaseURL == "" {
			return nil, nil, errors.New("provisioning: http.base_url is required")
		}
		return provisioning.NewHTTPProvisioner(cfg, metrics, logger), func() {}, nil
	case "postgres":
		if len(cfg.Servers) == 0 {
			return nil, nil, errors.New("provisioning: no servers configured")
		}
		p := provisioning.NewPostgresProvisioner(cfg.Servers, logger)
		return p, p.Close, nil
	case "noop":
		logger.Warn("using no-op provisioner; no accounts will be created")
		return provisioning.NewNoopProvisioner(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported provisioning driver: %q", cfg.Driver)
	}
}

// buildSenders routes notifications by address shape. Channels without
// credentials fall through to the log sender.
func buildSenders(cfg config.NotificationConfig, logger *zap.Logger) notification.Sender {
	router := &notification.Router{
		Webhook:  notification.NewWebhookSender(cfg.Webhook.Timeout),
		Fallback: notification.NewLogSender(logger),
	}
	if token := envOrEmpty(cfg.Slack.TokenEnv); token != "" {
		router.Slack = notification.NewSlackSender(token, "")
	}
	if token := envOrEmpty(cfg.Telegram.TokenEnv); token != "" {
		router.Telegram = notification.NewTelegramSender(token, "", nil)
	}
	if cfg.SMTP.Host != "" {
		router.Email = notification.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port,
			cfg.SMTP.Username, envOrEmpty(cfg.SMTP.PasswordEnv), cfg.SMTP.From)
	}
	return router
}

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// runSweeper periodically fires approval-gate wakes that are due, covering
// timers lost to a crash or armed by another instance.
func runSweeper(ctx context.Context, engine *workflow.Engine, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ProcessDue(ctx)
			if err != nil {
				logger.Error("due workflow sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("due workflows processed", zap.Int("count", n))
			}
		}
	}
}
