package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/weave/internal/connectors"
	"github.com/rendis/weave/internal/engine"
	"github.com/rendis/weave/internal/expressions"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/params"
	"github.com/rendis/weave/internal/queue"
	"github.com/rendis/weave/internal/resume"
	"github.com/rendis/weave/internal/sandbox"
	"github.com/rendis/weave/internal/scheduler"
	"github.com/rendis/weave/internal/secrets"
	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/internal/validation"
)

// vaultKeyID names the master key sealed credentials are encrypted under.
const vaultKeyID = "default"

// app is the wired process.
type app struct {
	store     *store.LibSQLStore
	redis     redis.UniversalClient
	registry  *prometheus.Registry
	service   *queue.Service
	worker    *queue.Worker
	scheduler *scheduler.Scheduler
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// build wires every component from cfg.
func build(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	secret, err := cfg.resumeSecret()
	if err != nil {
		return nil, err
	}

	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	reg := connectors.NewRegistry()
	jq := expressions.NewJQEngine()
	if err := connectors.RegisterBuiltins(reg, connectors.BuiltinConfig{JQ: jq}); err != nil {
		a.Close()
		return nil, err
	}
	schemas, err := validation.NewSchemaValidator()
	if err != nil {
		a.Close()
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		a.Close()
		return nil, err
	}

	var creds secrets.CredentialService
	if cfg.VaultMasterKey != "" {
		ring, err := secrets.NewKeyRing(map[string]secrets.KeyConfig{
			vaultKeyID: {Passphrase: cfg.VaultMasterKey, Salt: []byte(cfg.VaultSalt)},
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("vault: %w", err)
		}
		creds = ring
	}

	tokens, err := resume.NewManager(a.store, resume.Config{Secret: secret, DefaultTTL: cfg.ResumeTokenTTL.D()}, m)
	if err != nil {
		a.Close()
		return nil, err
	}

	httpClient := connectors.NewHTTPClient(connectors.HTTPConfig{})
	rt, err := engine.NewRuntime(engine.Deps{
		Store:       a.store,
		Log:         store.NewExecutionLog(a.store),
		Registry:    reg,
		Resolver:    params.NewResolver(expressions.NewEvaluator(), schemas),
		Conditions:  cel,
		Sandbox:     sandbox.NewExecutor(cfg.SandboxTimeout.D(), logger),
		Credentials: creds,
		Tokens:      tokens,
		Fetch: func(ctx context.Context) func(map[string]any) (map[string]any, error) {
			return func(p map[string]any) (map[string]any, error) { return httpClient.Do(ctx, p, nil) }
		},
		Metrics: m,
		Logger:  logger,
	}, engine.Config{CircuitBreaker: engine.DefaultCircuitBreakerConfig()})
	if err != nil {
		a.Close()
		return nil, err
	}

	var (
		driver queue.Driver
		locker scheduler.Locker
	)
	switch cfg.QueueBackend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		driver = queue.NewRedisDriver(a.redis, "")
		locker = scheduler.NewRedisLocker(a.redis)
	default:
		driver = queue.NewMemoryDriver()
		locker = scheduler.NewStoreLocker(a.store)
	}

	a.service = queue.NewService(a.store, driver, rt, tokens, queue.ServiceConfig{
		MaxAttempts: cfg.MaxAttempts,
		Quota: queue.QuotaConfig{
			MaxConcurrent: cfg.QuotaMaxConcurrent,
			MaxTasks:      cfg.QuotaMaxTasks,
			TaskWindow:    cfg.QuotaTaskWindow.D(),
			RatePerSecond: cfg.QuotaRatePerSecond,
			Burst:         cfg.QuotaBurst,
		},
	}, m, logger)
	a.service.OnResult(queue.NewCallbackNotifier(func(ctx context.Context, p map[string]any) (map[string]any, error) {
		return httpClient.Do(ctx, p, nil)
	}, cfg.CallbackNotifyURL, logger).Hook())
	a.worker = queue.NewWorker(driver, a.service, queue.WorkerConfig{
		Concurrency:      cfg.PoolSize,
		GroupConcurrency: cfg.GroupConcurrency,
		LockDuration:     cfg.LockDuration.D(),
		LockRenewTime:    cfg.LockRenewTime.D(),
	}, m, logger)
	a.scheduler = scheduler.New(a.store, locker, reg, a.service, scheduler.Config{
		Region:             cfg.SchedulerRegion,
		Interval:           cfg.SchedulerInterval.D(),
		ClaimLimit:         cfg.SchedulerClaimLimit,
		MaxIntervalSeconds: cfg.PollingMaxIntervalSeconds,
		DedupeTTL:          cfg.DedupeTTL.D(),
	}, m, logger)
	return a, nil
}

// serve runs the worker, the scheduler and the metrics endpoint until ctx
// is cancelled or one of them fails.
func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsHandler(a.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("weave started", "version", version, "queue_backend", cfg.QueueBackend, "region", cfg.SchedulerRegion)
	err = g.Wait()
	a.worker.Wait()
	logger.Info("weave stopped")
	return err
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
