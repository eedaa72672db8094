// The engine service admits pipeline run requests, enforces tenant quotas,
// and executes pipeline step graphs against the staging store and warehouse.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/executor"
	"github.com/datalift-hq/datalift-go/internal/notify"
	"github.com/datalift-hq/datalift-go/internal/orchestrator"
	"github.com/datalift-hq/datalift-go/internal/output"
	"github.com/datalift-hq/datalift-go/internal/pipelines"
	"github.com/datalift-hq/datalift-go/internal/platform/auth"
	"github.com/datalift-hq/datalift-go/internal/platform/env"
	"github.com/datalift-hq/datalift-go/internal/platform/httpserver"
	"github.com/datalift-hq/datalift-go/internal/platform/objectstore"
	"github.com/datalift-hq/datalift-go/internal/platform/postgres"
	"github.com/datalift-hq/datalift-go/internal/processors"
	"github.com/datalift-hq/datalift-go/internal/quota"
	repopg "github.com/datalift-hq/datalift-go/internal/repo/postgres"
	"github.com/datalift-hq/datalift-go/internal/tenants"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("DATALIFT_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("DATALIFT_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	devMode, err := env.Bool("DATALIFT_DEV_MODE", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxRunLifetime, err := env.Duration("DATALIFT_QUOTA_MAX_RUN_LIFETIME", quota.DefaultMaxRunLifetime)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	extractTimeout, err := env.Duration("DATALIFT_EXTRACT_HTTP_TIMEOUT", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	adminAuthSkew, err := env.Duration("DATALIFT_ADMIN_AUTH_MAX_SKEW", 5*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	store, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("invalid object store client", "error", err)
		os.Exit(2)
	}
	if err := objectstore.EnsureStagingBucket(ctx, store, storeCfg); err != nil {
		logger.Error("staging bucket unavailable", "error", err)
		os.Exit(1)
	}

	definitions := pipelines.NewStore(env.String("DATALIFT_PIPELINES_DIR", "./pipelines"))
	if err := definitions.Load(); err != nil {
		logger.Error("load pipeline definitions", "error", err)
		os.Exit(2)
	}
	logger.Info("pipeline definitions loaded", "count", len(definitions.Keys()))

	var ledger quota.Ledger
	var directory tenants.Directory
	var notifier notify.Notifier

	if devMode {
		memLedger := quota.NewMemoryLedger(maxRunLifetime)
		static := tenants.NewStaticDirectory(tenants.Account{
			TenantID: env.String("DATALIFT_DEV_TENANT_ID", "dev"),
			State:    domain.BillingStateActive,
			Limits:   domain.TenantLimits{Daily: 1000, Monthly: 10000, Concurrent: 16},
		})
		ledger = memLedger
		directory = static
		notifier = notify.Noop{}
		logger.Warn("dev mode enabled: in-memory quota ledger and static tenant directory")
	} else {
		ledger = quota.NewPostgresLedger(db, maxRunLifetime)

		billingBase := env.String("DATALIFT_BILLING_BASE_URL", "")
		httpDirectory, err := tenants.NewHTTPDirectory(billingBase, 5*time.Second)
		if err != nil {
			logger.Error("invalid billing directory config", "error", err)
			os.Exit(2)
		}
		directory = httpDirectory

		if webhookURL := env.String("DATALIFT_NOTIFY_WEBHOOK_URL", ""); webhookURL != "" {
			webhook, err := notify.NewWebhook(webhookURL, 5*time.Second)
			if err != nil {
				logger.Error("invalid notify webhook config", "error", err)
				os.Exit(2)
			}
			notifier = webhook
		} else {
			notifier = notify.Noop{}
		}
	}

	runs := repopg.NewRunStore(db)
	steps := repopg.NewStepExecutionStore(db)
	transitions := repopg.NewTransitionStore(db)

	writer := output.NewWriter(db)
	httpExtract := processors.NewHTTPExtract(store, storeCfg.BucketStaging, extractTimeout)
	transform := processors.NewWarehouseTransform(db)
	load := processors.NewWarehouseLoad(store, storeCfg.BucketStaging, writer)
	if writer == nil || httpExtract == nil || transform == nil || load == nil {
		logger.Error("processor wiring incomplete")
		os.Exit(2)
	}

	registry := executor.NewRegistry()
	mustRegister(logger, registry, processors.TypeHTTPExtract, httpExtract)
	mustRegister(logger, registry, processors.TypeWarehouseTransform, transform)
	mustRegister(logger, registry, processors.TypeWarehouseLoad, load)

	exec := executor.New(registry, steps, logger)
	orch := orchestrator.New(ledger, directory, definitions, exec, runs, transitions, notifier, logger)
	if orch == nil {
		logger.Error("orchestrator wiring incomplete")
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("engine"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"engine",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "objectstore",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckStagingBucket(checkCtx, store, storeCfg)
				},
			},
		),
	)

	adminGuard := auth.NewAdminGuard(logger, env.String("DATALIFT_ADMIN_AUTH_SECRET", ""), adminAuthSkew)
	if adminGuard.Enabled() {
		logger.Info("admin routes require signed requests")
	} else if !devMode {
		logger.Warn("admin routes unguarded: DATALIFT_ADMIN_AUTH_SECRET is not set")
	}

	api := newEngineAPI(logger, orch, runs, steps, transitions, definitions)
	api.register(mux, adminGuard)

	cfg := httpserver.Config{
		Service:         "engine",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "engine", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	orch.Wait()
}

func mustRegister(logger *slog.Logger, registry *executor.Registry, processorType string, processor executor.Processor) {
	if err := registry.Register(processorType, processor); err != nil {
		logger.Error("register processor", "type", processorType, "error", err)
		os.Exit(2)
	}
}
