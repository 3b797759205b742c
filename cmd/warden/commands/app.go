package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/driftwarden/driftwarden/pkg/config"
	"github.com/driftwarden/driftwarden/pkg/gitops"
	"github.com/driftwarden/driftwarden/pkg/onboarding"
	"github.com/driftwarden/driftwarden/pkg/policy"
	"github.com/driftwarden/driftwarden/pkg/promotion"
	"github.com/driftwarden/driftwarden/pkg/reconcile"
	"github.com/driftwarden/driftwarden/pkg/runtime"
	"github.com/driftwarden/driftwarden/pkg/snapshot"
	"github.com/driftwarden/driftwarden/pkg/stores"
	"github.com/driftwarden/driftwarden/pkg/sweeper"
	"github.com/driftwarden/driftwarden/pkg/telemetry"
)

// app bundles the wired engine for one command invocation.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	store      stores.Store
	snapshots  *snapshot.Store
	resolver   runtime.Resolver
	policies   *policy.Engine
	guardrails *policy.Guardrails
	events     *telemetry.Dispatcher
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer

	onboarder  *onboarding.Coordinator
	promotions *promotion.Service
	reconciler *reconcile.Coordinator
	scanner    *sweeper.Scanner
}

// newApp loads configuration and wires every engine component. The caller
// must Close the returned app.
func newApp(ctx context.Context, version string) (*app, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	tcfg := cfg.TelemetryConfig()
	tcfg.ServiceVersion = version

	tlog, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, err
	}
	logger := tlog.Zerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	var git gitops.Client
	switch cfg.Git.Backend {
	case "memory":
		git = gitops.NewMemoryRepo()
	default:
		fsRepo, err := gitops.NewFSRepo(cfg.Git.Root)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		git = fsRepo
	}
	snapshots := snapshot.NewStore(git, cfg.Git.Branch, logger)

	registry := runtime.NewRegistry()
	if err := registry.Register("http", runtime.HTTPFactory); err != nil {
		_ = store.Close()
		return nil, err
	}
	// One shared in-process runtime, for local experiments without a
	// reachable adapter.
	memoryRuntime := runtime.NewMemoryAdapter()
	if err := registry.Register("memory", func(runtime.ConnectionConfig) (runtime.Adapter, error) {
		return memoryRuntime, nil
	}); err != nil {
		_ = store.Close()
		return nil, err
	}
	resolver := runtime.NewRegistryResolver(registry, cfg.APIKeys)

	policies := policy.NewEngine(store, logger)
	guardrails, err := policy.NewGuardrails(logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	events := telemetry.NewDispatcher(tcfg.Events)
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		snapshots:  snapshots,
		resolver:   resolver,
		policies:   policies,
		guardrails: guardrails,
		events:     events,
		metrics:    metrics,
		tracer:     tracer,
	}
	a.onboarder = onboarding.NewCoordinator(store, snapshots, resolver, events, metrics, logger)
	a.promotions = promotion.NewService(store, snapshots, resolver, policies, guardrails, events, metrics, tracer, logger)
	a.reconciler = reconcile.NewCoordinator(store, snapshots, resolver, policies, events, metrics, tracer, logger)
	a.scanner = sweeper.NewScanner(store, snapshots, resolver, policies, events, metrics, tracer, logger)
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}
	if err := a.events.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("event dispatcher shutdown failed")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("store close failed")
	}
}
