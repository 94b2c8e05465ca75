package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"ctxbudget/internal/config"
	budget "ctxbudget/internal/context"
	"ctxbudget/internal/events"
	"ctxbudget/internal/ledger"
	"ctxbudget/internal/logging"
	"ctxbudget/internal/memory"
	"ctxbudget/internal/observability"
	sessionstate "ctxbudget/internal/session/state_store"
	tokenutil "ctxbudget/internal/shared/token"
	"ctxbudget/internal/skills"
)

// app wires the engine for one command invocation.
type app struct {
	cfg       config.Config
	meta      config.Metadata
	obs       *observability.Observability
	metrics   *observability.ContextMetrics
	logger    logging.Logger
	allocator *budget.ZoneBudgetAllocator
	gate      *skills.Gate
	sessions  *sessionstate.InMemoryStore
	recorder  *events.InMemoryRecorder
	memory    memory.Service
	ledger    ledger.Ledger
	closeFns  []func() error
}

func newApp(opts *rootOptions, logOutput io.Writer) (*app, error) {
	var loadOpts []config.Option
	if opts.configPath != "" {
		loadOpts = append(loadOpts, config.WithConfigFile(opts.configPath))
	}
	cfg, meta, err := config.Load(loadOpts...)
	if err != nil {
		return nil, err
	}
	if opts.debug {
		cfg.Observability.Logging.Level = "debug"
	}

	obs, err := observability.New(cfg.Observability, logOutput)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		meta:    meta,
		obs:     obs,
		metrics: observability.NewContextMetrics(),
	}
	a.logger = a.componentLogger("ctxbudget")
	if file := meta.File(); file != "" {
		a.logger.Debug("Loaded config from %s", file)
	}
	a.allocator = budget.NewZoneBudgetAllocator(cfg.ZoneBudgetConfig(),
		budget.WithAllocatorLogger(a.componentLogger("ZoneBudgetAllocator")),
		budget.WithAllocatorMetrics(a.metrics))
	a.gate = skills.NewGate(cfg.DispatchDefaults(),
		skills.WithGateLogger(a.componentLogger("DispatchGate")),
		skills.WithGateMetrics(a.metrics))
	a.sessions = sessionstate.NewInMemoryStore(cfg.Session.MaxSessions)
	a.recorder = events.NewInMemoryRecorder()
	a.memory = memory.NewService(memory.NewInMemoryStore())

	if cfg.Ledger.Path != "" {
		sqliteLedger, err := ledger.OpenSQLite(cfg.Ledger.Path)
		if err != nil {
			_ = obs.Shutdown(context.Background())
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		a.ledger = sqliteLedger
		a.closeFns = append(a.closeFns, sqliteLedger.Close)
	} else {
		a.ledger = ledger.NewInMemoryLedger()
	}
	return a, nil
}

// componentLogger writes to the console logger and, when configured, the
// JSON debug log file.
func (a *app) componentLogger(component string) logging.Logger {
	return logging.Multi(
		logging.FromObservabilityWithComponent(a.obs.Logger, component),
		logging.FromObservabilityWithComponent(a.obs.FileLogger, component),
	)
}

func (a *app) planner() *budget.Planner {
	return budget.NewPlanner(a.allocator,
		budget.WithTokenCounter(tokenutil.NewMeter(a.cfg.Metering.Encoding)),
		budget.WithPlannerLogger(a.componentLogger("ContextPlanner")),
		budget.WithPlannerMetrics(a.metrics),
		budget.WithPlannerTracer(a.obs.Tracer.Tracer()))
}

func (a *app) lifecycle() *budget.Lifecycle {
	return budget.NewLifecycle(budget.LifecycleDeps{
		State:  a.sessions,
		Events: a.recorder,
		Ledger: a.ledger,
		Memory: a.memory,
	},
		budget.WithLifecycleLogger(a.componentLogger("ContextLifecycle")),
		budget.WithLifecycleMetrics(a.metrics),
		budget.WithLifecycleTracer(a.obs.Tracer.Tracer()),
		budget.WithDefaultRecallConfidence(a.cfg.ExternalRecall.DefaultConfidence),
		budget.WithExternalRecallMarker(a.cfg.ExternalRecall.Marker))
}

func (a *app) skillLibrary() (skills.Library, error) {
	library, err := skills.Load(a.cfg.Skills.Dir)
	if err != nil {
		return skills.Library{}, fmt.Errorf("load skills: %w", err)
	}
	return library, nil
}

// Close releases the ledger and flushes tracing.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for _, fn := range a.closeFns {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.obs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
