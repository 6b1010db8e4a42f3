package main

import (
	"context"
	"fmt"

	"github.com/jonathan/workflow-runner/internal/config"
	"github.com/jonathan/workflow-runner/internal/db"
	"github.com/jonathan/workflow-runner/internal/engine"
	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/logging"
	"github.com/jonathan/workflow-runner/internal/memstore"
	"github.com/jonathan/workflow-runner/internal/plugin"
	"github.com/jonathan/workflow-runner/internal/plugin/builtin"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"go.uber.org/zap"
)

// app is the wired runtime shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	repo   repository.Repository
	queue  *queue.Queue
	bus    *events.Bus
	engine *engine.Engine
	closer func()
}

// loadSettings reads the configuration and builds the logger.
func loadSettings() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newApp wires storage, queue, plugins and engine. With memory set the
// stores live in process and vanish on exit.
func newApp(ctx context.Context, memory bool) (*app, error) {
	cfg, logger, err := loadSettings()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closer: func() { _ = logger.Sync() }}

	var jobStore queue.Store
	if memory || cfg.Memory {
		store, err := memstore.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create memory store: %w", err)
		}
		a.repo = store
		jobStore = queue.NewMemoryStore()
		logger.Warn("using in-memory storage; state is lost on exit")
	} else {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database_url is required (set DATABASE_URL or use --memory)")
		}
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.repo = database
		jobStore = database.Jobs()
		a.closer = func() {
			database.Close()
			_ = logger.Sync()
		}
	}

	registry := plugin.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register plugins: %w", err)
	}
	executor := plugin.NewExecutor(registry, logger, plugin.WithHydrator(plugin.EnvHydrator{}))

	a.queue = queue.New(jobStore, logger, queue.WithPollInterval(cfg.PollInterval.Std()))
	a.bus = events.NewBus(logger)
	a.engine, err = engine.New(engine.Deps{
		Repo:    a.repo,
		Plugins: executor,
		Queue:   a.queue,
		Events:  a.bus,
		Logger:  logger,
	}, engine.Config{
		DiscoveryInterval: cfg.DiscoveryInterval.Std(),
		WorkerConcurrency: cfg.WorkerConcurrency,
		ItemConcurrency:   cfg.ItemConcurrency,
		ActiveRunDelay:    cfg.ActiveRunDelay.Std(),
		ContinuationDelay: cfg.ContinuationDelay.Std(),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return a, nil
}

// Close releases the database pool and flushes the logger.
func (a *app) Close() {
	if a.closer != nil {
		a.closer()
	}
}
