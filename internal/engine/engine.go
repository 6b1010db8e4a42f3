// Package engine turns workflow definitions into queue jobs and runs them:
// discovery registers schedules, the orchestrator starts runs, the source
// worker discovers items and the pipeline worker pushes each item through the
// workflow's steps.
//
// Every handler is idempotent with respect to re-delivery: repository writes
// are upserts, ignore-on-conflict links or conditional status updates, and
// the pipeline worker resumes from the PluginRun ledger.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonathan/workflow-runner/internal/events"
	"github.com/jonathan/workflow-runner/internal/plugin"
	"github.com/jonathan/workflow-runner/internal/queue"
	"github.com/jonathan/workflow-runner/internal/repository"
	"go.uber.org/zap"
)

// PluginExecutor initializes and runs plugins. *plugin.Executor satisfies it.
type PluginExecutor interface {
	Initialize(ctx context.Context, spec plugin.Spec, label string) (*plugin.Handle, error)
	Execute(ctx context.Context, h *plugin.Handle, input json.RawMessage, label string) (json.RawMessage, error)
}

// JobQueue is the subset of *queue.Queue the engine uses.
type JobQueue interface {
	Submit(ctx context.Context, queueName, jobName string, payload any, opts *queue.JobOptions) (*queue.Job, error)
	SubmitRecurring(ctx context.Context, queueName, schedulerID string, repeat queue.Repeat, tmpl queue.JobTemplate) (*queue.Scheduler, error)
	RemoveRecurring(ctx context.Context, queueName, schedulerID string) error
	ListRecurring(ctx context.Context, queueName string) ([]queue.Scheduler, error)
	RegisterWorker(ctx context.Context, queueName string, handler queue.Handler, opts queue.WorkerOptions) *queue.Worker
}

// Publisher receives lifecycle events. *events.Bus satisfies it.
type Publisher interface {
	Publish(evt *events.Event)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Repo    repository.Repository
	Plugins PluginExecutor
	Queue   JobQueue
	Events  Publisher
	Logger  *zap.SugaredLogger
}

// Config holds engine tuning knobs.
type Config struct {
	// DiscoveryInterval is how often scheduled workflows are re-registered.
	DiscoveryInterval time.Duration
	// WorkerConcurrency bounds concurrent jobs per queue.
	WorkerConcurrency int
	// ItemConcurrency bounds concurrent item ingestion in one source query.
	ItemConcurrency int
	// ActiveRunDelay postpones a source query while another run is active.
	ActiveRunDelay time.Duration
	// ContinuationDelay is the wait between polls of an async source job.
	ContinuationDelay time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DiscoveryInterval: 60 * time.Second,
		WorkerConcurrency: queue.DefaultConcurrency,
		ItemConcurrency:   10,
		ActiveRunDelay:    60 * time.Second,
		ContinuationDelay: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = d.DiscoveryInterval
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = d.WorkerConcurrency
	}
	if c.ItemConcurrency <= 0 {
		c.ItemConcurrency = d.ItemConcurrency
	}
	if c.ActiveRunDelay <= 0 {
		c.ActiveRunDelay = d.ActiveRunDelay
	}
	if c.ContinuationDelay <= 0 {
		c.ContinuationDelay = d.ContinuationDelay
	}
	return c
}

// Engine runs workflows on top of a repository, plugin executor and queue.
type Engine struct {
	repo    repository.Repository
	plugins PluginExecutor
	queue   JobQueue
	events  Publisher
	logger  *zap.SugaredLogger
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers []*queue.Worker
	wg      sync.WaitGroup
}

// New creates an engine. Zero Config fields take their defaults.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Repo == nil || deps.Plugins == nil || deps.Queue == nil {
		return nil, fmt.Errorf("engine requires a repository, plugin executor and queue")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Engine{
		repo:    deps.Repo,
		plugins: deps.Plugins,
		queue:   deps.Queue,
		events:  publisher,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Start registers the three queue workers and starts the discovery loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	opts := queue.WorkerOptions{Concurrency: e.cfg.WorkerConcurrency}
	e.workers = []*queue.Worker{
		e.queue.RegisterWorker(runCtx, queue.WorkflowRun, e.HandleWorkflowRun, opts),
		e.queue.RegisterWorker(runCtx, queue.SourceQuery, e.HandleSourceQuery, opts),
		e.queue.RegisterWorker(runCtx, queue.PipelineExecution, e.HandlePipeline, opts),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.RunDiscovery(runCtx)
	}()

	e.logger.Infow("engine started",
		"workerConcurrency", e.cfg.WorkerConcurrency,
		"itemConcurrency", e.cfg.ItemConcurrency,
		"discoveryInterval", e.cfg.DiscoveryInterval,
	)
	return nil
}

// Stop stops discovery and waits for the workers to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	workers := e.workers
	e.cancel = nil
	e.workers = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	for _, w := range workers {
		w.Close()
	}
	e.wg.Wait()
	e.logger.Infow("engine stopped")
}

type nopPublisher struct{}

func (nopPublisher) Publish(*events.Event) {}
